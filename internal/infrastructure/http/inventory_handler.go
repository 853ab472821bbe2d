package http

import (
	"errors"
	"net/http"

	"booking-saga/internal/application/inventory"
	domain "booking-saga/internal/domain/inventory"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type InventoryHandler struct {
	inventoryService *inventory.Service
	validate         *validator.Validate
}

func NewInventoryHandler(s *inventory.Service) *InventoryHandler {
	return &InventoryHandler{
		inventoryService: s,
		validate:         validator.New(),
	}
}

func (h *InventoryHandler) Register(router gin.IRouter) {
	packages := router.Group("/api/packages")
	{
		packages.GET("/:package_id", h.GetPackage)
		packages.PUT("/:package_id/capacity", h.SetCapacity)
	}
}

func (h *InventoryHandler) GetPackage(c *gin.Context) {
	view, err := h.inventoryService.GetPackage(c.Request.Context(), c.Param("package_id"))
	if err != nil {
		if inventory.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, view)
}

func (h *InventoryHandler) SetCapacity(c *gin.Context) {
	var req inventory.SetCapacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	view, err := h.inventoryService.SetCapacity(c.Request.Context(), c.Param("package_id"), req.Capacity)
	if err != nil {
		if errors.Is(err, domain.ErrCapacityBelowHeld) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, view)
}
