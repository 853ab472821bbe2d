package http

import (
	"errors"
	"net/http"
	"strconv"

	"booking-saga/internal/application/notification"
	errorlogs "booking-saga/internal/infrastructure/errors"

	"github.com/gin-gonic/gin"
)

// ErrorsHandler exposes the dead-letter error log
type ErrorsHandler struct {
	notificationService *notification.Service
}

func NewErrorsHandler(s *notification.Service) *ErrorsHandler {
	return &ErrorsHandler{notificationService: s}
}

func (h *ErrorsHandler) Register(router gin.IRouter) {
	errs := router.Group("/api/errors")
	{
		errs.GET("", h.ListUnresolved)
		errs.POST("/:id/resolve", h.Resolve)
	}
}

func (h *ErrorsHandler) ListUnresolved(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}

	logs, err := h.notificationService.UnresolvedErrors(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if logs == nil {
		logs = []errorlogs.ErrorLog{}
	}

	c.JSON(http.StatusOK, gin.H{"errors": logs, "count": len(logs)})
}

func (h *ErrorsHandler) Resolve(c *gin.Context) {
	if err := h.notificationService.ResolveError(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, errorlogs.ErrErrorLogNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"error_id": c.Param("id"), "resolved": true})
}
