package http

import (
	"errors"
	"net/http"

	"booking-saga/internal/application/saga"
	sagadomain "booking-saga/internal/domain/saga"
	"booking-saga/internal/infrastructure/sagastore"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

type SagaHandler struct {
	orchestrator *saga.Orchestrator
}

func NewSagaHandler(o *saga.Orchestrator) *SagaHandler {
	return &SagaHandler{
		orchestrator: o,
	}
}

func (h *SagaHandler) Register(router gin.IRouter) {
	bookings := router.Group("/api/bookings")
	{
		bookings.POST("", h.CreateBooking)
		bookings.GET("/:id", h.GetBooking)
		bookings.GET("/:id/events", h.GetBookingEvents)
		bookings.POST("/:id/cancel", h.CancelBooking)
	}
}

type cancelBookingRequest struct {
	Reason string `json:"reason"`
}

func (h *SagaHandler) CreateBooking(c *gin.Context) {
	var req saga.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.TraceID = c.GetHeader(HeaderTraceID)

	resp, err := h.orchestrator.CreateBooking(c.Request.Context(), req)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		writeSagaError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

func (h *SagaHandler) GetBooking(c *gin.Context) {
	status, err := h.orchestrator.GetSagaStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSagaError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (h *SagaHandler) GetBookingEvents(c *gin.Context) {
	history, err := h.orchestrator.GetSagaHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeSagaError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"correlation_id": c.Param("id"), "events": history})
}

func (h *SagaHandler) CancelBooking(c *gin.Context) {
	var req cancelBookingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "cancelled by customer"
	}

	if err := h.orchestrator.RequestCancellation(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		writeSagaError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"correlation_id": c.Param("id"),
		"status":         "CANCELLATION_REQUESTED",
	})
}

func writeSagaError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, sagadomain.ErrSagaNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, saga.ErrBookingFinalized), errors.Is(err, sagastore.ErrDuplicateBooking):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
