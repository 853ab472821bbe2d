package http

import (
	"errors"
	"net/http"

	"booking-saga/internal/application/payment"
	domain "booking-saga/internal/domain/payment"

	"github.com/gin-gonic/gin"
)

type PaymentHandler struct {
	paymentService *payment.Service
}

func NewPaymentHandler(s *payment.Service) *PaymentHandler {
	return &PaymentHandler{paymentService: s}
}

func (h *PaymentHandler) Register(router gin.IRouter) {
	router.GET("/api/payments/:id", h.GetPayment)
}

func (h *PaymentHandler) GetPayment(c *gin.Context) {
	p, err := h.paymentService.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, domain.ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id":     p.PaymentID,
		"booking_id":     p.BookingID,
		"amount":         p.Amount,
		"currency":       p.Currency,
		"status":         p.Status,
		"failure_reason": p.FailureReason,
		"updated_at":     p.UpdatedAt,
	})
}
