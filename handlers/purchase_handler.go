package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"
	"go.uber.org/zap"

	"ticketing/internal/status"
	"ticketing/models"
	"ticketing/services"
)

type PurchaseHandler struct {
	purchase *services.PurchaseService
	logger   *zap.Logger
}

func NewPurchaseHandler(purchase *services.PurchaseService, logger *zap.Logger) *PurchaseHandler {
	return &PurchaseHandler{purchase: purchase, logger: logger}
}

// Purchase handles POST /api/purchases. The caller supplies the
// idempotency key and must reuse it verbatim when retrying.
func (h *PurchaseHandler) Purchase(c echo.Context) error {
	var req struct {
		EventID         string `json:"event_id"`
		TicketTypeID    string `json:"ticket_type_id"`
		Quantity        int    `json:"quantity"`
		PaymentMethodID string `json:"payment_method_id"`
		IdempotencyKey  string `json:"idempotency_key"`
	}
	if err := c.Bind(&req); err != nil {
		return errorResponse(c, fmt.Errorf("%w: malformed body", status.ErrValidation))
	}
	if key := c.Request().Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	cmd := models.PurchaseCommand{
		EventID:         req.EventID,
		TicketTypeID:    req.TicketTypeID,
		Quantity:        req.Quantity,
		PaymentMethodID: req.PaymentMethodID,
		IdempotencyKey:  req.IdempotencyKey,
		UserID:          c.Request().Header.Get("X-User-ID"),
	}

	result, err := h.purchase.Purchase(c.Request().Context(), cmd)
	if err != nil {
		if httpStatus(err) >= 500 {
			h.logger.Error("purchase failed", zap.String("idempotency_key", cmd.IdempotencyKey), zap.Error(err))
		}
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// Refund handles POST /api/tickets/:id/refund.
func (h *PurchaseHandler) Refund(c echo.Context) error {
	ticket, err := h.purchase.Refund(c.Request().Context(), c.PathParam("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, ticket)
}

func errorResponse(c echo.Context, err error) error {
	return c.JSON(httpStatus(err), map[string]any{
		"error": map[string]string{
			"kind":    errorKind(err),
			"message": err.Error(),
		},
	})
}

// errorKind names the taxonomy entry so clients can tell a sold-out
// condition from a declined payment or a duplicate in-flight command.
func errorKind(err error) string {
	switch {
	case errors.Is(err, status.ErrValidation):
		return "validation"
	case errors.Is(err, status.ErrNotFound):
		return "not_found"
	case errors.Is(err, status.ErrAlreadyProcessing):
		return "already_processing"
	case errors.Is(err, status.ErrInsufficientAvailability):
		return "insufficient_availability"
	case errors.Is(err, status.ErrPaymentFailed):
		return "payment_failed"
	case errors.Is(err, status.ErrLockTimeout):
		return "lock_timeout"
	default:
		return "internal"
	}
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, status.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, status.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, status.ErrAlreadyProcessing),
		errors.Is(err, status.ErrInsufficientAvailability):
		return http.StatusConflict
	case errors.Is(err, status.ErrPaymentFailed):
		return http.StatusPaymentRequired
	case errors.Is(err, status.ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
