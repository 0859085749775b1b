package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ticketing/models"
	"ticketing/services"
	"ticketing/utils"
)

type AvailabilityHandler struct {
	availability *services.AvailabilityService
	cache        *services.CacheService
	redis        *redis.Client
	cacheTTL     time.Duration
	logger       *zap.Logger
}

func NewAvailabilityHandler(availability *services.AvailabilityService, cache *services.CacheService, redisClient *redis.Client, cacheTTL time.Duration, logger *zap.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{
		availability: availability,
		cache:        cache,
		redis:        redisClient,
		cacheTTL:     cacheTTL,
		logger:       logger,
	}
}

// Availability handles GET /api/events/:eventId/ticket-types/:id/availability.
// The read path serves a short-lived cache; purchases invalidate it.
func (h *AvailabilityHandler) Availability(c echo.Context) error {
	eventID := c.PathParam("eventId")
	ticketTypeID := c.PathParam("id")
	key := fmt.Sprintf("availability:%s:%s", eventID, ticketTypeID)

	var avail models.Availability
	err := h.cache.Get(c.Request().Context(), key, h.cacheTTL, &avail, func(ctx context.Context) (any, error) {
		return h.availability.Remaining(ctx, ticketTypeID)
	})
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, avail)
}

func (h *AvailabilityHandler) Health(c echo.Context) error {
	if err := utils.RedisHealthCheck(h.redis); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
