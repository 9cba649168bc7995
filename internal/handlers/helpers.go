package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stepgate/backend/internal/providers"
	"github.com/stepgate/backend/internal/services"
	"github.com/stepgate/backend/pkg/utils"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

// mapServiceError translates service sentinels to HTTP responses. Any
// error outside the taxonomy surfaces as a 500 without leaking detail.
func mapServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return utils.Error(c, fiber.StatusNotFound, "resource not found")
	case errors.Is(err, services.ErrInvalidPolicy):
		return utils.Error(c, fiber.StatusUnprocessableEntity, "invalid policy")
	case errors.Is(err, providers.ErrUnsupportedFactor):
		return utils.Error(c, fiber.StatusBadRequest, "unsupported factor type")
	case errors.Is(err, services.ErrFactorNotRequired):
		return utils.Error(c, fiber.StatusBadRequest, "factor not required by this session")
	case errors.Is(err, services.ErrRateLimited):
		return utils.Error(c, fiber.StatusTooManyRequests, "issuance cooldown in effect")
	case errors.Is(err, services.ErrExpired):
		return utils.Error(c, fiber.StatusGone, "expired")
	case errors.Is(err, services.ErrAttemptsExhausted):
		return utils.Error(c, fiber.StatusLocked, "attempt budget exhausted")
	case errors.Is(err, services.ErrSessionClosed):
		return utils.Error(c, fiber.StatusConflict, "session already decided")
	case errors.Is(err, services.ErrFactorClosed):
		return utils.Error(c, fiber.StatusConflict, "factor already settled")
	case errors.Is(err, services.ErrFactorNotEnrolled):
		return utils.Error(c, fiber.StatusConflict, "factor not enrolled")
	case errors.Is(err, services.ErrProviderUnavailable):
		return utils.Error(c, fiber.StatusBadGateway, "factor provider unavailable")
	case errors.Is(err, services.ErrTenantDisabled):
		return utils.Error(c, fiber.StatusForbidden, "tenant disabled")
	case errors.Is(err, providers.ErrBadResponse):
		return utils.Error(c, fiber.StatusBadRequest, "malformed factor response")
	case errors.Is(err, providers.ErrCodeMismatch):
		return utils.Error(c, fiber.StatusBadRequest, "invalid code")
	default:
		return utils.Error(c, fiber.StatusInternalServerError, "internal error")
	}
}
