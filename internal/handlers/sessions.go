package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/stepgate/backend/internal/middleware"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/internal/services"
	"github.com/stepgate/backend/pkg/utils"
)

type SessionsHandler struct {
	Sessions *services.SessionService
}

func NewSessionsHandler(sessions *services.SessionService) *SessionsHandler {
	return &SessionsHandler{Sessions: sessions}
}

type createSessionRequest struct {
	UserID string `json:"userID"`
}

func (h *SessionsHandler) Create(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req createSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	userID, err := parseUUID(req.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	session, err := h.Sessions.Create(c.Context(), tenant, userID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return utils.Success(c, fiber.StatusCreated, session)
}

func (h *SessionsHandler) Status(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessionID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid session id")
	}

	session, err := h.Sessions.Status(c.Context(), tenant.ID, sessionID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, session)
}

// IssueChallenge creates a challenge for one factor of the session and
// returns the client-facing descriptor.
func (h *SessionsHandler) IssueChallenge(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessionID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid session id")
	}
	factor := models.FactorType(c.Params("factor"))
	if !factor.Valid() {
		return utils.Error(c, fiber.StatusBadRequest, "unknown factor type")
	}

	descriptor, challenge, err := h.Sessions.Issue(c.Context(), tenant.ID, sessionID, factor)
	if err != nil {
		return mapServiceError(c, err)
	}

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"challengeID":  challenge.ID,
		"factor":       challenge.Factor,
		"expiresAt":    challenge.ExpiresAt,
		"attemptsLeft": challenge.AttemptsLeft,
		"descriptor":   descriptor,
	})
}

type submitResponseRequest struct {
	Response string `json:"response"`
}

// SubmitResponse verifies a factor response. The factor state and the
// possibly-settled session come back together so the caller never
// needs a follow-up status poll.
func (h *SessionsHandler) SubmitResponse(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	sessionID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid session id")
	}
	factor := models.FactorType(c.Params("factor"))
	if !factor.Valid() {
		return utils.Error(c, fiber.StatusBadRequest, "unknown factor type")
	}

	var req submitResponseRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Response == "" {
		return utils.Error(c, fiber.StatusBadRequest, "response is required")
	}

	state, remaining, session, err := h.Sessions.Submit(c.Context(), tenant.ID, sessionID, factor, req.Response)
	if err != nil {
		return mapServiceError(c, err)
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"factorState":   state,
		"attemptsLeft":  remaining,
		"sessionStatus": session.Status,
		"session":       session,
	})
}
