package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stepgate/backend/internal/middleware"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/internal/providers"
	"github.com/stepgate/backend/internal/services"
	"github.com/stepgate/backend/pkg/utils"
	"gorm.io/gorm"
)

type UsersHandler struct {
	DB       *gorm.DB
	Registry *providers.Registry
	Audit    *services.AuditService
}

func NewUsersHandler(db *gorm.DB, registry *providers.Registry, audit *services.AuditService) *UsersHandler {
	return &UsersHandler{DB: db, Registry: registry, Audit: audit}
}

type createUserRequest struct {
	ExternalRef string `json:"externalRef"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

func (h *UsersHandler) Create(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req createUserRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.ExternalRef == "" {
		return utils.Error(c, fiber.StatusBadRequest, "externalRef is required")
	}

	var existing models.User
	if h.DB.First(&existing, "tenant_id = ? AND external_ref = ?", tenant.ID, req.ExternalRef).Error == nil {
		return utils.Error(c, fiber.StatusConflict, "user already exists")
	}

	user := models.User{
		TenantID:    tenant.ID,
		ExternalRef: req.ExternalRef,
		Email:       req.Email,
		Phone:       req.Phone,
	}
	if err := h.DB.Create(&user).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to create user")
	}

	h.Audit.LogAsync(services.AuditEntry{
		TenantID:     &tenant.ID,
		UserID:       &user.ID,
		Action:       "user.created",
		ResourceType: "user",
		ResourceID:   &user.ID,
	})

	return utils.Success(c, fiber.StatusCreated, user)
}

func (h *UsersHandler) Get(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}

	var user models.User
	err = h.DB.Preload("Enrollments").First(&user, "id = ? AND tenant_id = ?", userID, tenant.ID).Error
	if err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	return utils.Success(c, fiber.StatusOK, user)
}

// EnrollBegin starts factor enrollment through the adapter. An
// unconfirmed enrollment for the same factor is restarted in place.
func (h *UsersHandler) EnrollBegin(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}
	factor := models.FactorType(c.Params("factor"))
	if !factor.Valid() {
		return utils.Error(c, fiber.StatusBadRequest, "unknown factor type")
	}
	if !tenant.AllowsFactor(factor) {
		return utils.Error(c, fiber.StatusBadRequest, "factor not allowed for tenant")
	}

	adapter, err := h.Registry.Lookup(factor)
	if err != nil {
		return mapServiceError(c, err)
	}

	var user models.User
	if err := h.DB.First(&user, "id = ? AND tenant_id = ?", userID, tenant.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	var enrollment models.FactorEnrollment
	err = h.DB.First(&enrollment, "user_id = ? AND factor = ?", user.ID, factor).Error
	switch {
	case err == nil && enrollment.Confirmed():
		return utils.Error(c, fiber.StatusConflict, "factor already enrolled")
	case err == gorm.ErrRecordNotFound:
		enrollment = models.FactorEnrollment{UserID: user.ID, Factor: factor}
	case err != nil:
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load enrollment")
	}

	payload, err := adapter.Enroll(c.Context(), tenant, &user, &enrollment, c.Body())
	if err != nil {
		return mapServiceError(c, err)
	}

	if err := h.DB.Save(&enrollment).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save enrollment")
	}

	h.Audit.LogAsync(services.AuditEntry{
		TenantID:     &tenant.ID,
		UserID:       &user.ID,
		Action:       "enrollment.started",
		ResourceType: "enrollment",
		ResourceID:   &enrollment.ID,
		Details:      map[string]interface{}{"factor": string(factor)},
	})

	return utils.Success(c, fiber.StatusOK, payload)
}

// EnrollConfirm proves possession and activates the enrollment.
func (h *UsersHandler) EnrollConfirm(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}
	factor := models.FactorType(c.Params("factor"))
	if !factor.Valid() {
		return utils.Error(c, fiber.StatusBadRequest, "unknown factor type")
	}

	adapter, err := h.Registry.Lookup(factor)
	if err != nil {
		return mapServiceError(c, err)
	}

	var user models.User
	if err := h.DB.First(&user, "id = ? AND tenant_id = ?", userID, tenant.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	var enrollment models.FactorEnrollment
	if err := h.DB.First(&enrollment, "user_id = ? AND factor = ?", user.ID, factor).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "enrollment not started")
	}
	if enrollment.Confirmed() {
		return utils.Error(c, fiber.StatusConflict, "factor already enrolled")
	}

	if err := adapter.ConfirmEnroll(c.Context(), &user, &enrollment, c.Body()); err != nil {
		return mapServiceError(c, err)
	}

	now := time.Now().UTC()
	enrollment.ConfirmedAt = &now
	enrollment.Pending = ""
	if err := h.DB.Save(&enrollment).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save enrollment")
	}

	h.Audit.LogAsync(services.AuditEntry{
		TenantID:     &tenant.ID,
		UserID:       &user.ID,
		Action:       "enrollment.confirmed",
		ResourceType: "enrollment",
		ResourceID:   &enrollment.ID,
		Details:      map[string]interface{}{"factor": string(factor)},
	})

	return utils.Success(c, fiber.StatusOK, enrollment)
}

func (h *UsersHandler) Unenroll(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	userID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid user id")
	}
	factor := models.FactorType(c.Params("factor"))
	if !factor.Valid() {
		return utils.Error(c, fiber.StatusBadRequest, "unknown factor type")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ? AND tenant_id = ?", userID, tenant.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "user not found")
	}

	result := h.DB.Where("user_id = ? AND factor = ?", user.ID, factor).Delete(&models.FactorEnrollment{})
	if result.Error != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to remove enrollment")
	}
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "enrollment not found")
	}

	h.Audit.LogAsync(services.AuditEntry{
		TenantID:     &tenant.ID,
		UserID:       &user.ID,
		Action:       "enrollment.removed",
		ResourceType: "enrollment",
		Details:      map[string]interface{}{"factor": string(factor)},
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"removed": true})
}
