package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stepgate/backend/internal/middleware"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/internal/providers"
	"github.com/stepgate/backend/internal/services"
	"github.com/stepgate/backend/pkg/logger"
	"github.com/stepgate/backend/pkg/utils"
	"gorm.io/gorm"
)

type TenantsHandler struct {
	DB       *gorm.DB
	Registry *providers.Registry
	Policies *services.PolicyService
	Audit    *services.AuditService
}

func NewTenantsHandler(db *gorm.DB, registry *providers.Registry, policies *services.PolicyService, audit *services.AuditService) *TenantsHandler {
	return &TenantsHandler{DB: db, Registry: registry, Policies: policies, Audit: audit}
}

type createTenantRequest struct {
	Name               string              `json:"name"`
	RedirectURIs       []string            `json:"redirectURIs"`
	AllowedFactors     []models.FactorType `json:"allowedFactors"`
	EnforcementMode    string              `json:"enforcementMode"`
	DecisionWebhookURL string              `json:"decisionWebhookURL"`
}

// Create registers a tenant and returns the client secret exactly
// once; only its bcrypt hash is stored.
func (h *TenantsHandler) Create(c *fiber.Ctx) error {
	var req createTenantRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return utils.Error(c, fiber.StatusBadRequest, "name is required")
	}
	if len(req.AllowedFactors) == 0 {
		return utils.Error(c, fiber.StatusBadRequest, "at least one allowed factor is required")
	}
	for _, factor := range req.AllowedFactors {
		if !factor.Valid() {
			return utils.Error(c, fiber.StatusBadRequest, "unknown factor type: "+string(factor))
		}
	}

	mode := models.EnforcementMode(req.EnforcementMode)
	if req.EnforcementMode == "" {
		mode = models.EnforcementStrict
	}
	if !mode.Valid() {
		return utils.Error(c, fiber.StatusBadRequest, "invalid enforcement mode")
	}

	clientID, err := utils.RandomHex(16)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate client id")
	}
	clientSecret, err := utils.RandomHex(32)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate client secret")
	}
	secretHash, err := utils.HashSecret(clientSecret)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to hash client secret")
	}

	tenant := models.Tenant{
		Name:               req.Name,
		ClientID:           clientID,
		ClientSecretHash:   secretHash,
		RedirectURIs:       req.RedirectURIs,
		AllowedFactors:     req.AllowedFactors,
		EnforcementMode:    mode,
		DecisionWebhookURL: req.DecisionWebhookURL,
	}

	if err := h.Registry.InitializeTenant(c.Context(), &tenant); err != nil {
		return mapServiceError(c, err)
	}

	if err := h.DB.Create(&tenant).Error; err != nil {
		logger.Error("tenant_create_failed", err, map[string]interface{}{"name": req.Name})
		return utils.Error(c, fiber.StatusInternalServerError, "failed to create tenant")
	}

	h.Audit.LogAsync(services.AuditEntry{
		TenantID:     &tenant.ID,
		Action:       "tenant.created",
		ResourceType: "tenant",
		ResourceID:   &tenant.ID,
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{
		"tenant":       tenant,
		"clientSecret": clientSecret,
	})
}

type updateTenantRequest struct {
	Name               *string              `json:"name"`
	RedirectURIs       *[]string            `json:"redirectURIs"`
	AllowedFactors     *[]models.FactorType `json:"allowedFactors"`
	DecisionWebhookURL *string              `json:"decisionWebhookURL"`
}

func (h *TenantsHandler) Update(c *fiber.Ctx) error {
	tenantID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid tenant id")
	}

	var tenant models.Tenant
	if err := h.DB.First(&tenant, "id = ?", tenantID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "tenant not found")
	}

	var req updateTenantRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	// Struct update with an explicit column list so the json
	// serializers on the slice columns apply.
	var columns []string
	if req.Name != nil && *req.Name != "" {
		tenant.Name = *req.Name
		columns = append(columns, "name")
	}
	if req.RedirectURIs != nil {
		tenant.RedirectURIs = *req.RedirectURIs
		columns = append(columns, "redirect_uris")
	}
	if req.AllowedFactors != nil {
		for _, factor := range *req.AllowedFactors {
			if !factor.Valid() {
				return utils.Error(c, fiber.StatusBadRequest, "unknown factor type: "+string(factor))
			}
		}
		tenant.AllowedFactors = *req.AllowedFactors
		if err := h.Registry.InitializeTenant(c.Context(), &tenant); err != nil {
			return mapServiceError(c, err)
		}
		columns = append(columns, "allowed_factors")
	}
	if req.DecisionWebhookURL != nil {
		tenant.DecisionWebhookURL = *req.DecisionWebhookURL
		columns = append(columns, "decision_webhook_url")
	}

	if len(columns) > 0 {
		if err := h.DB.Model(&tenant).Select(columns).Updates(&tenant).Error; err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to update tenant")
		}
	}

	return utils.Success(c, fiber.StatusOK, tenant)
}

// Disable blocks all future token exchange and API use for the
// tenant. Existing sessions expire on their own TTL.
func (h *TenantsHandler) Disable(c *fiber.Ctx) error {
	tenantID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid tenant id")
	}

	var tenant models.Tenant
	if err := h.DB.First(&tenant, "id = ?", tenantID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "tenant not found")
	}

	now := time.Now().UTC()
	if err := h.DB.Model(&tenant).Update("disabled_at", now).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to disable tenant")
	}

	h.Audit.LogAsync(services.AuditEntry{
		TenantID:     &tenant.ID,
		Action:       "tenant.disabled",
		ResourceType: "tenant",
		ResourceID:   &tenant.ID,
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"disabledAt": now})
}

type tokenRequest struct {
	ClientID     string `json:"clientID"`
	ClientSecret string `json:"clientSecret"`
}

// Token exchanges client credentials for a tenant access token.
func (h *TenantsHandler) Token(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		return utils.Error(c, fiber.StatusBadRequest, "clientID and clientSecret are required")
	}

	var tenant models.Tenant
	if err := h.DB.First(&tenant, "client_id = ?", req.ClientID).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid client credentials")
	}
	if !utils.CheckSecret(req.ClientSecret, tenant.ClientSecretHash) {
		logger.Warn("token_exchange_rejected", map[string]interface{}{
			"client_id": req.ClientID,
			"ip":        c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid client credentials")
	}
	if tenant.Disabled() {
		return utils.Error(c, fiber.StatusForbidden, "tenant disabled")
	}

	token, err := utils.GenerateTenantToken(tenant.ID, tenant.ClientID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate token")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"accessToken": token,
		"tokenType":   "Bearer",
	})
}

// PutPolicy commits the next policy version for the calling tenant.
func (h *TenantsHandler) PutPolicy(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var in services.PolicyInput
	if err := c.BodyParser(&in); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	policy, err := h.Policies.Put(tenant, in)
	if err != nil {
		return mapServiceError(c, err)
	}

	h.Audit.LogAsync(services.AuditEntry{
		TenantID:     &tenant.ID,
		Action:       "policy.updated",
		ResourceType: "policy",
		ResourceID:   &policy.ID,
		Details:      map[string]interface{}{"version": policy.Version},
	})

	return utils.Success(c, fiber.StatusCreated, policy)
}

// GetPolicy returns the tenant's latest committed policy version.
func (h *TenantsHandler) GetPolicy(c *fiber.Ctx) error {
	tenant := middleware.GetCurrentTenant(c)
	if tenant == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	policy, err := h.Policies.Get(tenant.ID)
	if err != nil {
		return mapServiceError(c, err)
	}
	return utils.Success(c, fiber.StatusOK, policy)
}
