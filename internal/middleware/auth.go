package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/pkg/logger"
	"github.com/stepgate/backend/pkg/utils"
	"gorm.io/gorm"
)

const currentTenantKey = "currentTenant"

type AuthMiddleware struct {
	DB          *gorm.DB
	AdminAPIKey string
}

func NewAuthMiddleware(db *gorm.DB, adminAPIKey string) *AuthMiddleware {
	return &AuthMiddleware{DB: db, AdminAPIKey: adminAPIKey}
}

// RequireTenant authenticates a tenant access token and loads the
// tenant into request locals. Disabled tenants are rejected even when
// the token itself is still valid.
func (a *AuthMiddleware) RequireTenant(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		logger.Warn("jwt_missing_header", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "missing authorization header")
	}

	tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer"))
	if tokenString == authHeader || tokenString == "" {
		logger.Warn("jwt_invalid_format", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid authorization format")
	}

	claims, err := utils.ValidateTenantToken(tokenString)
	if err != nil {
		logger.Warn("jwt_validation_failed", map[string]interface{}{
			"ip":    c.IP(),
			"path":  c.Path(),
			"error": err.Error(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired token")
	}

	var tenant models.Tenant
	if err := a.DB.First(&tenant, "id = ?", claims.TenantID).Error; err != nil {
		logger.Warn("jwt_tenant_not_found", map[string]interface{}{
			"ip":        c.IP(),
			"path":      c.Path(),
			"tenant_id": claims.TenantID,
		})
		return utils.Error(c, fiber.StatusUnauthorized, "tenant not found")
	}
	if tenant.Disabled() {
		return utils.Error(c, fiber.StatusForbidden, "tenant disabled")
	}

	c.Locals(currentTenantKey, &tenant)
	return c.Next()
}

// RequireAdmin guards platform operations with the static operator
// key.
func (a *AuthMiddleware) RequireAdmin(c *fiber.Ctx) error {
	if a.AdminAPIKey == "" {
		return utils.Error(c, fiber.StatusForbidden, "admin access disabled")
	}
	key := c.Get("X-Admin-Key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(a.AdminAPIKey)) != 1 {
		logger.Warn("admin_key_rejected", map[string]interface{}{
			"ip":   c.IP(),
			"path": c.Path(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid admin key")
	}
	return c.Next()
}

func GetCurrentTenant(c *fiber.Ctx) *models.Tenant {
	value := c.Locals(currentTenantKey)
	if value == nil {
		return nil
	}
	tenant, ok := value.(*models.Tenant)
	if !ok {
		return nil
	}
	return tenant
}
