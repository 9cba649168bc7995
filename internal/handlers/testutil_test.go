package handlers

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
	"github.com/stepgate/backend/internal/middleware"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/internal/providers"
	"github.com/stepgate/backend/internal/services"
	"github.com/stepgate/backend/pkg/logger"
	"github.com/stepgate/backend/pkg/utils"
	"gorm.io/gorm"
)

type testEnv struct {
	app     *fiber.App
	db      *gorm.DB
	redis   *miniredis.Miniredis
	emails  *captureSender
	sms     *captureSender
	session *services.SessionService
}

// captureSender records delivered codes so tests can play the user.
type captureSender struct {
	mu    sync.Mutex
	codes []string
}

func (s *captureSender) Send(ctx context.Context, destination, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		t.Fatal("no code was delivered")
	}
	return s.codes[len(s.codes)-1]
}

var testSetupOnce sync.Once

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
		utils.ConfigureJWT("test-secret", 60)
		utils.ConfigureEncryption("test-secret")
	})

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed opening in-memory sqlite database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed getting sql.DB from gorm: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() {
		_ = sqlDB.Close()
	})

	err = db.AutoMigrate(
		&models.Tenant{},
		&models.Policy{},
		&models.User{},
		&models.FactorEnrollment{},
		&models.VerificationSession{},
		&models.Challenge{},
		&models.DecisionRecord{},
		&models.AuditLog{},
	)
	if err != nil {
		t.Fatalf("failed automigrating models: %v", err)
	}

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = redisClient.Close() })

	emails := &captureSender{}
	sms := &captureSender{}

	registry := providers.NewRegistry()
	registry.Register(providers.NewEmailOTPAdapter(emails))
	registry.Register(providers.NewSMSOTPAdapter(sms))
	registry.Register(providers.NewTOTPAdapter())
	registry.Register(providers.NewWalletAdapter())
	webauthnAdapter, err := providers.NewWebAuthnAdapter(providers.WebAuthnConfig{
		RPID:          "localhost",
		RPDisplayName: "StepGate Test",
		RPOrigins:     []string{"http://localhost"},
	})
	if err != nil {
		t.Fatalf("failed creating webauthn adapter: %v", err)
	}
	registry.Register(webauthnAdapter)

	defaults := models.FactorParams{
		OTPDigits:           6,
		ChallengeTTLSeconds: 300,
		MaxAttempts:         3,
		IssueCooldownSecs:   0,
	}

	limiter := services.NewCooldownLimiter(redisClient, "sg:cooldown")
	auditService := services.NewAuditService(db)
	policyService := services.NewPolicyService(db)
	challengeService := services.NewChallengeService(db, registry, limiter, 5*time.Second)
	notifier := services.NewDecisionNotifier(db, services.NotifierConfig{
		QueueBufferSize: 10,
		MaxAttempts:     1,
		RequestTimeout:  time.Second,
	})
	sessionService := services.NewSessionService(db, policyService, registry, challengeService, notifier, auditService, defaults, 10*time.Minute)

	tenantsHandler := NewTenantsHandler(db, registry, policyService, auditService)
	usersHandler := NewUsersHandler(db, registry, auditService)
	sessionsHandler := NewSessionsHandler(sessionService)

	authMiddleware := middleware.NewAuthMiddleware(db, "test-admin-key")

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.RequestLogger())

	api := app.Group("/api")

	adminRoutes := api.Group("/admin", authMiddleware.RequireAdmin)
	adminRoutes.Post("/tenants", tenantsHandler.Create)
	adminRoutes.Put("/tenants/:id", tenantsHandler.Update)
	adminRoutes.Post("/tenants/:id/disable", tenantsHandler.Disable)

	api.Post("/token", tenantsHandler.Token)

	policyRoutes := api.Group("/policy", authMiddleware.RequireTenant)
	policyRoutes.Put("/", tenantsHandler.PutPolicy)
	policyRoutes.Get("/", tenantsHandler.GetPolicy)

	userRoutes := api.Group("/users", authMiddleware.RequireTenant)
	userRoutes.Post("/", usersHandler.Create)
	userRoutes.Get("/:id", usersHandler.Get)
	userRoutes.Post("/:id/factors/:factor/enroll", usersHandler.EnrollBegin)
	userRoutes.Post("/:id/factors/:factor/confirm", usersHandler.EnrollConfirm)
	userRoutes.Delete("/:id/factors/:factor", usersHandler.Unenroll)

	sessionRoutes := api.Group("/sessions", authMiddleware.RequireTenant)
	sessionRoutes.Post("/", sessionsHandler.Create)
	sessionRoutes.Get("/:id", sessionsHandler.Status)
	sessionRoutes.Post("/:id/factors/:factor/challenge", sessionsHandler.IssueChallenge)
	sessionRoutes.Post("/:id/factors/:factor/verify", sessionsHandler.SubmitResponse)

	return &testEnv{
		app:     app,
		db:      db,
		redis:   mr,
		emails:  emails,
		sms:     sms,
		session: sessionService,
	}
}

func adminHeaders() map[string]string {
	return map[string]string{"X-Admin-Key": "test-admin-key"}
}

func authHeaders(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// createTestTenant registers a tenant directly and returns it with a
// valid access token.
func createTestTenant(t *testing.T, db *gorm.DB, factors []models.FactorType) (*models.Tenant, string) {
	t.Helper()

	secretHash, err := utils.HashSecret("tenant-secret")
	if err != nil {
		t.Fatalf("failed hashing client secret: %v", err)
	}

	clientID, err := utils.RandomHex(16)
	if err != nil {
		t.Fatalf("failed generating client id: %v", err)
	}

	tenant := &models.Tenant{
		Name:             "Acme Test",
		ClientID:         clientID,
		ClientSecretHash: secretHash,
		AllowedFactors:   factors,
		EnforcementMode:  models.EnforcementStrict,
	}
	if err := db.Create(tenant).Error; err != nil {
		t.Fatalf("failed creating test tenant: %v", err)
	}

	token, err := utils.GenerateTenantToken(tenant.ID, tenant.ClientID)
	if err != nil {
		t.Fatalf("failed generating tenant token: %v", err)
	}

	return tenant, token
}

func createTestUser(t *testing.T, db *gorm.DB, tenant *models.Tenant, externalRef string) *models.User {
	t.Helper()

	user := &models.User{
		TenantID:    tenant.ID,
		ExternalRef: externalRef,
		Email:       externalRef + "@example.com",
		Phone:       "+15550001111",
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating test user: %v", err)
	}
	return user
}

func putTestPolicy(t *testing.T, db *gorm.DB, tenant *models.Tenant, in services.PolicyInput) *models.Policy {
	t.Helper()

	policy, err := services.NewPolicyService(db).Put(tenant, in)
	if err != nil {
		t.Fatalf("failed writing test policy: %v", err)
	}
	return policy
}

func performRequest(t *testing.T, app *fiber.App, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, int((10 * time.Second).Milliseconds()))
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}

	return resp
}

func performJSONRequest(t *testing.T, app *fiber.App, method, path string, payload any, headers map[string]string) *http.Response {
	t.Helper()

	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("failed to marshal payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}

	requestHeaders := map[string]string{}
	for key, value := range headers {
		requestHeaders[key] = value
	}
	if payload != nil {
		requestHeaders["Content-Type"] = "application/json"
	}

	return performRequest(t, app, method, path, body, requestHeaders)
}

func decodeJSONMap(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed reading response body: %v", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("failed decoding JSON response: %v body=%q", err, string(raw))
	}

	return payload
}

func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Fatalf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

func dataMap(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	data, ok := body["data"].(map[string]any)
	if !ok {
		t.Fatalf("expected data object in response, got %+v", body)
	}
	return data
}

// enrollEmailOTP walks the enroll begin/confirm flow over the API.
func enrollEmailOTP(t *testing.T, env *testEnv, token string, user *models.User) {
	t.Helper()

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/users/"+user.ID.String()+"/factors/email_otp/enroll",
		map[string]any{"email": user.Email}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/users/"+user.ID.String()+"/factors/email_otp/confirm",
		map[string]any{"code": env.emails.last(t)}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}
