package services

import (
	"context"
	"database/sql/driver"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/internal/providers"
	"github.com/stepgate/backend/pkg/logger"
	"github.com/stepgate/backend/pkg/utils"
	"gorm.io/gorm"
)

var testSetupOnce sync.Once

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	testSetupOnce.Do(func() {
		gosqlite.MustRegisterScalarFunction("NOW", 0, func(ctx *gosqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			return time.Now().UTC(), nil
		})
		logger.Init()
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
	t.Cleanup(func() { _ = sqlDB.Close() })

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

	return db
}

func setupTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type recordingSender struct {
	mu    sync.Mutex
	codes []string
}

func (s *recordingSender) Send(ctx context.Context, destination, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	return nil
}

func (s *recordingSender) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.codes) == 0 {
		t.Fatal("no code was delivered")
	}
	return s.codes[len(s.codes)-1]
}

func seedTenant(t *testing.T, db *gorm.DB, factors []models.FactorType) *models.Tenant {
	t.Helper()

	hash, err := utils.HashSecret("secret")
	if err != nil {
		t.Fatalf("failed hashing secret: %v", err)
	}
	clientID, err := utils.RandomHex(16)
	if err != nil {
		t.Fatalf("failed generating client id: %v", err)
	}

	tenant := &models.Tenant{
		Name:             "Test Tenant",
		ClientID:         clientID,
		ClientSecretHash: hash,
		AllowedFactors:   factors,
		EnforcementMode:  models.EnforcementStrict,
	}
	if err := db.Create(tenant).Error; err != nil {
		t.Fatalf("failed creating tenant: %v", err)
	}
	return tenant
}

func seedEnrolledUser(t *testing.T, db *gorm.DB, tenant *models.Tenant, factor models.FactorType) (*models.User, *models.FactorEnrollment) {
	t.Helper()

	user := &models.User{
		TenantID:    tenant.ID,
		ExternalRef: "user-" + uuidSuffix(t),
		Email:       "user@example.com",
		Phone:       "+15550002222",
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("failed creating user: %v", err)
	}

	now := time.Now().UTC()
	enrollment := &models.FactorEnrollment{
		UserID:      user.ID,
		Factor:      factor,
		Address:     user.Email,
		ConfirmedAt: &now,
	}
	if err := db.Create(enrollment).Error; err != nil {
		t.Fatalf("failed creating enrollment: %v", err)
	}
	user.Enrollments = []models.FactorEnrollment{*enrollment}
	return user, enrollment
}

func uuidSuffix(t *testing.T) string {
	t.Helper()
	s, err := utils.RandomHex(4)
	if err != nil {
		t.Fatalf("failed generating suffix: %v", err)
	}
	return s
}

func defaultTestParams() models.FactorParams {
	return models.FactorParams{
		OTPDigits:           6,
		ChallengeTTLSeconds: 300,
		MaxAttempts:         3,
		IssueCooldownSecs:   0,
	}
}

func newTestRegistry(sender providers.Sender) *providers.Registry {
	registry := providers.NewRegistry()
	registry.Register(providers.NewEmailOTPAdapter(sender))
	registry.Register(providers.NewSMSOTPAdapter(sender))
	registry.Register(providers.NewTOTPAdapter())
	registry.Register(providers.NewWalletAdapter())
	return registry
}
