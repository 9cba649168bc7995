package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stepgate/backend/internal/models"
	"gorm.io/gorm"
)

func newSessionID(t *testing.T, db *gorm.DB, tenant *models.Tenant, user *models.User) uuid.UUID {
	t.Helper()

	session := &models.VerificationSession{
		TenantID: tenant.ID, UserID: user.ID, PolicyVersion: 1,
		RequiredFactors: []models.FactorType{models.FactorEmailOTP},
		EnforcementMode: models.EnforcementStrict,
		Status:          models.SessionPassed,
		ExpiresAt:       time.Now().Add(time.Minute),
	}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("failed creating session: %v", err)
	}
	return session.ID
}

func waitForDelivery(t *testing.T, n *DecisionNotifier, record *models.DecisionRecord) models.DecisionRecord {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var reloaded models.DecisionRecord
		if err := n.DB.First(&reloaded, "session_id = ?", record.SessionID).Error; err == nil && reloaded.Delivered {
			return reloaded
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("decision was never marked delivered")
	return models.DecisionRecord{}
}

func TestNotifierDeliversDecisionPayload(t *testing.T) {
	db := setupTestDB(t)

	var received atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("failed decoding webhook payload: %v", err)
		}
		received.Store(payload)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	tenant := seedTenant(t, db, []models.FactorType{models.FactorEmailOTP})
	if err := db.Model(tenant).Update("decision_webhook_url", server.URL).Error; err != nil {
		t.Fatalf("failed setting webhook url: %v", err)
	}
	user, _ := seedEnrolledUser(t, db, tenant, models.FactorEmailOTP)

	session := &models.VerificationSession{
		TenantID: tenant.ID, UserID: user.ID, PolicyVersion: 1,
		RequiredFactors: []models.FactorType{models.FactorEmailOTP},
		EnforcementMode: models.EnforcementStrict,
		Status:          models.SessionPassed,
		ExpiresAt:       time.Now().Add(time.Minute),
	}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("failed creating session: %v", err)
	}

	record := &models.DecisionRecord{
		SessionID: session.ID, TenantID: tenant.ID, UserID: user.ID,
		Status: models.SessionPassed,
		FactorStates: map[models.FactorType]models.FactorStatus{
			models.FactorEmailOTP: models.FactorVerified,
		},
	}
	if err := db.Create(record).Error; err != nil {
		t.Fatalf("failed creating decision record: %v", err)
	}

	notifier := NewDecisionNotifier(db, NotifierConfig{QueueBufferSize: 4, MaxAttempts: 3, RequestTimeout: time.Second})
	notifier.Enqueue(session.ID)

	reloaded := waitForDelivery(t, notifier, record)
	if reloaded.DeliveryAttempts != 1 {
		t.Fatalf("expected exactly one delivery attempt, got %d", reloaded.DeliveryAttempts)
	}

	payload, _ := received.Load().(map[string]any)
	if payload == nil {
		t.Fatal("webhook never received a payload")
	}
	if payload["sessionID"] != session.ID.String() {
		t.Fatalf("expected session id %s, got %v", session.ID, payload["sessionID"])
	}
	if payload["status"] != "passed" {
		t.Fatalf("expected passed status, got %v", payload["status"])
	}
}

func TestNotifierRetriesUntilSuccess(t *testing.T) {
	db := setupTestDB(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	tenant := seedTenant(t, db, []models.FactorType{models.FactorEmailOTP})
	if err := db.Model(tenant).Update("decision_webhook_url", server.URL).Error; err != nil {
		t.Fatalf("failed setting webhook url: %v", err)
	}
	user, _ := seedEnrolledUser(t, db, tenant, models.FactorEmailOTP)

	record := &models.DecisionRecord{
		SessionID: newSessionID(t, db, tenant, user), TenantID: tenant.ID, UserID: user.ID,
		Status: models.SessionFailed,
	}
	if err := db.Create(record).Error; err != nil {
		t.Fatalf("failed creating decision record: %v", err)
	}

	notifier := NewDecisionNotifier(db, NotifierConfig{QueueBufferSize: 4, MaxAttempts: 3, RequestTimeout: time.Second})
	notifier.Enqueue(record.SessionID)

	reloaded := waitForDelivery(t, notifier, record)
	if reloaded.DeliveryAttempts != 3 {
		t.Fatalf("expected 3 delivery attempts, got %d", reloaded.DeliveryAttempts)
	}
}

func TestNotifierRecoverUndelivered(t *testing.T) {
	db := setupTestDB(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	tenant := seedTenant(t, db, []models.FactorType{models.FactorEmailOTP})
	if err := db.Model(tenant).Update("decision_webhook_url", server.URL).Error; err != nil {
		t.Fatalf("failed setting webhook url: %v", err)
	}
	user, _ := seedEnrolledUser(t, db, tenant, models.FactorEmailOTP)

	undelivered := &models.DecisionRecord{
		SessionID: newSessionID(t, db, tenant, user), TenantID: tenant.ID, UserID: user.ID,
		Status: models.SessionPassed,
	}
	delivered := &models.DecisionRecord{
		SessionID: newSessionID(t, db, tenant, user), TenantID: tenant.ID, UserID: user.ID,
		Status: models.SessionPassed, Delivered: true,
	}
	if err := db.Create(undelivered).Error; err != nil {
		t.Fatalf("failed creating record: %v", err)
	}
	if err := db.Create(delivered).Error; err != nil {
		t.Fatalf("failed creating record: %v", err)
	}

	notifier := NewDecisionNotifier(db, NotifierConfig{QueueBufferSize: 4, MaxAttempts: 1, RequestTimeout: time.Second})
	notifier.RecoverUndelivered()

	waitForDelivery(t, notifier, undelivered)

	// Already-delivered records are never re-sent.
	if calls.Load() != 1 {
		t.Fatalf("expected a single webhook call, got %d", calls.Load())
	}
}

func TestNotifierNoWebhookMarksDelivered(t *testing.T) {
	db := setupTestDB(t)

	tenant := seedTenant(t, db, []models.FactorType{models.FactorEmailOTP})
	user, _ := seedEnrolledUser(t, db, tenant, models.FactorEmailOTP)

	record := &models.DecisionRecord{
		SessionID: newSessionID(t, db, tenant, user), TenantID: tenant.ID, UserID: user.ID,
		Status: models.SessionPassed,
	}
	if err := db.Create(record).Error; err != nil {
		t.Fatalf("failed creating record: %v", err)
	}

	notifier := NewDecisionNotifier(db, NotifierConfig{QueueBufferSize: 4, MaxAttempts: 1, RequestTimeout: time.Second})
	notifier.Enqueue(record.SessionID)

	reloaded := waitForDelivery(t, notifier, record)
	if reloaded.DeliveryAttempts != 0 {
		t.Fatalf("expected no HTTP attempts without a webhook, got %d", reloaded.DeliveryAttempts)
	}
}
