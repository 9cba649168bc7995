package services

import (
	"context"
	"testing"
	"time"

	"github.com/stepgate/backend/internal/models"
)

func TestRetentionSweepPurgesOldDecidedSessions(t *testing.T) {
	db := setupTestDB(t)
	tenant := seedTenant(t, db, []models.FactorType{models.FactorEmailOTP})
	user, _ := seedEnrolledUser(t, db, tenant, models.FactorEmailOTP)

	old := time.Now().Add(-48 * time.Hour).UTC()
	recent := time.Now().Add(-1 * time.Hour).UTC()

	oldSession := &models.VerificationSession{
		TenantID: tenant.ID, UserID: user.ID, PolicyVersion: 1,
		RequiredFactors: []models.FactorType{models.FactorEmailOTP},
		EnforcementMode: models.EnforcementStrict,
		Status:          models.SessionPassed,
		ExpiresAt:       old, DecidedAt: &old,
	}
	recentSession := &models.VerificationSession{
		TenantID: tenant.ID, UserID: user.ID, PolicyVersion: 1,
		RequiredFactors: []models.FactorType{models.FactorEmailOTP},
		EnforcementMode: models.EnforcementStrict,
		Status:          models.SessionFailed,
		ExpiresAt:       recent, DecidedAt: &recent,
	}
	pendingSession := &models.VerificationSession{
		TenantID: tenant.ID, UserID: user.ID, PolicyVersion: 1,
		RequiredFactors: []models.FactorType{models.FactorEmailOTP},
		EnforcementMode: models.EnforcementStrict,
		Status:          models.SessionPending,
		ExpiresAt:       time.Now().Add(10 * time.Minute),
	}
	for _, s := range []*models.VerificationSession{oldSession, recentSession, pendingSession} {
		if err := db.Create(s).Error; err != nil {
			t.Fatalf("failed creating session: %v", err)
		}
	}

	challenge := &models.Challenge{
		SessionID: oldSession.ID, Factor: models.FactorEmailOTP,
		Material: "x", ExpiresAt: old, AttemptsLeft: 0, Consumed: true,
	}
	if err := db.Create(challenge).Error; err != nil {
		t.Fatalf("failed creating challenge: %v", err)
	}

	record := &models.DecisionRecord{
		SessionID: oldSession.ID, TenantID: tenant.ID, UserID: user.ID,
		Status: models.SessionPassed, Delivered: true,
	}
	if err := db.Create(record).Error; err != nil {
		t.Fatalf("failed creating decision record: %v", err)
	}

	svc := NewRetentionService(db, nil, 24*time.Hour)
	purged, err := svc.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if purged != 1 {
		t.Fatalf("expected 1 purged session, got %d", purged)
	}

	var sessionCount, challengeCount, recordCount int64
	db.Model(&models.VerificationSession{}).Count(&sessionCount)
	db.Model(&models.Challenge{}).Count(&challengeCount)
	db.Model(&models.DecisionRecord{}).Count(&recordCount)

	if sessionCount != 2 {
		t.Fatalf("expected recent and pending sessions to survive, got %d", sessionCount)
	}
	if challengeCount != 0 {
		t.Fatalf("expected the purged session's challenges removed, got %d", challengeCount)
	}
	// The decision record is the durable outcome and must survive.
	if recordCount != 1 {
		t.Fatalf("expected decision record to survive, got %d", recordCount)
	}
}

func TestRetentionSweepReleasesSessionLocks(t *testing.T) {
	db := setupTestDB(t)
	tenant := seedTenant(t, db, []models.FactorType{models.FactorEmailOTP})
	user, _ := seedEnrolledUser(t, db, tenant, models.FactorEmailOTP)

	old := time.Now().Add(-48 * time.Hour).UTC()
	session := &models.VerificationSession{
		TenantID: tenant.ID, UserID: user.ID, PolicyVersion: 1,
		RequiredFactors: []models.FactorType{models.FactorEmailOTP},
		EnforcementMode: models.EnforcementStrict,
		Status:          models.SessionPassed,
		ExpiresAt:       old, DecidedAt: &old,
	}
	if err := db.Create(session).Error; err != nil {
		t.Fatalf("failed creating session: %v", err)
	}

	sessions := &SessionService{}
	sessions.sessionLock(session.ID)
	sessions.factorLock(session.ID, models.FactorEmailOTP)

	svc := NewRetentionService(db, nil, 24*time.Hour)
	svc.Locks = sessions
	if _, err := svc.Sweep(context.Background()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}

	if _, ok := sessions.locks.Load(session.ID.String()); ok {
		t.Fatal("expected session lock entry to be released")
	}
	if _, ok := sessions.locks.Load(session.ID.String() + ":" + string(models.FactorEmailOTP)); ok {
		t.Fatal("expected factor lock entry to be released")
	}
}
