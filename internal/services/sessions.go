package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/internal/providers"
	"github.com/stepgate/backend/pkg/logger"
	"gorm.io/gorm"
)

// SessionService is the orchestration core. It snapshots the tenant
// policy at session creation, drives factors through the challenge
// lifecycle, and settles the session into exactly one terminal state.
//
// Locking model: operations on the same (session, factor) serialize on
// a factor mutex held for the whole call, adapter round-trip included.
// Session row reads and writes additionally serialize on a session
// mutex held only around the load/apply critical sections, so
// different factors of one session can run their (slow) provider calls
// concurrently without corrupting each other's state.
type SessionService struct {
	DB         *gorm.DB
	Policies   *PolicyService
	Registry   *providers.Registry
	Challenges *ChallengeService
	Notifier   *DecisionNotifier
	Audit      *AuditService

	Defaults   models.FactorParams
	SessionTTL time.Duration

	locks sync.Map
}

func NewSessionService(db *gorm.DB, policies *PolicyService, registry *providers.Registry, challenges *ChallengeService, notifier *DecisionNotifier, audit *AuditService, defaults models.FactorParams, sessionTTL time.Duration) *SessionService {
	return &SessionService{
		DB:         db,
		Policies:   policies,
		Registry:   registry,
		Challenges: challenges,
		Notifier:   notifier,
		Audit:      audit,
		Defaults:   defaults,
		SessionTTL: sessionTTL,
	}
}

func (s *SessionService) lockFor(key string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (s *SessionService) sessionLock(sessionID uuid.UUID) *sync.Mutex {
	return s.lockFor(sessionID.String())
}

func (s *SessionService) factorLock(sessionID uuid.UUID, factor models.FactorType) *sync.Mutex {
	return s.lockFor(sessionID.String() + ":" + string(factor))
}

// ReleaseLocks drops the mutex entries for a session whose rows have
// been purged. Any straggler just recreates a mutex and then fails the
// row load with ErrNotFound, so discarding here is safe.
func (s *SessionService) ReleaseLocks(sessionID uuid.UUID, factors []models.FactorType) {
	for _, factor := range factors {
		s.locks.Delete(sessionID.String() + ":" + string(factor))
	}
	s.locks.Delete(sessionID.String())
}

// Create resolves the tenant's current policy, snapshots it, and
// settles required-but-unenrolled factors immediately: under strict
// enforcement such a session can never pass and fails at once; under
// any-of the factor is failed but other paths stay viable.
func (s *SessionService) Create(ctx context.Context, tenant *models.Tenant, userID uuid.UUID) (*models.VerificationSession, error) {
	if tenant.Disabled() {
		return nil, ErrTenantDisabled
	}

	var user models.User
	err := s.DB.Preload("Enrollments").First(&user, "id = ? AND tenant_id = ?", userID, tenant.ID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	policy, err := s.Policies.Get(tenant.ID)
	if err != nil {
		return nil, err
	}

	session := models.VerificationSession{
		TenantID:        tenant.ID,
		UserID:          user.ID,
		PolicyVersion:   policy.Version,
		RequiredFactors: policy.RequiredFactors,
		EnforcementMode: policy.EnforcementMode,
		FactorParams:    policy.FactorParams,
		FactorStates:    make(map[models.FactorType]models.FactorStatus, len(policy.RequiredFactors)),
		Status:          models.SessionPending,
		ExpiresAt:       time.Now().Add(s.SessionTTL),
	}

	unenrolled := false
	for _, factor := range policy.RequiredFactors {
		if user.EnrolledFactor(factor) {
			session.FactorStates[factor] = models.FactorPending
			continue
		}
		unenrolled = true
		session.FactorStates[factor] = models.FactorFailed
		session.Attempts = append(session.Attempts, models.FactorAttempt{
			Factor:  factor,
			Outcome: "unenrolled",
			At:      time.Now().UTC(),
		})
	}

	switch {
	case policy.Exempt:
		// Explicit no-MFA opt-in: nothing to verify, pass outright.
		session.Status = models.SessionPassed
	case unenrolled && policy.EnforcementMode == models.EnforcementStrict:
		// Strict mode can never recover from a missing enrollment.
		session.Status = models.SessionFailed
	default:
		session.Status = evaluateSession(session.EnforcementMode, session.RequiredFactors, session.FactorStates)
	}

	if session.Status.Terminal() {
		now := time.Now().UTC()
		session.DecidedAt = &now
	}

	if err := s.DB.Create(&session).Error; err != nil {
		return nil, err
	}

	s.Audit.LogAsync(AuditEntry{
		TenantID:     &session.TenantID,
		UserID:       &session.UserID,
		Action:       "session.created",
		ResourceType: "verification_session",
		ResourceID:   &session.ID,
		Details: map[string]interface{}{
			"required_factors": session.RequiredFactors,
			"enforcement_mode": string(session.EnforcementMode),
			"policy_version":   session.PolicyVersion,
		},
	})

	if session.Status.Terminal() {
		s.recordDecision(&session)
	}

	return &session, nil
}

// Status reports the session, applying lazy expiry first.
func (s *SessionService) Status(ctx context.Context, tenantID, sessionID uuid.UUID) (*models.VerificationSession, error) {
	sl := s.sessionLock(sessionID)
	sl.Lock()
	defer sl.Unlock()

	return s.loadAndExpire(tenantID, sessionID)
}

// Issue creates a challenge for one required factor. The factor mutex
// covers the whole call; the session mutex only the row accesses.
func (s *SessionService) Issue(ctx context.Context, tenantID, sessionID uuid.UUID, factor models.FactorType) (map[string]interface{}, *models.Challenge, error) {
	fl := s.factorLock(sessionID, factor)
	fl.Lock()
	defer fl.Unlock()

	sl := s.sessionLock(sessionID)
	sl.Lock()
	session, err := s.loadAndExpire(tenantID, sessionID)
	if err == nil && session.Terminal() {
		err = ErrSessionClosed
	}
	if err == nil {
		err = s.checkFactorOperable(session, factor)
	}
	var params models.FactorParams
	var userID uuid.UUID
	if err == nil {
		params = session.Params(factor, s.Defaults)
		userID = session.UserID
	}
	sl.Unlock()
	if err != nil {
		return nil, nil, err
	}

	user, enrollment, err := s.loadEnrollment(userID, factor)
	if err != nil {
		return nil, nil, err
	}

	challenge, descriptor, err := s.Challenges.Issue(ctx, session, user, enrollment, params)
	if err != nil {
		return nil, nil, err
	}

	sl.Lock()
	defer sl.Unlock()
	session, err = s.loadAndExpire(tenantID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.Terminal() {
		// Session settled or hit its TTL while the provider call was
		// in flight; the fresh challenge must not stay usable.
		s.DB.Model(challenge).Update("consumed", true)
		return nil, nil, ErrSessionClosed
	}

	session.FactorStates[factor] = models.FactorChallenged
	session.Attempts = append(session.Attempts, models.FactorAttempt{
		Factor:  factor,
		Outcome: "challenge_issued",
		At:      time.Now().UTC(),
	})
	if err := s.saveSession(session); err != nil {
		return nil, nil, err
	}

	s.Audit.LogAsync(AuditEntry{
		TenantID:     &session.TenantID,
		UserID:       &session.UserID,
		Action:       "challenge.issued",
		ResourceType: "challenge",
		ResourceID:   &challenge.ID,
		Details:      map[string]interface{}{"factor": string(factor)},
	})

	return descriptor, challenge, nil
}

// Submit verifies a factor response, charges the attempt budget and
// re-evaluates the session, settling it when every path is decided.
func (s *SessionService) Submit(ctx context.Context, tenantID, sessionID uuid.UUID, factor models.FactorType, response string) (models.FactorStatus, int, *models.VerificationSession, error) {
	fl := s.factorLock(sessionID, factor)
	fl.Lock()
	defer fl.Unlock()

	sl := s.sessionLock(sessionID)
	sl.Lock()
	session, err := s.loadAndExpire(tenantID, sessionID)
	if err == nil && session.Terminal() {
		err = ErrSessionClosed
	}
	if err == nil {
		err = s.checkFactorOperable(session, factor)
	}
	if err == nil && session.FactorStates[factor] != models.FactorChallenged {
		err = ErrNotFound // no live challenge to answer
	}
	var userID uuid.UUID
	if err == nil {
		userID = session.UserID
	}
	sl.Unlock()
	if err != nil {
		return "", 0, nil, err
	}

	_, enrollment, err := s.loadEnrollment(userID, factor)
	if err != nil {
		return "", 0, nil, err
	}

	outcome, remaining, err := s.Challenges.Attempt(ctx, session, enrollment, factor, response)
	if err != nil {
		return "", 0, nil, err
	}

	sl.Lock()
	defer sl.Unlock()
	// Re-check the absolute TTL: a verify that straddles the deadline
	// must settle the session as expired, not passed.
	session, err = s.loadAndExpire(tenantID, sessionID)
	if err != nil {
		return "", 0, nil, err
	}
	if session.Terminal() {
		return "", 0, nil, ErrSessionClosed
	}

	session.Attempts = append(session.Attempts, models.FactorAttempt{
		Factor:  factor,
		Outcome: string(outcome),
		At:      time.Now().UTC(),
	})

	var opErr error
	switch outcome {
	case OutcomeSuccess:
		session.FactorStates[factor] = models.FactorVerified
	case OutcomeMismatch:
		// Factor stays challenged; budget already charged.
	case OutcomeExhausted:
		session.FactorStates[factor] = models.FactorFailed
		opErr = ErrAttemptsExhausted
	case OutcomeExpired:
		// The stale challenge is gone; the factor may be re-issued.
		session.FactorStates[factor] = models.FactorPending
		opErr = ErrExpired
	}

	next := evaluateSession(session.EnforcementMode, session.RequiredFactors, session.FactorStates)
	if next.Terminal() {
		now := time.Now().UTC()
		session.Status = next
		session.DecidedAt = &now
	}

	if err := s.saveSession(session); err != nil {
		return "", 0, nil, err
	}

	s.Audit.LogAsync(AuditEntry{
		TenantID:     &session.TenantID,
		UserID:       &session.UserID,
		Action:       "challenge.attempted",
		ResourceType: "verification_session",
		ResourceID:   &session.ID,
		Details: map[string]interface{}{
			"factor":  string(factor),
			"outcome": string(outcome),
		},
	})

	if session.Terminal() {
		s.recordDecision(session)
	}

	return session.FactorStates[factor], remaining, session, opErr
}

// checkFactorOperable validates that a factor can accept issue/submit
// operations in the session's current state.
func (s *SessionService) checkFactorOperable(session *models.VerificationSession, factor models.FactorType) error {
	if !session.RequiresFactor(factor) {
		return ErrFactorNotRequired
	}
	switch session.FactorStates[factor] {
	case models.FactorFailed:
		return ErrAttemptsExhausted
	case models.FactorVerified, models.FactorExpired:
		return ErrFactorClosed
	}
	return nil
}

func (s *SessionService) loadSession(tenantID, sessionID uuid.UUID) (*models.VerificationSession, error) {
	var session models.VerificationSession
	err := s.DB.First(&session, "id = ? AND tenant_id = ?", sessionID, tenantID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// loadAndExpire loads the session and applies the absolute TTL lazily,
// settling a pending session past its deadline as expired. Caller
// holds the session lock.
func (s *SessionService) loadAndExpire(tenantID, sessionID uuid.UUID) (*models.VerificationSession, error) {
	session, err := s.loadSession(tenantID, sessionID)
	if err != nil {
		return nil, err
	}

	if session.Status == models.SessionPending && !time.Now().Before(session.ExpiresAt) {
		now := time.Now().UTC()
		session.Status = models.SessionExpired
		session.DecidedAt = &now
		if err := s.saveSession(session); err != nil {
			return nil, err
		}
		s.recordDecision(session)
		return session, nil
	}

	return session, nil
}

// saveSession writes the mutable columns with a struct update so the
// json serializers on the state columns apply.
func (s *SessionService) saveSession(session *models.VerificationSession) error {
	return s.DB.Model(session).
		Select("factor_states", "status", "decided_at", "attempts").
		Updates(session).Error
}

func (s *SessionService) loadEnrollment(userID uuid.UUID, factor models.FactorType) (*models.User, *models.FactorEnrollment, error) {
	var user models.User
	if err := s.DB.First(&user, "id = ?", userID).Error; err != nil {
		return nil, nil, err
	}

	var enrollment models.FactorEnrollment
	err := s.DB.Where("user_id = ? AND factor = ? AND confirmed_at IS NOT NULL", userID, factor).
		First(&enrollment).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil, ErrFactorNotEnrolled
	}
	if err != nil {
		return nil, nil, err
	}

	return &user, &enrollment, nil
}

// recordDecision durably writes the terminal outcome, then schedules
// webhook delivery. The unique session index makes re-recording after
// a race a no-op, keeping the notification idempotent.
func (s *SessionService) recordDecision(session *models.VerificationSession) {
	record := models.DecisionRecord{
		SessionID:    session.ID,
		TenantID:     session.TenantID,
		UserID:       session.UserID,
		Status:       session.Status,
		FactorStates: session.FactorStates,
		Attempts:     session.Attempts,
	}

	if err := s.DB.Create(&record).Error; err != nil {
		var existing models.DecisionRecord
		if s.DB.First(&existing, "session_id = ?", session.ID).Error == nil {
			return
		}
		logger.Error("decision_record_failed", err, map[string]interface{}{
			"session_id": session.ID.String(),
		})
		return
	}

	s.Audit.LogAsync(AuditEntry{
		TenantID:     &session.TenantID,
		UserID:       &session.UserID,
		Action:       fmt.Sprintf("session.%s", session.Status),
		ResourceType: "verification_session",
		ResourceID:   &session.ID,
	})

	if s.Notifier != nil {
		s.Notifier.Enqueue(session.ID)
	}
}

// evaluateSession derives the overall status from the per-factor
// states. Strict passes only when every required factor verified and
// fails once all factors are settled with at least one failure; any-of
// passes on the first verified factor and fails only when every
// factor is settled without a success.
func evaluateSession(mode models.EnforcementMode, required []models.FactorType, states map[models.FactorType]models.FactorStatus) models.SessionStatus {
	if len(required) == 0 {
		return models.SessionPending
	}

	verified, settled := 0, 0
	for _, factor := range required {
		switch states[factor] {
		case models.FactorVerified:
			verified++
			settled++
		case models.FactorFailed, models.FactorExpired:
			settled++
		}
	}

	if mode == models.EnforcementAnyOf {
		if verified > 0 {
			return models.SessionPassed
		}
		if settled == len(required) {
			return models.SessionFailed
		}
		return models.SessionPending
	}

	if verified == len(required) {
		return models.SessionPassed
	}
	if settled == len(required) {
		return models.SessionFailed
	}
	return models.SessionPending
}
