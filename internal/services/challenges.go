package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/internal/providers"
	"github.com/stepgate/backend/pkg/logger"
	"github.com/stepgate/backend/pkg/utils"
	"gorm.io/gorm"
)

type AttemptOutcome string

const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeMismatch  AttemptOutcome = "mismatch"
	OutcomeExpired   AttemptOutcome = "expired"
	OutcomeExhausted AttemptOutcome = "exhausted"
)

const providerRetries = 2

// ChallengeService owns challenge material: generation through the
// factor adapter, single-liveness per (session, factor), TTL and
// attempt budget enforcement. Expiry is checked lazily at attempt
// time; the reaper only purges rows for storage hygiene and never
// decides outcomes.
//
// Callers serialize per (session, factor); this service performs no
// locking of its own.
type ChallengeService struct {
	DB              *gorm.DB
	Registry        *providers.Registry
	Limiter         *CooldownLimiter
	ProviderTimeout time.Duration
}

func NewChallengeService(db *gorm.DB, registry *providers.Registry, limiter *CooldownLimiter, providerTimeout time.Duration) *ChallengeService {
	return &ChallengeService{
		DB:              db,
		Registry:        registry,
		Limiter:         limiter,
		ProviderTimeout: providerTimeout,
	}
}

// Issue creates a fresh challenge for the (session, factor) pair,
// invalidating any previous live one. Issuance inside the cooldown
// window fails with ErrRateLimited.
func (s *ChallengeService) Issue(ctx context.Context, session *models.VerificationSession, user *models.User, enrollment *models.FactorEnrollment, params models.FactorParams) (*models.Challenge, map[string]interface{}, error) {
	adapter, err := s.Registry.Lookup(enrollment.Factor)
	if err != nil {
		return nil, nil, err
	}

	cooldown := time.Duration(params.IssueCooldownSecs) * time.Second
	if err := s.Limiter.Reserve(ctx, session.ID, enrollment.Factor, cooldown); err != nil {
		return nil, nil, err
	}

	material, err := s.issueWithRetry(ctx, adapter, user, enrollment, params)
	if err != nil {
		return nil, nil, err
	}

	raw, err := material.Marshal()
	if err != nil {
		return nil, nil, err
	}
	encrypted, err := utils.EncryptAESGCM(raw)
	if err != nil {
		return nil, nil, err
	}

	challenge := models.Challenge{
		SessionID:    session.ID,
		Factor:       enrollment.Factor,
		Material:     encrypted,
		ExpiresAt:    time.Now().Add(time.Duration(params.ChallengeTTLSeconds) * time.Second),
		AttemptsLeft: params.MaxAttempts,
	}

	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// At most one live challenge per (session, factor).
		if err := tx.Model(&models.Challenge{}).
			Where("session_id = ? AND factor = ? AND consumed = ?", session.ID, enrollment.Factor, false).
			Update("consumed", true).Error; err != nil {
			return err
		}
		return tx.Create(&challenge).Error
	})
	if err != nil {
		return nil, nil, err
	}

	return &challenge, material.Descriptor, nil
}

// issueWithRetry bounds each adapter call with the provider timeout and
// retries transient failures; issuance has no side effect on the
// attempt budget, so retrying here is safe.
func (s *ChallengeService) issueWithRetry(ctx context.Context, adapter providers.Adapter, user *models.User, enrollment *models.FactorEnrollment, params models.FactorParams) (*providers.Material, error) {
	var lastErr error
	for i := 0; i < providerRetries; i++ {
		callCtx, cancel := context.WithTimeout(ctx, s.ProviderTimeout)
		material, err := adapter.IssueChallenge(callCtx, user, enrollment, params)
		cancel()
		if err == nil {
			return material, nil
		}
		lastErr = err
		logger.Warn("provider_issue_failed", map[string]interface{}{
			"factor":  string(enrollment.Factor),
			"attempt": i + 1,
			"error":   err.Error(),
		})
	}
	return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

// Attempt verifies a response against the live challenge. Expiry and
// budget checks happen here, at access time. A mismatch consumes one
// attempt; depleting the budget consumes the challenge.
func (s *ChallengeService) Attempt(ctx context.Context, session *models.VerificationSession, enrollment *models.FactorEnrollment, factor models.FactorType, response string) (AttemptOutcome, int, error) {
	adapter, err := s.Registry.Lookup(factor)
	if err != nil {
		return "", 0, err
	}

	var challenge models.Challenge
	err = s.DB.Where("session_id = ? AND factor = ? AND consumed = ?", session.ID, factor, false).
		Order("created_at DESC").First(&challenge).Error
	if err == gorm.ErrRecordNotFound {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, err
	}

	now := time.Now()
	if !now.Before(challenge.ExpiresAt) {
		if err := s.consume(&challenge); err != nil {
			return "", 0, err
		}
		return OutcomeExpired, challenge.AttemptsLeft, nil
	}

	ok := s.verifyBounded(ctx, adapter, enrollment, &challenge, response)
	if ok {
		if err := s.consume(&challenge); err != nil {
			return "", 0, err
		}
		return OutcomeSuccess, challenge.AttemptsLeft, nil
	}

	challenge.AttemptsLeft--
	if challenge.AttemptsLeft <= 0 {
		challenge.AttemptsLeft = 0
		challenge.Consumed = true
		if err := s.DB.Model(&challenge).Updates(map[string]interface{}{
			"attempts_left": 0,
			"consumed":      true,
		}).Error; err != nil {
			return "", 0, err
		}
		return OutcomeExhausted, 0, nil
	}

	if err := s.DB.Model(&challenge).Update("attempts_left", challenge.AttemptsLeft).Error; err != nil {
		return "", 0, err
	}
	return OutcomeMismatch, challenge.AttemptsLeft, nil
}

// verifyBounded runs the adapter verify under the provider timeout. A
// timed-out or failed provider call counts as a mismatch: it consumes
// budget rather than being silently retried, which would corrupt
// attempt accounting.
func (s *ChallengeService) verifyBounded(ctx context.Context, adapter providers.Adapter, enrollment *models.FactorEnrollment, challenge *models.Challenge, response string) bool {
	raw, err := utils.DecryptAESGCM(challenge.Material)
	if err != nil {
		logger.Error("challenge_material_decrypt_failed", err, map[string]interface{}{
			"challenge_id": challenge.ID.String(),
		})
		return false
	}
	material, err := providers.UnmarshalMaterial(raw)
	if err != nil {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, s.ProviderTimeout)
	defer cancel()

	ok, err := adapter.Verify(callCtx, enrollment, material, response)
	if err != nil {
		if !errors.Is(err, providers.ErrBadResponse) {
			logger.Warn("provider_verify_failed", map[string]interface{}{
				"factor": string(challenge.Factor),
				"error":  err.Error(),
			})
		}
		return false
	}
	return ok
}

func (s *ChallengeService) consume(challenge *models.Challenge) error {
	challenge.Consumed = true
	return s.DB.Model(challenge).Update("consumed", true).Error
}

// CleanupExpiredChallenges purges consumed and expired rows. Storage
// hygiene only; pass/fail authority stays with Attempt.
func CleanupExpiredChallenges(db *gorm.DB) {
	db.Where("consumed = ? OR expires_at < ?", true, time.Now()).Delete(&models.Challenge{})
}
