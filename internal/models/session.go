package models

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionPassed  SessionStatus = "passed"
	SessionFailed  SessionStatus = "failed"
	SessionExpired SessionStatus = "expired"
)

type FactorStatus string

const (
	FactorPending    FactorStatus = "pending"
	FactorChallenged FactorStatus = "challenged"
	FactorVerified   FactorStatus = "verified"
	FactorFailed     FactorStatus = "failed"
	FactorExpired    FactorStatus = "expired"
)

// FactorAttempt is one entry in the session's ordered audit trail.
type FactorAttempt struct {
	Factor  FactorType `json:"factor"`
	Outcome string     `json:"outcome"`
	At      time.Time  `json:"at"`
}

// VerificationSession tracks one login's progress toward satisfying
// the tenant policy. RequiredFactors, EnforcementMode and FactorParams
// are snapshots taken at creation; later policy edits never change
// an in-flight session.
type VerificationSession struct {
	BaseModel
	TenantID        uuid.UUID                   `json:"tenantID" gorm:"type:uuid;not null;index"`
	UserID          uuid.UUID                   `json:"userID" gorm:"type:uuid;not null;index"`
	PolicyVersion   int                         `json:"policyVersion" gorm:"not null"`
	RequiredFactors []FactorType                `json:"requiredFactors" gorm:"type:text;serializer:json"`
	EnforcementMode EnforcementMode             `json:"enforcementMode" gorm:"type:varchar(10);not null"`
	FactorParams    map[FactorType]FactorParams `json:"-" gorm:"type:text;serializer:json"`
	FactorStates    map[FactorType]FactorStatus `json:"factorStates" gorm:"type:text;serializer:json"`
	Status          SessionStatus               `json:"status" gorm:"type:varchar(10);not null;index"`
	ExpiresAt       time.Time                   `json:"expiresAt" gorm:"not null;index"`
	DecidedAt       *time.Time                  `json:"decidedAt,omitempty"`
	Attempts        []FactorAttempt             `json:"attempts" gorm:"type:text;serializer:json"`
}

func (s SessionStatus) Terminal() bool {
	return s != SessionPending
}

func (s *VerificationSession) Terminal() bool {
	return s.Status.Terminal()
}

func (s *VerificationSession) RequiresFactor(factor FactorType) bool {
	for _, f := range s.RequiredFactors {
		if f == factor {
			return true
		}
	}
	return false
}

// Params resolves the snapshot per-factor parameters, falling back to
// the given defaults for any unset field.
func (s *VerificationSession) Params(factor FactorType, defaults FactorParams) FactorParams {
	p := s.FactorParams[factor]
	if p.OTPDigits == 0 {
		p.OTPDigits = defaults.OTPDigits
	}
	if p.ChallengeTTLSeconds == 0 {
		p.ChallengeTTLSeconds = defaults.ChallengeTTLSeconds
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.IssueCooldownSecs == 0 {
		p.IssueCooldownSecs = defaults.IssueCooldownSecs
	}
	return p
}
