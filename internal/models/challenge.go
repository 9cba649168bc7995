package models

import (
	"time"

	"github.com/google/uuid"
)

// Challenge is the single live verification artifact for one
// (session, factor) pair. Material carries the AES-GCM encrypted
// adapter state (OTP code, WebAuthn session data, wallet nonce);
// the raw secret never leaves the server.
type Challenge struct {
	BaseModel
	SessionID    uuid.UUID  `json:"-" gorm:"type:uuid;not null;index:idx_challenges_session_factor,priority:1"`
	Factor       FactorType `json:"-" gorm:"type:varchar(20);not null;index:idx_challenges_session_factor,priority:2"`
	Material     string     `json:"-" gorm:"type:text;not null"`
	ExpiresAt    time.Time  `json:"-" gorm:"not null;index"`
	AttemptsLeft int        `json:"-" gorm:"not null"`
	Consumed     bool       `json:"-" gorm:"not null;default:false"`
}
