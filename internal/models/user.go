package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	BaseModel
	TenantID    uuid.UUID          `json:"tenantID" gorm:"type:uuid;not null;index"`
	ExternalRef string             `json:"externalRef" gorm:"type:varchar(255);not null;index"`
	Email       string             `json:"email" gorm:"type:varchar(255)"`
	Phone       string             `json:"phone" gorm:"type:varchar(32)"`
	Enrollments []FactorEnrollment `json:"enrollments,omitempty" gorm:"foreignKey:UserID"`
}

// FactorEnrollment holds the per-user material for one factor type.
// Secret carries the AES-GCM encrypted TOTP seed, PublicKey the wallet
// verification key, Credential the serialized WebAuthn credential.
// Pending stores adapter state between enroll begin and confirm.
type FactorEnrollment struct {
	BaseModel
	UserID      uuid.UUID  `json:"-" gorm:"type:uuid;not null;uniqueIndex:idx_enrollments_user_factor,priority:1"`
	Factor      FactorType `json:"factor" gorm:"type:varchar(20);not null;uniqueIndex:idx_enrollments_user_factor,priority:2"`
	Secret      string     `json:"-" gorm:"type:text"`
	PublicKey   []byte     `json:"-" gorm:"type:bytea"`
	Credential  string     `json:"-" gorm:"type:text"`
	Address     string     `json:"address,omitempty" gorm:"type:varchar(255)"`
	Pending     string     `json:"-" gorm:"type:text"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

func (e *FactorEnrollment) Confirmed() bool {
	return e.ConfirmedAt != nil
}

// EnrolledFactor reports whether the user has a confirmed enrollment
// for the given factor type.
func (u *User) EnrolledFactor(factor FactorType) bool {
	for i := range u.Enrollments {
		if u.Enrollments[i].Factor == factor && u.Enrollments[i].Confirmed() {
			return true
		}
	}
	return false
}
