package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DecisionRecord is the durable terminal outcome of one session,
// written before any webhook delivery is attempted. The unique
// session index makes delivery idempotent on session id.
type DecisionRecord struct {
	ID               uuid.UUID                   `json:"id" gorm:"type:uuid;primaryKey"`
	SessionID        uuid.UUID                   `json:"sessionID" gorm:"type:uuid;uniqueIndex;not null"`
	TenantID         uuid.UUID                   `json:"tenantID" gorm:"type:uuid;not null;index"`
	UserID           uuid.UUID                   `json:"userID" gorm:"type:uuid;not null"`
	Status           SessionStatus               `json:"status" gorm:"type:varchar(10);not null"`
	FactorStates     map[FactorType]FactorStatus `json:"factorStates" gorm:"type:text;serializer:json"`
	Attempts         []FactorAttempt             `json:"attempts" gorm:"type:text;serializer:json"`
	Delivered        bool                        `json:"delivered" gorm:"not null;default:false;index"`
	DeliveryAttempts int                         `json:"deliveryAttempts" gorm:"not null;default:0"`
	LastAttemptAt    *time.Time                  `json:"lastAttemptAt,omitempty"`
	CreatedAt        time.Time                   `json:"createdAt" gorm:"not null"`
}

func (d *DecisionRecord) BeforeCreate(_ *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (DecisionRecord) TableName() string {
	return "decision_records"
}
