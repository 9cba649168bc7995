package models

import "github.com/google/uuid"

// Policy rows are append-only per tenant: every put creates the next
// version and reads resolve the highest one. In-flight sessions keep
// the snapshot taken at creation and never see later versions.
type Policy struct {
	BaseModel
	TenantID        uuid.UUID                   `json:"tenantID" gorm:"type:uuid;not null;index:idx_policies_tenant_version,priority:1"`
	Version         int                         `json:"version" gorm:"not null;index:idx_policies_tenant_version,priority:2"`
	RequiredFactors []FactorType                `json:"requiredFactors" gorm:"type:text;serializer:json"`
	EnforcementMode EnforcementMode             `json:"enforcementMode" gorm:"type:varchar(10);not null"`
	FactorParams    map[FactorType]FactorParams `json:"factorParams,omitempty" gorm:"type:text;serializer:json"`
	// Exempt marks the explicit "no MFA" opt-in. A policy with no
	// required factors is rejected unless this is set.
	Exempt bool `json:"exempt" gorm:"not null;default:false"`
}
