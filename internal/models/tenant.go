package models

import "time"

type Tenant struct {
	BaseModel
	Name               string          `json:"name" gorm:"type:varchar(255);not null"`
	ClientID           string          `json:"clientID" gorm:"type:varchar(64);uniqueIndex;not null"`
	ClientSecretHash   string          `json:"-" gorm:"type:text;not null"`
	RedirectURIs       []string        `json:"redirectURIs" gorm:"column:redirect_uris;type:text;serializer:json"`
	AllowedFactors     []FactorType    `json:"allowedFactors" gorm:"type:text;serializer:json"`
	EnforcementMode    EnforcementMode `json:"enforcementMode" gorm:"type:varchar(10);not null;default:'strict'"`
	DecisionWebhookURL string          `json:"decisionWebhookURL" gorm:"type:text"`
	DisabledAt         *time.Time      `json:"disabledAt,omitempty"`
}

func (t *Tenant) Disabled() bool {
	return t.DisabledAt != nil
}

func (t *Tenant) AllowsFactor(factor FactorType) bool {
	for _, f := range t.AllowedFactors {
		if f == factor {
			return true
		}
	}
	return false
}
