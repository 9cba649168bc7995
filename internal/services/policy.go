package services

import (
	"github.com/google/uuid"
	"github.com/stepgate/backend/internal/models"
	"gorm.io/gorm"
)

type PolicyService struct {
	DB *gorm.DB
}

func NewPolicyService(db *gorm.DB) *PolicyService {
	return &PolicyService{DB: db}
}

type PolicyInput struct {
	RequiredFactors []models.FactorType                       `json:"requiredFactors"`
	EnforcementMode models.EnforcementMode                    `json:"enforcementMode"`
	FactorParams    map[models.FactorType]models.FactorParams `json:"factorParams"`
	Exempt          bool                                      `json:"exempt"`
}

// Put writes the next policy version for the tenant. Required factors
// must be a subset of the tenant's allowed set; an empty requirement is
// only accepted with the explicit exempt opt-in.
func (s *PolicyService) Put(tenant *models.Tenant, in PolicyInput) (*models.Policy, error) {
	if !in.EnforcementMode.Valid() {
		return nil, ErrInvalidPolicy
	}
	if len(in.RequiredFactors) == 0 && !in.Exempt {
		return nil, ErrInvalidPolicy
	}
	if len(in.RequiredFactors) > 0 && in.Exempt {
		return nil, ErrInvalidPolicy
	}

	seen := make(map[models.FactorType]bool, len(in.RequiredFactors))
	for _, factor := range in.RequiredFactors {
		if !factor.Valid() || !tenant.AllowsFactor(factor) || seen[factor] {
			return nil, ErrInvalidPolicy
		}
		seen[factor] = true
	}
	for factor := range in.FactorParams {
		if !seen[factor] {
			return nil, ErrInvalidPolicy
		}
	}

	policy := models.Policy{
		TenantID:        tenant.ID,
		RequiredFactors: in.RequiredFactors,
		EnforcementMode: in.EnforcementMode,
		FactorParams:    in.FactorParams,
		Exempt:          in.Exempt,
	}

	err := s.DB.Transaction(func(tx *gorm.DB) error {
		var latest models.Policy
		switch err := tx.Where("tenant_id = ?", tenant.ID).Order("version DESC").First(&latest).Error; err {
		case nil:
			policy.Version = latest.Version + 1
		case gorm.ErrRecordNotFound:
			policy.Version = 1
		default:
			return err
		}
		return tx.Create(&policy).Error
	})
	if err != nil {
		return nil, err
	}

	return &policy, nil
}

// Get returns the tenant's latest committed policy version.
func (s *PolicyService) Get(tenantID uuid.UUID) (*models.Policy, error) {
	var policy models.Policy
	err := s.DB.Where("tenant_id = ?", tenantID).Order("version DESC").First(&policy).Error
	if err == gorm.ErrRecordNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &policy, nil
}
