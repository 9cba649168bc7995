package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pquerna/otp/totp"
	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/pkg/utils"
)

// TOTPAdapter backs the authenticator-app factor. The seed lives
// AES-GCM encrypted on the enrollment row; there is no per-challenge
// secret, codes derive from the seed and the clock.
type TOTPAdapter struct{}

func NewTOTPAdapter() *TOTPAdapter {
	return &TOTPAdapter{}
}

func (a *TOTPAdapter) Factor() models.FactorType {
	return models.FactorTOTP
}

func (a *TOTPAdapter) Initialize(_ context.Context, _ *models.Tenant) error {
	return nil
}

func (a *TOTPAdapter) Enroll(_ context.Context, tenant *models.Tenant, user *models.User, enrollment *models.FactorEnrollment, _ []byte) (map[string]interface{}, error) {
	accountName := user.Email
	if accountName == "" {
		accountName = user.ExternalRef
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      tenant.Name,
		AccountName: accountName,
	})
	if err != nil {
		return nil, err
	}

	encrypted, err := utils.EncryptAESGCM(key.Secret())
	if err != nil {
		return nil, err
	}
	enrollment.Secret = encrypted

	return map[string]interface{}{
		"secret": key.Secret(),
		"qrUri":  key.URL(),
	}, nil
}

func (a *TOTPAdapter) ConfirmEnroll(_ context.Context, _ *models.User, enrollment *models.FactorEnrollment, body []byte) error {
	var req confirmCodeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	seed, err := utils.DecryptAESGCM(enrollment.Secret)
	if err != nil {
		return err
	}
	if !totp.Validate(req.Code, seed) {
		return ErrCodeMismatch
	}
	return nil
}

func (a *TOTPAdapter) IssueChallenge(_ context.Context, _ *models.User, _ *models.FactorEnrollment, _ models.FactorParams) (*Material, error) {
	// Nothing to deliver; the authenticator app holds the seed.
	return &Material{
		Descriptor: map[string]interface{}{
			"prompt": "enter the code from your authenticator app",
		},
	}, nil
}

func (a *TOTPAdapter) Verify(_ context.Context, enrollment *models.FactorEnrollment, _ *Material, response string) (bool, error) {
	seed, err := utils.DecryptAESGCM(enrollment.Secret)
	if err != nil {
		return false, err
	}
	return totp.Validate(response, seed), nil
}
