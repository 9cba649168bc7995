package providers

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/pkg/utils"
)

const enrollCodeDigits = 6

// EmailOTPAdapter delivers one-time codes over the configured email
// sender and verifies them by constant-time comparison.
type EmailOTPAdapter struct {
	Sender Sender
}

func NewEmailOTPAdapter(sender Sender) *EmailOTPAdapter {
	return &EmailOTPAdapter{Sender: sender}
}

func (a *EmailOTPAdapter) Factor() models.FactorType {
	return models.FactorEmailOTP
}

func (a *EmailOTPAdapter) Initialize(_ context.Context, _ *models.Tenant) error {
	if a.Sender == nil {
		return errors.New("email sender not configured")
	}
	return nil
}

type emailEnrollRequest struct {
	Email string `json:"email"`
}

func (a *EmailOTPAdapter) Enroll(ctx context.Context, _ *models.Tenant, user *models.User, enrollment *models.FactorEnrollment, body []byte) (map[string]interface{}, error) {
	var req emailEnrollRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	}
	address := req.Email
	if address == "" {
		address = user.Email
	}
	if address == "" {
		return nil, fmt.Errorf("%w: no email address", ErrBadResponse)
	}

	enrollment.Address = address
	if err := issueEnrollCode(ctx, a.Sender, enrollment); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"destination": maskDestination(address),
	}, nil
}

func (a *EmailOTPAdapter) ConfirmEnroll(_ context.Context, _ *models.User, enrollment *models.FactorEnrollment, body []byte) error {
	return confirmEnrollCode(enrollment, body)
}

func (a *EmailOTPAdapter) IssueChallenge(ctx context.Context, _ *models.User, enrollment *models.FactorEnrollment, params models.FactorParams) (*Material, error) {
	return issueOTPChallenge(ctx, a.Sender, enrollment.Address, params)
}

func (a *EmailOTPAdapter) Verify(_ context.Context, _ *models.FactorEnrollment, material *Material, response string) (bool, error) {
	return compareOTP(material.Secret, response), nil
}

// Shared helpers for the two OTP channels.

func issueEnrollCode(ctx context.Context, sender Sender, enrollment *models.FactorEnrollment) error {
	code, err := utils.RandomNumericCode(enrollCodeDigits)
	if err != nil {
		return err
	}
	encrypted, err := utils.EncryptAESGCM(code)
	if err != nil {
		return err
	}
	enrollment.Pending = encrypted

	return sender.Send(ctx, enrollment.Address, code)
}

type confirmCodeRequest struct {
	Code string `json:"code"`
}

// ErrCodeMismatch marks a well-formed confirmation that does not
// match the pending enrollment material.
var ErrCodeMismatch = errors.New("code mismatch")

func confirmEnrollCode(enrollment *models.FactorEnrollment, body []byte) error {
	var req confirmCodeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if enrollment.Pending == "" {
		return errors.New("enrollment has no pending code")
	}

	expected, err := utils.DecryptAESGCM(enrollment.Pending)
	if err != nil {
		return err
	}
	if !compareOTP(expected, req.Code) {
		return ErrCodeMismatch
	}

	enrollment.Pending = ""
	return nil
}

func issueOTPChallenge(ctx context.Context, sender Sender, destination string, params models.FactorParams) (*Material, error) {
	code, err := utils.RandomNumericCode(params.OTPDigits)
	if err != nil {
		return nil, err
	}

	if err := sender.Send(ctx, destination, code); err != nil {
		return nil, err
	}

	return &Material{
		Secret: code,
		Descriptor: map[string]interface{}{
			"destination": maskDestination(destination),
			"digits":      params.OTPDigits,
		},
	}, nil
}

func compareOTP(expected, got string) bool {
	if expected == "" || len(expected) != len(got) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
