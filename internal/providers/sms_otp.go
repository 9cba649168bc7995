package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stepgate/backend/internal/models"
)

// SMSOTPAdapter mirrors the email adapter over an SMS sender.
type SMSOTPAdapter struct {
	Sender Sender
}

func NewSMSOTPAdapter(sender Sender) *SMSOTPAdapter {
	return &SMSOTPAdapter{Sender: sender}
}

func (a *SMSOTPAdapter) Factor() models.FactorType {
	return models.FactorSMSOTP
}

func (a *SMSOTPAdapter) Initialize(_ context.Context, _ *models.Tenant) error {
	if a.Sender == nil {
		return errors.New("sms sender not configured")
	}
	return nil
}

type smsEnrollRequest struct {
	Phone string `json:"phone"`
}

func (a *SMSOTPAdapter) Enroll(ctx context.Context, _ *models.Tenant, user *models.User, enrollment *models.FactorEnrollment, body []byte) (map[string]interface{}, error) {
	var req smsEnrollRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
		}
	}
	number := req.Phone
	if number == "" {
		number = user.Phone
	}
	if number == "" {
		return nil, fmt.Errorf("%w: no phone number", ErrBadResponse)
	}

	enrollment.Address = number
	if err := issueEnrollCode(ctx, a.Sender, enrollment); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"destination": maskDestination(number),
	}, nil
}

func (a *SMSOTPAdapter) ConfirmEnroll(_ context.Context, _ *models.User, enrollment *models.FactorEnrollment, body []byte) error {
	return confirmEnrollCode(enrollment, body)
}

func (a *SMSOTPAdapter) IssueChallenge(ctx context.Context, _ *models.User, enrollment *models.FactorEnrollment, params models.FactorParams) (*Material, error) {
	return issueOTPChallenge(ctx, a.Sender, enrollment.Address, params)
}

func (a *SMSOTPAdapter) Verify(_ context.Context, _ *models.FactorEnrollment, material *Material, response string) (bool, error) {
	return compareOTP(material.Secret, response), nil
}
