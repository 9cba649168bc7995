package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stepgate/backend/internal/models"
)

// WebAuthnAdapter wraps the go-webauthn ceremony. The library session
// data rides along as opaque challenge material; credentials are
// stored JSON-serialized on the enrollment row.
type WebAuthnAdapter struct {
	wa *webauthn.WebAuthn
}

type WebAuthnConfig struct {
	RPDisplayName string
	RPID          string
	RPOrigins     []string
}

func NewWebAuthnAdapter(cfg WebAuthnConfig) (*WebAuthnAdapter, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, err
	}
	return &WebAuthnAdapter{wa: wa}, nil
}

func (a *WebAuthnAdapter) Factor() models.FactorType {
	return models.FactorWebAuthn
}

func (a *WebAuthnAdapter) Initialize(_ context.Context, _ *models.Tenant) error {
	if a.wa == nil {
		return errors.New("webauthn relying party not configured")
	}
	return nil
}

type webAuthnUser struct {
	user  *models.User
	creds []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	b, _ := u.user.ID.MarshalBinary()
	return b
}

func (u *webAuthnUser) WebAuthnName() string {
	if u.user.Email != "" {
		return u.user.Email
	}
	return u.user.ExternalRef
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.WebAuthnName()
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

func loadWebAuthnUser(user *models.User, enrollment *models.FactorEnrollment) (*webAuthnUser, error) {
	var creds []webauthn.Credential
	if enrollment.Credential != "" {
		if err := json.Unmarshal([]byte(enrollment.Credential), &creds); err != nil {
			return nil, err
		}
	}
	return &webAuthnUser{user: user, creds: creds}, nil
}

func (a *WebAuthnAdapter) Enroll(_ context.Context, _ *models.Tenant, user *models.User, enrollment *models.FactorEnrollment, _ []byte) (map[string]interface{}, error) {
	waUser, err := loadWebAuthnUser(user, enrollment)
	if err != nil {
		return nil, err
	}

	options, session, err := a.wa.BeginRegistration(waUser)
	if err != nil {
		return nil, err
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}
	enrollment.Pending = string(sessionJSON)

	return map[string]interface{}{
		"options": options,
	}, nil
}

func (a *WebAuthnAdapter) ConfirmEnroll(_ context.Context, user *models.User, enrollment *models.FactorEnrollment, body []byte) error {
	if enrollment.Pending == "" {
		return errors.New("enrollment has no pending registration")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(enrollment.Pending), &session); err != nil {
		return err
	}

	waUser, err := loadWebAuthnUser(user, enrollment)
	if err != nil {
		return err
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	credential, err := a.wa.CreateCredential(waUser, session, parsed)
	if err != nil {
		return ErrCodeMismatch
	}

	creds := append(waUser.creds, *credential)
	credsJSON, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	enrollment.Credential = string(credsJSON)
	enrollment.Pending = ""
	return nil
}

func (a *WebAuthnAdapter) IssueChallenge(_ context.Context, user *models.User, enrollment *models.FactorEnrollment, _ models.FactorParams) (*Material, error) {
	waUser, err := loadWebAuthnUser(user, enrollment)
	if err != nil {
		return nil, err
	}

	options, session, err := a.wa.BeginLogin(waUser)
	if err != nil {
		return nil, err
	}

	sessionJSON, err := json.Marshal(session)
	if err != nil {
		return nil, err
	}

	return &Material{
		SessionData: string(sessionJSON),
		Descriptor: map[string]interface{}{
			"options": options,
		},
	}, nil
}

func (a *WebAuthnAdapter) Verify(_ context.Context, enrollment *models.FactorEnrollment, material *Material, response string) (bool, error) {
	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(material.SessionData), &session); err != nil {
		return false, err
	}

	// Assertion validation only needs the user handle, which the
	// enrollment row pins.
	owner := &models.User{BaseModel: models.BaseModel{ID: enrollment.UserID}}
	waUser, err := loadWebAuthnUser(owner, enrollment)
	if err != nil {
		return false, err
	}

	parsed, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(response))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	if _, err := a.wa.ValidateLogin(waUser, session, parsed); err != nil {
		return false, nil
	}
	return true, nil
}
