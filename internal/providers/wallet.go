package providers

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stepgate/backend/internal/models"
	"github.com/stepgate/backend/pkg/utils"
)

const walletNonceBytes = 32

// WalletAdapter issues a random nonce and accepts a detached ed25519
// signature over it, verified against the enrolled public key.
type WalletAdapter struct{}

func NewWalletAdapter() *WalletAdapter {
	return &WalletAdapter{}
}

func (a *WalletAdapter) Factor() models.FactorType {
	return models.FactorWallet
}

func (a *WalletAdapter) Initialize(_ context.Context, _ *models.Tenant) error {
	return nil
}

type walletEnrollRequest struct {
	PublicKey string `json:"publicKey"`
}

func (a *WalletAdapter) Enroll(_ context.Context, _ *models.Tenant, _ *models.User, enrollment *models.FactorEnrollment, body []byte) (map[string]interface{}, error) {
	var req walletEnrollRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	key, err := base64.StdEncoding.DecodeString(req.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes", ErrBadResponse, ed25519.PublicKeySize)
	}

	nonce, err := utils.RandomHex(walletNonceBytes)
	if err != nil {
		return nil, err
	}

	enrollment.PublicKey = key
	enrollment.Pending = nonce

	return map[string]interface{}{
		"nonce": nonce,
	}, nil
}

type walletSignatureRequest struct {
	Signature string `json:"signature"`
}

func (a *WalletAdapter) ConfirmEnroll(_ context.Context, _ *models.User, enrollment *models.FactorEnrollment, body []byte) error {
	var req walletSignatureRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if enrollment.Pending == "" {
		return errors.New("enrollment has no pending nonce")
	}

	ok, err := verifyWalletSignature(enrollment.PublicKey, enrollment.Pending, req.Signature)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCodeMismatch
	}

	enrollment.Pending = ""
	return nil
}

func (a *WalletAdapter) IssueChallenge(_ context.Context, _ *models.User, _ *models.FactorEnrollment, _ models.FactorParams) (*Material, error) {
	nonce, err := utils.RandomHex(walletNonceBytes)
	if err != nil {
		return nil, err
	}

	return &Material{
		SessionData: nonce,
		Descriptor: map[string]interface{}{
			"nonce": nonce,
		},
	}, nil
}

func (a *WalletAdapter) Verify(_ context.Context, enrollment *models.FactorEnrollment, material *Material, response string) (bool, error) {
	return verifyWalletSignature(enrollment.PublicKey, material.SessionData, response)
}

func verifyWalletSignature(publicKey []byte, nonce, signature string) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, errors.New("invalid enrolled public key")
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}

	return ed25519.Verify(ed25519.PublicKey(publicKey), []byte(nonce), sig), nil
}
