package providers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/stepgate/backend/internal/models"
)

var ErrUnsupportedFactor = errors.New("unsupported factor type")

// ErrBadResponse marks a malformed client payload, as opposed to a
// well-formed response that simply does not verify.
var ErrBadResponse = errors.New("malformed factor response")

// Material is the opaque server-side state of one challenge. Secret
// holds a comparison value (OTP code), SessionData arbitrary adapter
// state (WebAuthn session, wallet nonce). Descriptor is the only part
// ever returned to the client.
type Material struct {
	Secret      string                 `json:"secret,omitempty"`
	SessionData string                 `json:"sessionData,omitempty"`
	Descriptor  map[string]interface{} `json:"descriptor,omitempty"`
}

func (m *Material) Marshal() (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func UnmarshalMaterial(raw string) (*Material, error) {
	var m Material
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Adapter is the capability set one factor type exposes to the
// orchestration core. The core treats every payload as opaque; each
// adapter owns its own delivery and verification semantics.
type Adapter interface {
	Factor() models.FactorType

	// Initialize validates that the tenant is usable with this factor.
	Initialize(ctx context.Context, tenant *models.Tenant) error

	// Enroll starts enrollment, mutating the enrollment row (secret,
	// pending state) and returning the client-facing payload.
	Enroll(ctx context.Context, tenant *models.Tenant, user *models.User, enrollment *models.FactorEnrollment, body []byte) (map[string]interface{}, error)

	// ConfirmEnroll proves possession and finishes enrollment. The
	// caller stamps ConfirmedAt on success.
	ConfirmEnroll(ctx context.Context, user *models.User, enrollment *models.FactorEnrollment, body []byte) error

	// IssueChallenge produces fresh challenge material for a session.
	IssueChallenge(ctx context.Context, user *models.User, enrollment *models.FactorEnrollment, params models.FactorParams) (*Material, error)

	// Verify checks a response against the challenge material. It is
	// safe to call repeatedly; single-consumption of a success is the
	// caller's responsibility.
	Verify(ctx context.Context, enrollment *models.FactorEnrollment, material *Material, response string) (bool, error)
}

// Registry dispatches factor-type names to registered adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.FactorType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.FactorType]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Factor()] = a
}

func (r *Registry) Lookup(factor models.FactorType) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[factor]
	if !ok {
		return nil, ErrUnsupportedFactor
	}
	return a, nil
}

// InitializeTenant runs every allowed factor's Initialize hook, so a
// tenant cannot be registered with a factor the deployment cannot
// actually serve.
func (r *Registry) InitializeTenant(ctx context.Context, tenant *models.Tenant) error {
	for _, factor := range tenant.AllowedFactors {
		adapter, err := r.Lookup(factor)
		if err != nil {
			return err
		}
		if err := adapter.Initialize(ctx, tenant); err != nil {
			return err
		}
	}
	return nil
}
