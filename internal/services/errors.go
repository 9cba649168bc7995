package services

import "errors"

var (
	// ErrNotFound covers absent tenants, policies, users, sessions and
	// live challenges.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPolicy is returned when required factors are not a
	// subset of the tenant's allowed set, or an empty requirement is
	// not explicitly marked exempt.
	ErrInvalidPolicy = errors.New("invalid policy")
	// ErrRateLimited is returned when challenge issuance is inside the
	// configured cooldown.
	ErrRateLimited = errors.New("challenge issuance rate limited")
	// ErrExpired is returned when a challenge or session TTL has been
	// exceeded at the moment of access.
	ErrExpired = errors.New("expired")
	// ErrAttemptsExhausted is returned when the attempt budget for a
	// factor has been depleted; the factor is failed for the session.
	ErrAttemptsExhausted = errors.New("attempt budget exhausted")
	// ErrSessionClosed rejects any operation on a terminal session.
	ErrSessionClosed = errors.New("session closed")
	// ErrProviderUnavailable is returned when a factor provider call
	// fails or times out after bounded retries.
	ErrProviderUnavailable = errors.New("factor provider unavailable")
	// ErrFactorNotEnrolled is returned when a required factor has no
	// confirmed enrollment for the user.
	ErrFactorNotEnrolled = errors.New("factor not enrolled")
	// ErrFactorNotRequired rejects operations on factors outside the
	// session's snapshot of required factors.
	ErrFactorNotRequired = errors.New("factor not required by session")
	// ErrFactorClosed rejects operations on a factor that already
	// reached a terminal per-factor state.
	ErrFactorClosed = errors.New("factor already settled")
	// ErrTenantDisabled rejects authentication for soft-disabled tenants.
	ErrTenantDisabled = errors.New("tenant disabled")
)
