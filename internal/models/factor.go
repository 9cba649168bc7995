package models

type FactorType string

const (
	FactorEmailOTP FactorType = "email_otp"
	FactorSMSOTP   FactorType = "sms_otp"
	FactorTOTP     FactorType = "totp"
	FactorWebAuthn FactorType = "webauthn"
	FactorWallet   FactorType = "wallet"
)

type EnforcementMode string

const (
	// EnforcementStrict requires every required factor to verify.
	EnforcementStrict EnforcementMode = "strict"
	// EnforcementAnyOf passes on the first verified required factor.
	EnforcementAnyOf EnforcementMode = "any-of"
)

// FactorParams are the per-factor tunables a tenant policy may override.
// Zero values fall back to the service defaults from config.
type FactorParams struct {
	OTPDigits           int `json:"otpDigits,omitempty"`
	ChallengeTTLSeconds int `json:"challengeTTLSeconds,omitempty"`
	MaxAttempts         int `json:"maxAttempts,omitempty"`
	IssueCooldownSecs   int `json:"issueCooldownSeconds,omitempty"`
}

func (m EnforcementMode) Valid() bool {
	return m == EnforcementStrict || m == EnforcementAnyOf
}

func (f FactorType) Valid() bool {
	switch f {
	case FactorEmailOTP, FactorSMSOTP, FactorTOTP, FactorWebAuthn, FactorWallet:
		return true
	}
	return false
}
