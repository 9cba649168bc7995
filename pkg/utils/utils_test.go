package utils

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

var cryptoOnce sync.Once

func setupCrypto() {
	cryptoOnce.Do(func() {
		ConfigureEncryption("test-secret")
		ConfigureJWT("test-jwt-secret", 60)
	})
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	setupCrypto()

	plaintext := "JBSWY3DPEHPK3PXP"
	encrypted, err := EncryptAESGCM(plaintext)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if encrypted == plaintext {
		t.Fatal("ciphertext must differ from plaintext")
	}

	decrypted, err := DecryptAESGCM(encrypted)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if decrypted != plaintext {
		t.Fatalf("expected %q, got %q", plaintext, decrypted)
	}

	// Fresh nonce per encryption.
	again, err := EncryptAESGCM(plaintext)
	if err != nil {
		t.Fatalf("second encrypt failed: %v", err)
	}
	if again == encrypted {
		t.Fatal("repeated encryption must not produce identical ciphertext")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	setupCrypto()

	encrypted, err := EncryptAESGCM("secret value")
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	tampered := encrypted[:len(encrypted)-2] + "AA"
	if tampered == encrypted {
		tampered = encrypted[:len(encrypted)-2] + "BB"
	}
	if _, err := DecryptAESGCM(tampered); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}

func TestHashSecretAndCheck(t *testing.T) {
	hash, err := HashSecret("hunter2")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hash == "hunter2" {
		t.Fatal("hash must differ from input")
	}
	if !CheckSecret("hunter2", hash) {
		t.Fatal("expected matching secret to verify")
	}
	if CheckSecret("hunter3", hash) {
		t.Fatal("expected wrong secret to fail")
	}
}

func TestRandomNumericCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := RandomNumericCode(6)
		if err != nil {
			t.Fatalf("generation failed: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("expected 6 digits, got %q", code)
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("non-digit in code %q", code)
			}
		}
	}

	if _, err := RandomNumericCode(3); err == nil {
		t.Fatal("expected error for too few digits")
	}
	if _, err := RandomNumericCode(11); err == nil {
		t.Fatal("expected error for too many digits")
	}
}

func TestRandomHexLength(t *testing.T) {
	value, err := RandomHex(16)
	if err != nil {
		t.Fatalf("generation failed: %v", err)
	}
	if len(value) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(value))
	}
	if strings.ToLower(value) != value {
		t.Fatal("expected lowercase hex")
	}
}

func TestTenantTokenRoundTrip(t *testing.T) {
	setupCrypto()

	tenantID := uuid.New()
	token, err := GenerateTenantToken(tenantID, "client-abc")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	claims, err := ValidateTenantToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.TenantID != tenantID || claims.ClientID != "client-abc" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestTenantTokenRejectsTampering(t *testing.T) {
	setupCrypto()

	token, err := GenerateTenantToken(uuid.New(), "client-abc")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if _, err := ValidateTenantToken(token + "x"); err == nil {
		t.Fatal("expected tampered token to fail")
	}
	if _, err := ValidateTenantToken("not-a-token"); err == nil {
		t.Fatal("expected garbage token to fail")
	}
}
