package utils

import (
	"testing"

	"github.com/google/uuid"
)

func TestMFATokenRoundTrip(t *testing.T) {
	ConfigureJWT("test-secret", 24)

	userID := uuid.New()
	token, err := GenerateMFAToken(userID, "user@example.com")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	claims, err := ValidateMFAToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if claims.UserID != userID || claims.Email != "user@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.JTI == "" {
		t.Fatal("expected a JTI")
	}
}

func TestTokenTypesDoNotCross(t *testing.T) {
	ConfigureJWT("test-secret", 24)
	userID := uuid.New()

	mfaToken, _ := GenerateMFAToken(userID, "user@example.com")
	if _, err := ValidateMagicLinkToken(mfaToken); err == nil {
		t.Fatal("an MFA token must not validate as a magic link")
	}

	linkToken, _ := GenerateMagicLinkToken(userID, "user@example.com")
	if _, err := ValidateMFAToken(linkToken); err == nil {
		t.Fatal("a magic-link token must not validate as an MFA challenge")
	}
}

func TestJTIConsumption(t *testing.T) {
	jti := uuid.New().String()

	if !IsJTIValid(jti) {
		t.Fatal("unseen JTI must be valid")
	}

	ConsumeJTI(jti)
	if IsJTIValid(jti) {
		t.Fatal("consumed JTI must be invalid")
	}

	// Consuming twice is harmless.
	ConsumeJTI(jti)
	if IsJTIValid(jti) {
		t.Fatal("JTI stays invalid")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	ConfigureJWT("test-secret", 24)

	if _, err := ValidateMFAToken("not-a-jwt"); err == nil {
		t.Fatal("garbage must not validate")
	}
	if _, err := ValidateMagicLinkToken(""); err == nil {
		t.Fatal("empty token must not validate")
	}
}
