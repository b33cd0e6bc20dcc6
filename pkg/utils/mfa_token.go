package utils

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	mfaTokenExpiry       = 5 * time.Minute
	magicLinkTokenExpiry = 15 * time.Minute

	tokenTypeMFAChallenge = "mfa_challenge"
	tokenTypeMagicLink    = "magic_link"
)

// OneTimeClaims covers both short-lived token kinds that may be redeemed at
// most once: the MFA step-up token issued after a correct password, and the
// magic-link sign-in token. The JTI is consumed on redemption.
type OneTimeClaims struct {
	UserID    uuid.UUID `json:"userID"`
	Email     string    `json:"email"`
	TokenType string    `json:"tokenType"`
	JTI       string    `json:"jti"`
	jwt.RegisteredClaims
}

func generateOneTimeToken(userID uuid.UUID, email, tokenType string, expiry time.Duration) (string, error) {
	expiresAt := time.Now().Add(expiry)
	jti := uuid.New().String()
	claims := OneTimeClaims{
		UserID:    userID,
		Email:     email,
		TokenType: tokenType,
		JTI:       jti,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        jti,
			Subject:   userID.String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(jwtSecret)
}

func validateOneTimeToken(tokenString, wantType string) (*OneTimeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OneTimeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*OneTimeClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	if claims.TokenType != wantType {
		return nil, fmt.Errorf("invalid token type")
	}

	if claims.JTI == "" {
		return nil, fmt.Errorf("missing token ID")
	}

	return claims, nil
}

func GenerateMFAToken(userID uuid.UUID, email string) (string, error) {
	return generateOneTimeToken(userID, email, tokenTypeMFAChallenge, mfaTokenExpiry)
}

func ValidateMFAToken(tokenString string) (*OneTimeClaims, error) {
	return validateOneTimeToken(tokenString, tokenTypeMFAChallenge)
}

func GenerateMagicLinkToken(userID uuid.UUID, email string) (string, error) {
	return generateOneTimeToken(userID, email, tokenTypeMagicLink, magicLinkTokenExpiry)
}

func ValidateMagicLinkToken(tokenString string) (*OneTimeClaims, error) {
	return validateOneTimeToken(tokenString, tokenTypeMagicLink)
}

var consumedJTIs = make(map[string]time.Time)
var jtiMu sync.Mutex

func IsJTIValid(jti string) bool {
	jtiMu.Lock()
	defer jtiMu.Unlock()
	_, exists := consumedJTIs[jti]
	return !exists
}

func ConsumeJTI(jti string) {
	jtiMu.Lock()
	defer jtiMu.Unlock()
	consumedJTIs[jti] = time.Now()
}

func CleanupExpiredJTIs() {
	jtiMu.Lock()
	defer jtiMu.Unlock()
	now := time.Now()
	for jti, consumedAt := range consumedJTIs {
		if now.Sub(consumedAt) > magicLinkTokenExpiry {
			delete(consumedJTIs, jti)
		}
	}
}
