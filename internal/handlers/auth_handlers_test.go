package handlers

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/brandbeam/backend/internal/models"
	"github.com/brandbeam/backend/pkg/utils"
)

func TestRegisterAndLogin(t *testing.T) {
	env := setupTestEnv(t)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
		"email":     "alice@example.com",
		"password":  "password123",
		"firstName": "Alice",
		"lastName":  "Archer",
	}, nil)
	assertStatus(t, resp, http.StatusCreated)
	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]any)
	if data["token"] == "" {
		t.Fatal("expected a session token after registration")
	}

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"email":    "alice@example.com",
		"password": "password123",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	body = decodeJSONMap(t, resp)
	data = body["data"].(map[string]any)
	if data["token"] == "" {
		t.Fatal("expected a session token after login")
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "taken@example.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/register", map[string]any{
		"email":     "taken@example.com",
		"password":  "password123",
		"firstName": "Dup",
		"lastName":  "User",
	}, nil)
	assertStatus(t, resp, http.StatusConflict)
}

func TestLoginWrongPasswordSaysInvalidCredentials(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "bob@example.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"email":    "bob@example.com",
		"password": "wrong-password",
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	assertEnvelopeError(t, decodeJSONMap(t, resp), "invalid credentials")

	// Unknown account gives the byte-identical error.
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"email":    "nobody@example.com",
		"password": "wrong-password",
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	assertEnvelopeError(t, decodeJSONMap(t, resp), "invalid credentials")
}

func TestLoginLockoutAfterFiveFailures(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "carol@example.com", "password123", models.UserRoleUser)

	// Five failures all answer 401; the fifth arms the lock for what comes next.
	for i := 0; i < 5; i++ {
		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
			"email":    "carol@example.com",
			"password": fmt.Sprintf("wrong-%d", i),
		}, nil)
		assertStatus(t, resp, http.StatusUnauthorized)
	}

	// Sixth attempt is refused before credentials are even looked at,
	// correct password included.
	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"email":    "carol@example.com",
		"password": "password123",
	}, nil)
	assertStatus(t, resp, http.StatusTooManyRequests)
	body := decodeJSONMap(t, resp)
	if body["lockUntil"] == nil {
		t.Fatal("expected lockUntil in lockout response")
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on lockout response")
	}
}

func TestLoginSuccessResetsFailureWindow(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "dave@example.com", "password123", models.UserRoleUser)

	for i := 0; i < 4; i++ {
		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
			"email":    "dave@example.com",
			"password": "wrong",
		}, nil)
		assertStatus(t, resp, http.StatusUnauthorized)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"email":    "dave@example.com",
		"password": "password123",
	}, nil)
	assertStatus(t, resp, http.StatusOK)

	// The window restarted: four more failures still do not lock.
	for i := 0; i < 4; i++ {
		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
			"email":    "dave@example.com",
			"password": "wrong",
		}, nil)
		assertStatus(t, resp, http.StatusUnauthorized)
	}
}

func TestLockoutIsPerIdentity(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "locked@example.com", "password123", models.UserRoleUser)
	createTestUser(t, env.db, "free@example.com", "password123", models.UserRoleUser)

	for i := 0; i < 5; i++ {
		performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
			"email":    "locked@example.com",
			"password": "wrong",
		}, nil)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"email":    "free@example.com",
		"password": "password123",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
}

func TestMagicLinkFourthRequestIsRefused(t *testing.T) {
	env := setupTestEnv(t)
	createTestUser(t, env.db, "erin@example.com", "password123", models.UserRoleUser)

	for i := 0; i < 3; i++ {
		resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/magic-link", map[string]any{
			"email": "erin@example.com",
		}, nil)
		assertStatus(t, resp, http.StatusOK)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/magic-link", map[string]any{
		"email": "erin@example.com",
	}, nil)
	assertStatus(t, resp, http.StatusTooManyRequests)
}

func TestMagicLinkDoesNotRevealAccountExistence(t *testing.T) {
	env := setupTestEnv(t)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/magic-link", map[string]any{
		"email": "ghost@example.com",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]any)
	if data["message"] != "if the account exists, a sign-in link has been sent" {
		t.Fatalf("unexpected message: %v", data["message"])
	}
}

func TestMagicLinkVerifyIsSingleUse(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env.db, "frank@example.com", "password123", models.UserRoleUser)

	token, err := utils.GenerateMagicLinkToken(user.ID, user.Email)
	if err != nil {
		t.Fatalf("failed generating magic link token: %v", err)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/magic-link/verify", map[string]any{
		"token": token,
	}, nil)
	assertStatus(t, resp, http.StatusOK)
	body := decodeJSONMap(t, resp)
	data := body["data"].(map[string]any)
	if data["token"] == "" {
		t.Fatal("expected a session token from magic link verification")
	}

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/magic-link/verify", map[string]any{
		"token": token,
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
	assertEnvelopeError(t, decodeJSONMap(t, resp), "link already used")
}

func TestMagicLinkVerifyRejectsMFAToken(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env.db, "gina@example.com", "password123", models.UserRoleUser)

	// A step-up token must not work as a sign-in link.
	token, err := utils.GenerateMFAToken(user.ID, user.Email)
	if err != nil {
		t.Fatalf("failed generating MFA token: %v", err)
	}

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/magic-link/verify", map[string]any{
		"token": token,
	}, nil)
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestMeRequiresAuth(t *testing.T) {
	env := setupTestEnv(t)

	resp := performRequest(t, env.app, http.MethodGet, "/api/auth/me", nil, nil)
	assertStatus(t, resp, http.StatusUnauthorized)

	_, token := createTestUser(t, env.db, "me@example.com", "password123", models.UserRoleUser)
	resp = performRequest(t, env.app, http.MethodGet, "/api/auth/me", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
}

func TestChangePassword(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "henry@example.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPut, "/api/auth/password", map[string]any{
		"oldPassword": "nope",
		"newPassword": "newpassword1",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusBadRequest)

	resp = performJSONRequest(t, env.app, http.MethodPut, "/api/auth/password", map[string]any{
		"oldPassword": "password123",
		"newPassword": "newpassword1",
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/login", map[string]any{
		"email":    "henry@example.com",
		"password": "newpassword1",
	}, nil)
	assertStatus(t, resp, http.StatusOK)
}
