package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/brandbeam/backend/internal/models"
	"github.com/google/uuid"
)

func seedPasskey(t *testing.T, env *testEnv, userID uuid.UUID, label string) *models.PasskeyCredential {
	t.Helper()

	cred := &models.PasskeyCredential{
		UserID:        userID,
		CredentialID:  []byte(uuid.New().String()),
		PublicKey:     []byte("test-public-key"),
		Label:         label,
		DeviceBrowser: "Chrome",
		DeviceOS:      "macOS",
		DeviceClass:   "desktop",
	}
	if err := env.db.Create(cred).Error; err != nil {
		t.Fatalf("failed seeding passkey: %v", err)
	}
	return cred
}

func TestPasskeyRegisterBeginCreatesCeremony(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "pk@example.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/register/begin", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	if data["options"] == nil {
		t.Fatal("expected creation options")
	}

	var challenge models.CeremonyChallenge
	err := env.db.First(&challenge, "user_id = ? AND type = ?", user.ID, models.CeremonyRegistration).Error
	if err != nil {
		t.Fatalf("expected a pending registration challenge: %v", err)
	}
	if !challenge.ExpiresAt.After(time.Now()) {
		t.Fatal("challenge must expire in the future")
	}

	// Restarting replaces the pending ceremony instead of stacking a second.
	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/register/begin", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	var count int64
	env.db.Model(&models.CeremonyChallenge{}).
		Where("user_id = ? AND type = ?", user.ID, models.CeremonyRegistration).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly one pending registration challenge, got %d", count)
	}
}

func TestPasskeyRegisterFinishWithoutChallenge(t *testing.T) {
	env := setupTestEnv(t)
	_, token := createTestUser(t, env.db, "nochal@example.com", "password123", models.UserRoleUser)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/register/finish", map[string]any{
		"label":    "My Key",
		"response": json.RawMessage(`{}`),
	}, authHeaders(token))
	assertStatus(t, resp, http.StatusBadRequest)
	assertEnvelopeError(t, decodeJSONMap(t, resp), "no pending registration challenge")
}

func TestPasskeyLoginBeginReturnsChallengeID(t *testing.T) {
	env := setupTestEnv(t)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/login/begin", nil, nil)
	assertStatus(t, resp, http.StatusOK)
	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	if data["options"] == nil {
		t.Fatal("expected request options")
	}
	if _, err := uuid.Parse(data["challengeID"].(string)); err != nil {
		t.Fatalf("expected a challenge id: %v", err)
	}
}

func TestPasskeyLoginFinishRejectsGarbageAssertion(t *testing.T) {
	env := setupTestEnv(t)

	resp := performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/login/begin", nil, nil)
	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	challengeID := data["challengeID"].(string)

	resp = performJSONRequest(t, env.app, http.MethodPost, "/api/auth/passkeys/login/finish", map[string]any{
		"challengeID": challengeID,
		"response":    json.RawMessage(`{"id":"x"}`),
	}, nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestPasskeyList(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "list@example.com", "password123", models.UserRoleUser)

	resp := performRequest(t, env.app, http.MethodGet, "/api/auth/passkeys/", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	if data := decodeJSONMap(t, resp)["data"].([]any); len(data) != 0 {
		t.Fatalf("expected no passkeys, got %d", len(data))
	}

	seedPasskey(t, env, user.ID, "Work laptop")
	seedPasskey(t, env, user.ID, "Phone")

	resp = performRequest(t, env.app, http.MethodGet, "/api/auth/passkeys/", nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	data := decodeJSONMap(t, resp)["data"].([]any)
	if len(data) != 2 {
		t.Fatalf("expected 2 passkeys, got %d", len(data))
	}
	first := data[0].(map[string]any)
	if _, exposed := first["credentialID"]; exposed {
		t.Fatal("raw credential id must not be serialized")
	}
}

func TestPasskeyListIsScopedToOwner(t *testing.T) {
	env := setupTestEnv(t)
	owner, _ := createTestUser(t, env.db, "owner@example.com", "password123", models.UserRoleUser)
	_, otherToken := createTestUser(t, env.db, "other@example.com", "password123", models.UserRoleUser)

	seedPasskey(t, env, owner.ID, "Owner key")

	resp := performRequest(t, env.app, http.MethodGet, "/api/auth/passkeys/", nil, authHeaders(otherToken))
	assertStatus(t, resp, http.StatusOK)
	if data := decodeJSONMap(t, resp)["data"].([]any); len(data) != 0 {
		t.Fatal("one user must not see another user's passkeys")
	}
}

func TestPasskeyRename(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "rename@example.com", "password123", models.UserRoleUser)
	cred := seedPasskey(t, env, user.ID, "Old name")

	resp := performJSONRequest(t, env.app, http.MethodPut,
		fmt.Sprintf("/api/auth/passkeys/%s", cred.ID), map[string]any{"label": "New name"},
		authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
	data := decodeJSONMap(t, resp)["data"].(map[string]any)
	if data["label"] != "New name" {
		t.Fatalf("expected renamed label, got %v", data["label"])
	}

	resp = performJSONRequest(t, env.app, http.MethodPut,
		fmt.Sprintf("/api/auth/passkeys/%s", uuid.New()), map[string]any{"label": "X"},
		authHeaders(token))
	assertStatus(t, resp, http.StatusNotFound)
}

func TestPasskeyDuplicateLabelsAllowed(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "dup-label@example.com", "password123", models.UserRoleUser)
	seedPasskey(t, env, user.ID, "YubiKey")
	cred := seedPasskey(t, env, user.ID, "Spare")

	resp := performJSONRequest(t, env.app, http.MethodPut,
		fmt.Sprintf("/api/auth/passkeys/%s", cred.ID), map[string]any{"label": "YubiKey"},
		authHeaders(token))
	assertStatus(t, resp, http.StatusOK)
}

func TestPasskeyRevoke(t *testing.T) {
	env := setupTestEnv(t)
	user, token := createTestUser(t, env.db, "revoke@example.com", "password123", models.UserRoleUser)
	cred := seedPasskey(t, env, user.ID, "Doomed")

	resp := performRequest(t, env.app, http.MethodDelete,
		fmt.Sprintf("/api/auth/passkeys/%s", cred.ID), nil, authHeaders(token))
	assertStatus(t, resp, http.StatusOK)

	var count int64
	env.db.Model(&models.PasskeyCredential{}).Where("id = ?", cred.ID).Count(&count)
	if count != 0 {
		t.Fatal("credential row should be gone")
	}

	resp = performRequest(t, env.app, http.MethodDelete,
		fmt.Sprintf("/api/auth/passkeys/%s", cred.ID), nil, authHeaders(token))
	assertStatus(t, resp, http.StatusNotFound)
}

func TestPasskeyRevokeCannotTouchOthers(t *testing.T) {
	env := setupTestEnv(t)
	owner, _ := createTestUser(t, env.db, "victim@example.com", "password123", models.UserRoleUser)
	_, attackerToken := createTestUser(t, env.db, "attacker@example.com", "password123", models.UserRoleUser)
	cred := seedPasskey(t, env, owner.ID, "Victim key")

	resp := performRequest(t, env.app, http.MethodDelete,
		fmt.Sprintf("/api/auth/passkeys/%s", cred.ID), nil, authHeaders(attackerToken))
	assertStatus(t, resp, http.StatusNotFound)

	var count int64
	env.db.Model(&models.PasskeyCredential{}).Where("id = ?", cred.ID).Count(&count)
	if count != 1 {
		t.Fatal("credential must survive")
	}
}

func TestCleanupExpiredCeremonies(t *testing.T) {
	env := setupTestEnv(t)
	user, _ := createTestUser(t, env.db, "sweep@example.com", "password123", models.UserRoleUser)

	expired := models.CeremonyChallenge{
		UserID:      &user.ID,
		Challenge:   []byte("stale"),
		Type:        models.CeremonyRegistration,
		SessionData: "{}",
		ExpiresAt:   time.Now().Add(-time.Minute),
	}
	live := models.CeremonyChallenge{
		UserID:      &user.ID,
		Challenge:   []byte("fresh"),
		Type:        models.CeremonyAuthentication,
		SessionData: "{}",
		ExpiresAt:   time.Now().Add(time.Minute),
	}
	env.db.Create(&expired)
	env.db.Create(&live)

	deleted, err := CleanupExpiredCeremonies(env.db)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted row, got %d", deleted)
	}

	var count int64
	env.db.Model(&models.CeremonyChallenge{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected the live challenge to remain, got %d rows", count)
	}
}
