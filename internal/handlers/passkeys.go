package handlers

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/brandbeam/backend/internal/middleware"
	"github.com/brandbeam/backend/internal/models"
	"github.com/brandbeam/backend/internal/services"
	"github.com/brandbeam/backend/pkg/logger"
	"github.com/brandbeam/backend/pkg/utils"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const ceremonyTTL = 5 * time.Minute

type PasskeyHandler struct {
	DB       *gorm.DB
	WebAuthn *webauthn.WebAuthn
	Audit    *services.AuditService
	Tracker  *services.FingerprintTracker
}

func NewPasskeyHandler(db *gorm.DB, wa *webauthn.WebAuthn, audit *services.AuditService,
	tracker *services.FingerprintTracker) *PasskeyHandler {
	return &PasskeyHandler{DB: db, WebAuthn: wa, Audit: audit, Tracker: tracker}
}

type webAuthnUser struct {
	user  models.User
	creds []webauthn.Credential
}

func (u *webAuthnUser) WebAuthnID() []byte {
	b, _ := u.user.ID.MarshalBinary()
	return b
}

func (u *webAuthnUser) WebAuthnName() string {
	return u.user.Email
}

func (u *webAuthnUser) WebAuthnDisplayName() string {
	return u.user.FirstName + " " + u.user.LastName
}

func (u *webAuthnUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

func (u *webAuthnUser) WebAuthnIcon() string {
	return ""
}

func (h *PasskeyHandler) loadWebAuthnUser(userID uuid.UUID) (*webAuthnUser, error) {
	var user models.User
	if err := h.DB.First(&user, "id = ?", userID).Error; err != nil {
		return nil, err
	}

	var dbCreds []models.PasskeyCredential
	h.DB.Where("user_id = ?", userID).Find(&dbCreds)

	creds := make([]webauthn.Credential, len(dbCreds))
	for i, dc := range dbCreds {
		var transports []protocol.AuthenticatorTransport
		if dc.Transports != "" {
			var ts []string
			json.Unmarshal([]byte(dc.Transports), &ts)
			for _, t := range ts {
				transports = append(transports, protocol.AuthenticatorTransport(t))
			}
		}
		creds[i] = webauthn.Credential{
			ID:              dc.CredentialID,
			PublicKey:       dc.PublicKey,
			AttestationType: dc.AttestationType,
			Authenticator: webauthn.Authenticator{
				AAGUID:    dc.AAGUID,
				SignCount: dc.SignCount,
			},
			Transport: transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: dc.BackupEligible,
				BackupState:    dc.BackupState,
			},
		}
	}

	return &webAuthnUser{user: user, creds: creds}, nil
}

func (h *PasskeyHandler) RegisterBegin(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	options, session, err := h.WebAuthn.BeginRegistration(waUser)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin registration")
	}

	sessionJSON, _ := json.Marshal(session)

	// One pending registration per user. Starting over discards the old one.
	h.DB.Where("user_id = ? AND type = ?", user.ID, models.CeremonyRegistration).
		Delete(&models.CeremonyChallenge{})

	challenge := models.CeremonyChallenge{
		UserID:      &user.ID,
		Challenge:   []byte(session.Challenge),
		Type:        models.CeremonyRegistration,
		SessionData: string(sessionJSON),
		ExpiresAt:   time.Now().Add(ceremonyTTL),
	}
	if err := h.DB.Create(&challenge).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save challenge")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type registerFinishRequest struct {
	Label    string          `json:"label"`
	Response json.RawMessage `json:"response"`
}

// RegisterFinish completes a registration ceremony and stores the credential
// with device metadata derived from the requesting User-Agent. Labels are
// free-form and may repeat across a user's passkeys; the credential id is
// what must be unique.
func (h *PasskeyHandler) RegisterFinish(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req registerFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.Label = strings.TrimSpace(req.Label); req.Label == "" {
		req.Label = "Passkey"
	}

	var challenge models.CeremonyChallenge
	if err := h.DB.Where("user_id = ? AND type = ? AND expires_at > ?",
		user.ID, models.CeremonyRegistration, time.Now()).
		Order("created_at DESC").First(&challenge).Error; err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no pending registration challenge")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &session); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
	}

	waUser, err := h.loadWebAuthnUser(user.ID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	parsedResponse, err := protocol.ParseCredentialCreationResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential response")
	}

	credential, err := h.WebAuthn.CreateCredential(waUser, session, parsedResponse)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "failed to verify credential")
	}

	var existing models.PasskeyCredential
	if err := h.DB.First(&existing, "credential_id = ?", credential.ID).Error; err == nil {
		return utils.Error(c, fiber.StatusConflict, "credential already registered")
	}

	var transportsJSON []byte
	if len(credential.Transport) > 0 {
		ts := make([]string, len(credential.Transport))
		for i, t := range credential.Transport {
			ts[i] = string(t)
		}
		transportsJSON, _ = json.Marshal(ts)
	}

	sig := services.Signature(c.Get("User-Agent"))

	dbCred := models.PasskeyCredential{
		UserID:          user.ID,
		CredentialID:    credential.ID,
		PublicKey:       credential.PublicKey,
		AttestationType: credential.AttestationType,
		AAGUID:          credential.Authenticator.AAGUID,
		SignCount:       credential.Authenticator.SignCount,
		Label:           req.Label,
		Transports:      string(transportsJSON),
		DeviceBrowser:   sig.Browser,
		DeviceOS:        sig.OS,
		DeviceClass:     sig.DeviceClass,
		BackupEligible:  credential.Flags.BackupEligible,
		BackupState:     credential.Flags.BackupState,
	}
	if err := h.DB.Create(&dbCred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save credential")
	}

	h.DB.Where("id = ?", challenge.ID).Delete(&models.CeremonyChallenge{})

	logger.Info("passkey_registered", map[string]interface{}{
		"user_id":       user.ID.String(),
		"credential_id": dbCred.ID.String(),
		"label":         dbCred.Label,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.passkey_registered",
		ResourceType: "passkey_credential",
		ResourceID:   &dbCred.ID,
		Details: map[string]interface{}{
			"label": dbCred.Label,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusCreated, fiber.Map{"credential": dbCred})
}

func (h *PasskeyHandler) LoginBegin(c *fiber.Ctx) error {
	options, session, err := h.WebAuthn.BeginDiscoverableLogin()
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin passkey login")
	}

	sessionJSON, _ := json.Marshal(session)
	challenge := models.CeremonyChallenge{
		Challenge:   []byte(session.Challenge),
		Type:        models.CeremonyAuthentication,
		SessionData: string(sessionJSON),
		ExpiresAt:   time.Now().Add(ceremonyTTL),
	}
	if err := h.DB.Create(&challenge).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save challenge")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"options":     options,
		"challengeID": challenge.ID,
	})
}

type loginFinishRequest struct {
	ChallengeID string          `json:"challengeID"`
	Response    json.RawMessage `json:"response"`
}

// LoginFinish validates a discoverable-credential assertion. An assertion
// for a credential id this server has never seen is rejected outright; a
// passkey is never provisioned from the login path.
func (h *PasskeyHandler) LoginFinish(c *fiber.Ctx) error {
	var req loginFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	challengeID, err := parseUUID(req.ChallengeID)
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid challengeID")
	}

	var challenge models.CeremonyChallenge
	if err := h.DB.Where("id = ? AND type = ? AND expires_at > ?",
		challengeID, models.CeremonyAuthentication, time.Now()).
		First(&challenge).Error; err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no pending login challenge")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &session); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
	}

	parsedResponse, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid assertion response")
	}

	var known models.PasskeyCredential
	if err := h.DB.First(&known, "credential_id = ?", []byte(parsedResponse.RawID)).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "passkey not registered")
	}

	waUser, err := h.loadWebAuthnUser(known.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "user not found")
	}

	credential, err := h.WebAuthn.ValidateDiscoverableLogin(
		func(rawID, userHandle []byte) (webauthn.User, error) {
			return waUser, nil
		},
		session,
		parsedResponse,
	)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	h.DB.Where("id = ?", challenge.ID).Delete(&models.CeremonyChallenge{})

	h.touchCredential(known.UserID, credential)

	return completeLogin(c, h.Audit, h.Tracker, &waUser.user, "passkey")
}

type verifyPasskeyBeginRequest struct {
	MFAToken string `json:"mfaToken"`
}

// VerifyBegin starts the passkey step-up after a password login flagged MFA.
func (h *PasskeyHandler) VerifyBegin(c *fiber.Ctx) error {
	var req verifyPasskeyBeginRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	claims, err := utils.ValidateMFAToken(req.MFAToken)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}

	waUser, err := h.loadWebAuthnUser(claims.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	options, session, err := h.WebAuthn.BeginLogin(waUser)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to begin authentication")
	}

	sessionJSON, _ := json.Marshal(session)
	challenge := models.CeremonyChallenge{
		UserID:      &claims.UserID,
		Challenge:   []byte(session.Challenge),
		Type:        models.CeremonyAuthentication,
		SessionData: string(sessionJSON),
		ExpiresAt:   time.Now().Add(ceremonyTTL),
	}
	if err := h.DB.Create(&challenge).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save challenge")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{"options": options})
}

type verifyPasskeyFinishRequest struct {
	MFAToken string          `json:"mfaToken"`
	Response json.RawMessage `json:"response"`
}

func (h *PasskeyHandler) VerifyFinish(c *fiber.Ctx) error {
	var req verifyPasskeyFinishRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	claims, err := utils.ValidateMFAToken(req.MFAToken)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}
	if !utils.IsJTIValid(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "MFA token already used")
	}

	waUser, err := h.loadWebAuthnUser(claims.UserID)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load user")
	}

	var challenge models.CeremonyChallenge
	if err := h.DB.Where("user_id = ? AND type = ? AND expires_at > ?",
		claims.UserID, models.CeremonyAuthentication, time.Now()).
		Order("created_at DESC").First(&challenge).Error; err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "no pending authentication challenge")
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionData), &session); err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load session")
	}

	parsedResponse, err := protocol.ParseCredentialRequestResponseBody(strings.NewReader(string(req.Response)))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid assertion response")
	}

	credential, err := h.WebAuthn.ValidateLogin(waUser, session, parsedResponse)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "passkey verification failed")
	}

	h.DB.Where("id = ?", challenge.ID).Delete(&models.CeremonyChallenge{})

	h.touchCredential(claims.UserID, credential)
	utils.ConsumeJTI(claims.JTI)

	return completeLogin(c, h.Audit, h.Tracker, &waUser.user, "passkey")
}

func (h *PasskeyHandler) touchCredential(userID uuid.UUID, credential *webauthn.Credential) {
	now := time.Now()
	h.DB.Model(&models.PasskeyCredential{}).
		Where("user_id = ? AND credential_id = ?", userID, credential.ID).
		Updates(map[string]interface{}{
			"sign_count":   credential.Authenticator.SignCount,
			"last_used_at": now,
		})
}

func (h *PasskeyHandler) List(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var creds []models.PasskeyCredential
	h.DB.Where("user_id = ?", user.ID).Order("created_at DESC").Find(&creds)

	return utils.Success(c, fiber.StatusOK, creds)
}

type renamePasskeyRequest struct {
	Label string `json:"label"`
}

func (h *PasskeyHandler) Rename(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var req renamePasskeyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.Label = strings.TrimSpace(req.Label); req.Label == "" {
		return utils.Error(c, fiber.StatusBadRequest, "label is required")
	}

	result := h.DB.Model(&models.PasskeyCredential{}).
		Where("id = ? AND user_id = ?", credID, user.ID).
		Update("label", req.Label)
	if result.RowsAffected == 0 {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	var cred models.PasskeyCredential
	h.DB.First(&cred, "id = ?", credID)

	return utils.Success(c, fiber.StatusOK, cred)
}

// Revoke removes a passkey permanently. The credential id can never be
// reused; a later assertion from the same authenticator is treated as
// unregistered.
func (h *PasskeyHandler) Revoke(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	credID, err := parseUUID(c.Params("id"))
	if err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid credential ID")
	}

	var cred models.PasskeyCredential
	if err := h.DB.First(&cred, "id = ? AND user_id = ?", credID, user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "passkey not found")
	}

	if err := h.DB.Unscoped().Delete(&cred).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to delete passkey")
	}

	logger.Info("passkey_revoked", map[string]interface{}{
		"user_id":       user.ID.String(),
		"credential_id": credID.String(),
		"label":         cred.Label,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.passkey_revoked",
		ResourceType: "passkey_credential",
		ResourceID:   &cred.ID,
		Details: map[string]interface{}{
			"label": cred.Label,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "passkey revoked"})
}
