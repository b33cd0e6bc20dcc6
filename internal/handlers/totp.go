package handlers

import (
	"time"

	"github.com/brandbeam/backend/internal/middleware"
	"github.com/brandbeam/backend/internal/models"
	"github.com/brandbeam/backend/internal/services"
	"github.com/brandbeam/backend/pkg/logger"
	"github.com/brandbeam/backend/pkg/secretcodec"
	"github.com/brandbeam/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"gorm.io/gorm"
)

type TOTPHandler struct {
	DB      *gorm.DB
	Audit   *services.AuditService
	Tracker *services.FingerprintTracker
	Issuer  string
}

func NewTOTPHandler(db *gorm.DB, audit *services.AuditService, tracker *services.FingerprintTracker, issuer string) *TOTPHandler {
	return &TOTPHandler{DB: db, Audit: audit, Tracker: tracker, Issuer: issuer}
}

// validateCode performs real time-step HMAC validation with one step of
// tolerance either side for clock skew. A six-digit shape check alone is not
// verification.
func validateCode(code, secret string) bool {
	valid, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

// Setup starts enrollment: a fresh 160-bit secret, returned once together
// with the otpauth:// URI. The row stays unverified until a correct code is
// presented; re-running setup replaces any pending secret wholesale.
func (h *TOTPHandler) Setup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var existing models.TotpEnrollment
	err := h.DB.First(&existing, "user_id = ?", user.ID).Error
	if err == nil && existing.Verified {
		return utils.Error(c, fiber.StatusConflict, "TOTP is already enabled")
	}

	secretBytes, err := secretcodec.SecretBytes(20)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate TOTP secret")
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      h.Issuer,
		AccountName: user.Email,
		Secret:      secretBytes,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to generate TOTP secret")
	}

	encryptedSecret, err := utils.EncryptAESGCM(key.Secret())
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to encrypt TOTP secret")
	}

	if existing.ID != uuid.Nil {
		if err := h.DB.Model(&existing).Updates(map[string]interface{}{
			"secret":      encryptedSecret,
			"verified":    false,
			"verified_at": nil,
		}).Error; err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to update TOTP enrollment")
		}
	} else {
		enrollment := models.TotpEnrollment{
			UserID: user.ID,
			Secret: encryptedSecret,
		}
		if err := h.DB.Create(&enrollment).Error; err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to save TOTP enrollment")
		}
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"secret": key.Secret(),
		"qrUri":  key.URL(),
	})
}

type verifyTOTPSetupRequest struct {
	Code string `json:"code"`
}

func (h *TOTPHandler) VerifySetup(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req verifyTOTPSetupRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "code is required")
	}

	var enrollment models.TotpEnrollment
	if err := h.DB.First(&enrollment, "user_id = ?", user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "TOTP setup not started")
	}

	if enrollment.Verified {
		return utils.Error(c, fiber.StatusConflict, "TOTP is already enabled")
	}

	secret := utils.DecryptOrPlaintext(enrollment.Secret)
	if !validateCode(req.Code, secret) {
		return utils.Error(c, fiber.StatusBadRequest, "invalid TOTP code")
	}

	now := time.Now()
	if err := h.DB.Model(&enrollment).Updates(map[string]interface{}{
		"verified":    true,
		"verified_at": now,
	}).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to enable TOTP")
	}

	logger.Info("totp_enabled", map[string]interface{}{
		"user_id": user.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.totp_enabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "TOTP enabled"})
}

type disableTOTPRequest struct {
	Password string `json:"password"`
}

// Disable removes the enrollment after re-authentication. Idempotent: a user
// without an enrollment gets the same success.
func (h *TOTPHandler) Disable(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req disableTOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "password is required")
	}
	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "invalid password")
	}

	if err := h.DB.Where("user_id = ?", user.ID).Delete(&models.TotpEnrollment{}).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to disable TOTP")
	}

	logger.Info("totp_disabled", map[string]interface{}{
		"user_id": user.ID.String(),
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "mfa.totp_disabled",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "TOTP disabled"})
}

type verifyLoginTOTPRequest struct {
	MFAToken string `json:"mfaToken"`
	Code     string `json:"code"`
}

// VerifyLogin is the second-factor step of a password sign-in.
func (h *TOTPHandler) VerifyLogin(c *fiber.Ctx) error {
	var req verifyLoginTOTPRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.MFAToken == "" || req.Code == "" {
		return utils.Error(c, fiber.StatusBadRequest, "mfaToken and code are required")
	}

	claims, err := utils.ValidateMFAToken(req.MFAToken)
	if err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid or expired MFA token")
	}

	if !utils.IsJTIValid(claims.JTI) {
		return utils.Error(c, fiber.StatusUnauthorized, "MFA token already used")
	}

	var user models.User
	if err := h.DB.First(&user, "id = ?", claims.UserID).Error; err != nil {
		return utils.Error(c, fiber.StatusUnauthorized, "user not found")
	}

	var enrollment models.TotpEnrollment
	if err := h.DB.First(&enrollment, "user_id = ?", user.ID).Error; err != nil || !enrollment.Verified {
		return utils.Error(c, fiber.StatusBadRequest, "TOTP is not enabled")
	}

	secret := utils.DecryptOrPlaintext(enrollment.Secret)
	if !validateCode(req.Code, secret) {
		return utils.Error(c, fiber.StatusUnauthorized, "invalid TOTP code")
	}

	utils.ConsumeJTI(claims.JTI)

	return completeLogin(c, h.Audit, h.Tracker, &user, "totp")
}
