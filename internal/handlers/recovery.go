package handlers

import (
	"strings"
	"time"

	"github.com/brandbeam/backend/internal/middleware"
	"github.com/brandbeam/backend/internal/models"
	"github.com/brandbeam/backend/internal/services"
	"github.com/brandbeam/backend/pkg/logger"
	"github.com/brandbeam/backend/pkg/secretcodec"
	"github.com/brandbeam/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const backupCodeSetSize = 8

type RecoveryHandler struct {
	DB       *gorm.DB
	Audit    *services.AuditService
	Governor *services.LoginGovernor
	Tracker  *services.FingerprintTracker
}

func NewRecoveryHandler(db *gorm.DB, audit *services.AuditService, governor *services.LoginGovernor,
	tracker *services.FingerprintTracker) *RecoveryHandler {
	return &RecoveryHandler{DB: db, Audit: audit, Governor: governor, Tracker: tracker}
}

type generateBackupCodesRequest struct {
	Password string `json:"password"`
}

// GenerateBackupCodes mints a fresh set of eight codes and replaces any
// previous set in one transaction. Plaintext codes appear in the response
// only; rows store per-code bcrypt hashes so a spent code stays
// distinguishable from one that never existed.
func (h *RecoveryHandler) GenerateBackupCodes(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req generateBackupCodesRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	if req.Password == "" {
		return utils.Error(c, fiber.StatusBadRequest, "password is required")
	}
	if !utils.CheckPassword(req.Password, user.PasswordHash) {
		return utils.Error(c, fiber.StatusBadRequest, "invalid password")
	}

	plaintext := make([]string, 0, backupCodeSetSize)
	rows := make([]models.BackupCode, 0, backupCodeSetSize)
	for i := 0; i < backupCodeSetSize; i++ {
		code, err := secretcodec.BackupCode()
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to generate codes")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secretcodec.NormalizeBackupCode(code)), bcrypt.DefaultCost)
		if err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to generate codes")
		}
		plaintext = append(plaintext, code)
		rows = append(rows, models.BackupCode{UserID: user.ID, CodeHash: string(hash)})
	}

	err := h.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", user.ID).Delete(&models.BackupCode{}).Error; err != nil {
			return err
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save codes")
	}

	logger.Info("backup_codes_generated", map[string]interface{}{
		"user_id": user.ID.String(),
		"count":   backupCodeSetSize,
	})

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "recovery.codes_generated",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"recoveryCodes": plaintext})
}

type redeemBackupCodeRequest struct {
	MFAToken string `json:"mfaToken"`
	Code     string `json:"code"`
}

// RedeemBackupCode signs the user in with a one-time recovery code. A code
// that matched a spent row gets a distinct error from a code that matched
// nothing, so the user knows whether to try another code or re-type.
func (h *RecoveryHandler) RedeemBackupCode(c *fiber.Ctx) error {
	var req redeemBackupCodeRequest
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

	normalized := secretcodec.NormalizeBackupCode(req.Code)

	var codes []models.BackupCode
	if err := h.DB.Where("user_id = ?", user.ID).Find(&codes).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load recovery codes")
	}

	var matched *models.BackupCode
	matchedUsed := false
	for i := range codes {
		if bcrypt.CompareHashAndPassword([]byte(codes[i].CodeHash), []byte(normalized)) == nil {
			if codes[i].Used {
				matchedUsed = true
				continue
			}
			matched = &codes[i]
			break
		}
	}

	if matched == nil {
		if matchedUsed {
			return utils.Error(c, fiber.StatusUnauthorized, "code already used")
		}
		logger.Warn("backup_code_redeem_failed", map[string]interface{}{
			"user_id": user.ID.String(),
			"ip":      c.IP(),
		})
		return utils.Error(c, fiber.StatusUnauthorized, "invalid recovery code")
	}

	now := time.Now()
	if err := h.DB.Model(matched).Updates(map[string]interface{}{
		"used":    true,
		"used_at": now,
	}).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to redeem code")
	}

	utils.ConsumeJTI(claims.JTI)

	var remaining int64
	h.DB.Model(&models.BackupCode{}).Where("user_id = ? AND used = ?", user.ID, false).Count(&remaining)

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "recovery.code_redeemed",
		ResourceType: "user",
		ResourceID:   &user.ID,
		Details: map[string]interface{}{
			"remaining": remaining,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return completeLogin(c, h.Audit, h.Tracker, &user, "backup_code")
}

type configureQuestionsRequest struct {
	Question1 string `json:"question1"`
	Answer1   string `json:"answer1"`
	Question2 string `json:"question2"`
	Answer2   string `json:"answer2"`
}

// ConfigureQuestions stores two question/answer pairs. Answers are hashed
// over their normalized form so "Rex" and " rex " verify the same later.
func (h *RecoveryHandler) ConfigureQuestions(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var req configureQuestionsRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}

	req.Question1 = strings.TrimSpace(req.Question1)
	req.Question2 = strings.TrimSpace(req.Question2)

	if req.Question1 == "" || req.Question2 == "" {
		return utils.Error(c, fiber.StatusBadRequest, "both questions are required")
	}
	if strings.EqualFold(req.Question1, req.Question2) {
		return utils.Error(c, fiber.StatusBadRequest, "questions must be distinct")
	}
	if len(secretcodec.NormalizeAnswer(req.Answer1)) < 2 || len(secretcodec.NormalizeAnswer(req.Answer2)) < 2 {
		return utils.Error(c, fiber.StatusBadRequest, "answers must be at least 2 characters")
	}

	set := models.SecurityQuestionSet{
		UserID:      user.ID,
		Question1:   req.Question1,
		Answer1Hash: secretcodec.HashAnswer(req.Answer1),
		Question2:   req.Question2,
		Answer2Hash: secretcodec.HashAnswer(req.Answer2),
	}

	var existing models.SecurityQuestionSet
	if err := h.DB.First(&existing, "user_id = ?", user.ID).Error; err == nil {
		if err := h.DB.Model(&existing).Updates(map[string]interface{}{
			"question1":    set.Question1,
			"answer1_hash": set.Answer1Hash,
			"question2":    set.Question2,
			"answer2_hash": set.Answer2Hash,
		}).Error; err != nil {
			return utils.Error(c, fiber.StatusInternalServerError, "failed to save questions")
		}
	} else if err := h.DB.Create(&set).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to save questions")
	}

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "recovery.questions_configured",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"message": "security questions saved"})
}

// GetQuestions returns the stored question prompts for an email so a
// recovery form can render them. Unknown addresses get a 404 without
// further detail.
func (h *RecoveryHandler) GetQuestions(c *fiber.Ctx) error {
	email := strings.ToLower(strings.TrimSpace(c.Query("email")))
	if email == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email is required")
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", email).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "no security questions configured")
	}

	var set models.SecurityQuestionSet
	if err := h.DB.First(&set, "user_id = ?", user.ID).Error; err != nil {
		return utils.Error(c, fiber.StatusNotFound, "no security questions configured")
	}

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"question1": set.Question1,
		"question2": set.Question2,
	})
}

type verifyQuestionsRequest struct {
	Email   string `json:"email"`
	Answer1 string `json:"answer1"`
	Answer2 string `json:"answer2"`
}

// VerifyQuestions checks both answers against the stored hashes. The
// endpoint is governed like password sign-in: answers are guessable, so
// failed attempts count toward the same lockout window.
func (h *RecoveryHandler) VerifyQuestions(c *fiber.Ctx) error {
	var req verifyQuestionsRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.Error(c, fiber.StatusBadRequest, "invalid request body")
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	if req.Email == "" {
		return utils.Error(c, fiber.StatusBadRequest, "email is required")
	}

	if verdict := h.Governor.Check(req.Email, services.SignInPolicy); verdict.Locked {
		return utils.RateLimited(c, *verdict.LockUntil)
	}

	var user models.User
	if err := h.DB.First(&user, "email = ?", req.Email).Error; err != nil {
		h.Governor.RecordAndCheck(req.Email, services.SignInPolicy, true)
		return utils.Success(c, fiber.StatusOK, fiber.Map{"verified": false})
	}

	var set models.SecurityQuestionSet
	if err := h.DB.First(&set, "user_id = ?", user.ID).Error; err != nil {
		h.Governor.RecordAndCheck(req.Email, services.SignInPolicy, true)
		return utils.Success(c, fiber.StatusOK, fiber.Map{"verified": false})
	}

	// Both must match. Partial credit would let an attacker confirm
	// answers one at a time.
	ok := secretcodec.HashAnswer(req.Answer1) == set.Answer1Hash &&
		secretcodec.HashAnswer(req.Answer2) == set.Answer2Hash

	if !ok {
		h.Governor.RecordAndCheck(req.Email, services.SignInPolicy, true)
		logger.Warn("security_questions_failed", map[string]interface{}{
			"user_id": user.ID.String(),
			"ip":      c.IP(),
		})
		return utils.Success(c, fiber.StatusOK, fiber.Map{"verified": false})
	}

	h.Governor.Reset(req.Email, services.SignInPolicy)

	h.Audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "recovery.questions_verified",
		ResourceType: "user",
		ResourceID:   &user.ID,
		IPAddress:    c.IP(),
		RequestID:    getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"verified": true})
}
