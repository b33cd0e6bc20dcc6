package handlers

import (
	"time"

	"github.com/brandbeam/backend/internal/middleware"
	"github.com/brandbeam/backend/internal/models"
	"github.com/brandbeam/backend/internal/services"
	"github.com/brandbeam/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserHasMFA reports whether a second factor must be presented after a
// correct password, and which kinds are available.
func UserHasMFA(db *gorm.DB, userID uuid.UUID) (bool, []string) {
	methods := []string{}

	var enrollment models.TotpEnrollment
	if err := db.First(&enrollment, "user_id = ?", userID).Error; err == nil && enrollment.Verified {
		methods = append(methods, "totp")
	}

	var passkeys int64
	db.Model(&models.PasskeyCredential{}).Where("user_id = ?", userID).Count(&passkeys)
	if passkeys > 0 {
		methods = append(methods, "passkey")
	}

	var unusedCodes int64
	db.Model(&models.BackupCode{}).Where("user_id = ? AND used = ?", userID, false).Count(&unusedCodes)
	if len(methods) > 0 && unusedCodes > 0 {
		methods = append(methods, "backup_code")
	}

	return len(methods) > 0, methods
}

type SecurityHandler struct {
	DB *gorm.DB
}

func NewSecurityHandler(db *gorm.DB) *SecurityHandler {
	return &SecurityHandler{DB: db}
}

// Status summarizes the account's protections in one call so a settings
// page needs no per-feature round trips.
func (h *SecurityHandler) Status(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	var enrollment models.TotpEnrollment
	totpEnabled := h.DB.First(&enrollment, "user_id = ?", user.ID).Error == nil && enrollment.Verified

	var passkeyCount int64
	h.DB.Model(&models.PasskeyCredential{}).Where("user_id = ?", user.ID).Count(&passkeyCount)

	var codesRemaining int64
	h.DB.Model(&models.BackupCode{}).Where("user_id = ? AND used = ?", user.ID, false).Count(&codesRemaining)

	var questions models.SecurityQuestionSet
	questionsConfigured := h.DB.First(&questions, "user_id = ?", user.ID).Error == nil

	return utils.Success(c, fiber.StatusOK, fiber.Map{
		"totpEnabled":          totpEnabled,
		"passkeyCount":         passkeyCount,
		"backupCodesRemaining": codesRemaining,
		"questionsConfigured":  questionsConfigured,
	})
}

// LoginHistory lists the most recent sign-ins, newest first.
func (h *SecurityHandler) LoginHistory(c *fiber.Ctx) error {
	user := middleware.GetCurrentUser(c)
	if user == nil {
		return utils.Error(c, fiber.StatusUnauthorized, "unauthorized")
	}

	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}

	var history []models.LoginHistory
	if err := h.DB.Where("user_id = ?", user.ID).
		Order("created_at DESC").Limit(limit).Find(&history).Error; err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed to load login history")
	}

	return utils.Success(c, fiber.StatusOK, history)
}

// CleanupExpiredCeremonies deletes ceremony rows past their deadline. Runs
// on a ticker; abandoned ceremonies otherwise accumulate forever.
func CleanupExpiredCeremonies(db *gorm.DB) (int64, error) {
	result := db.Where("expires_at < ?", time.Now()).Delete(&models.CeremonyChallenge{})
	return result.RowsAffected, result.Error
}

// CleanupLoginAttempts prunes attempt rows older than the widest governor
// window. Lockout rows expire lazily on read and need no sweeping.
func CleanupLoginAttempts(db *gorm.DB) (int64, error) {
	cutoff := time.Now().Add(-services.SignInPolicy.Window)
	result := db.Where("attempted_at < ?", cutoff).Delete(&models.LoginAttempt{})
	return result.RowsAffected, result.Error
}
