package handlers

import (
	"strings"

	"github.com/brandbeam/backend/internal/models"
	"github.com/brandbeam/backend/internal/services"
	"github.com/brandbeam/backend/pkg/logger"
	"github.com/brandbeam/backend/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(strings.TrimSpace(value))
}

func getRequestID(c *fiber.Ctx) string {
	if v := c.Locals("requestID"); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// completeLogin is shared by every authentication path that ends in a
// session: password, TOTP, passkey, magic link, backup code. Device
// fingerprinting runs here, once per successful authentication; a history
// insert failure is logged but never fails the login.
func completeLogin(c *fiber.Ctx, audit *services.AuditService, tracker *services.FingerprintTracker,
	user *models.User, method string) error {
	token, err := utils.GenerateToken(user)
	if err != nil {
		return utils.Error(c, fiber.StatusInternalServerError, "failed generating token")
	}

	if _, err := tracker.RecordLogin(user, c.Get("User-Agent"), c.IP(), method); err != nil {
		logger.Error("login_history_insert_failed", err, map[string]interface{}{
			"user_id": user.ID.String(),
		})
	}

	logger.Info("user_login", map[string]interface{}{
		"user_id": user.ID.String(),
		"method":  method,
	})

	audit.LogAsync(services.AuditEntry{
		UserID:       &user.ID,
		Action:       "user.login",
		ResourceType: "user",
		ResourceID:   &user.ID,
		Details: map[string]interface{}{
			"method": method,
		},
		IPAddress: c.IP(),
		RequestID: getRequestID(c),
	})

	return utils.Success(c, fiber.StatusOK, fiber.Map{"token": token, "user": user})
}
