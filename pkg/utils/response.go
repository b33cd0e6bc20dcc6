package utils

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
)

func Success(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(fiber.Map{
		"success": true,
		"data":    data,
	})
}

func Error(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}

// RateLimited rejects a request with the authoritative lock-until timestamp.
// Clients derive their countdown from lockUntil; the value returned here is
// the source of truth after any reload.
func RateLimited(c *fiber.Ctx, lockUntil time.Time) error {
	retryAfter := int(time.Until(lockUntil).Seconds())
	if retryAfter < 0 {
		retryAfter = 0
	}
	c.Set("Retry-After", strconv.Itoa(retryAfter))
	return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
		"success":           false,
		"error":             "too many attempts",
		"lockUntil":         lockUntil.UTC(),
		"retryAfterSeconds": retryAfter,
	})
}
