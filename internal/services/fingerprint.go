package services

import (
	"strings"
	"time"

	"github.com/brandbeam/backend/internal/models"
	"github.com/brandbeam/backend/pkg/logger"
	"gorm.io/gorm"
)

// newDeviceLookback is how far back a (browser, OS) pair must have been seen
// for a sign-in to count as a known device.
const newDeviceLookback = 30 * 24 * time.Hour

// DeviceSignature is a coarse fingerprint derived from the User-Agent string.
// The substring heuristics below are deliberately crude: the signature feeds
// a "was this device seen recently" check and a notification email, nothing
// authoritative.
type DeviceSignature struct {
	Browser     string `json:"browser"`
	OS          string `json:"os"`
	DeviceClass string `json:"deviceClass"`
}

func Signature(userAgent string) DeviceSignature {
	sig := DeviceSignature{Browser: "Unknown", OS: "Unknown", DeviceClass: "desktop"}

	switch {
	case strings.Contains(userAgent, "Edg/"), strings.Contains(userAgent, "Edge/"):
		sig.Browser = "Edge"
	case strings.Contains(userAgent, "OPR/"), strings.Contains(userAgent, "Opera"):
		sig.Browser = "Opera"
	case strings.Contains(userAgent, "Firefox/"):
		sig.Browser = "Firefox"
	case strings.Contains(userAgent, "Chrome/"), strings.Contains(userAgent, "CriOS/"):
		sig.Browser = "Chrome"
	case strings.Contains(userAgent, "Safari/"):
		sig.Browser = "Safari"
	}

	switch {
	case strings.Contains(userAgent, "Windows"):
		sig.OS = "Windows"
	case strings.Contains(userAgent, "iPhone"), strings.Contains(userAgent, "iPad"):
		sig.OS = "iOS"
	case strings.Contains(userAgent, "Mac OS X"), strings.Contains(userAgent, "Macintosh"):
		sig.OS = "macOS"
	case strings.Contains(userAgent, "Android"):
		sig.OS = "Android"
	case strings.Contains(userAgent, "Linux"):
		sig.OS = "Linux"
	}

	switch {
	case strings.Contains(userAgent, "iPad"), strings.Contains(userAgent, "Tablet"):
		sig.DeviceClass = "tablet"
	case strings.Contains(userAgent, "Mobi"), strings.Contains(userAgent, "iPhone"),
		strings.Contains(userAgent, "Android"):
		sig.DeviceClass = "mobile"
	}

	return sig
}

// FingerprintTracker records every successful authentication as an immutable
// history row and flags sign-ins from a (browser, OS) pair the owner has not
// used within the lookback window.
type FingerprintTracker struct {
	DB       *gorm.DB
	Notifier *SecurityNotifier

	now func() time.Time
}

func NewFingerprintTracker(db *gorm.DB, notifier *SecurityNotifier) *FingerprintTracker {
	return &FingerprintTracker{DB: db, Notifier: notifier, now: time.Now}
}

// RecordLogin runs once per successful authentication, independent of the
// rate-limit governor. Notification failures never fail the login.
func (t *FingerprintTracker) RecordLogin(user *models.User, userAgent, ip, method string) (*models.LoginHistory, error) {
	sig := Signature(userAgent)
	now := t.now().UTC()

	var seen int64
	t.DB.Model(&models.LoginHistory{}).
		Where("user_id = ? AND browser = ? AND os = ? AND created_at > ?",
			user.ID, sig.Browser, sig.OS, now.Add(-newDeviceLookback)).
		Count(&seen)

	isNew := seen == 0

	record := models.LoginHistory{
		UserID:      user.ID,
		Browser:     sig.Browser,
		OS:          sig.OS,
		DeviceClass: sig.DeviceClass,
		IPAddress:   ip,
		Method:      method,
		IsNewDevice: isNew,
		Notified:    isNew && t.Notifier != nil,
		CreatedAt:   now,
	}
	if err := t.DB.Create(&record).Error; err != nil {
		return nil, err
	}

	if isNew {
		logger.Info("new_device_login", map[string]interface{}{
			"user_id": user.ID.String(),
			"browser": sig.Browser,
			"os":      sig.OS,
			"class":   sig.DeviceClass,
		})
		if t.Notifier != nil {
			t.Notifier.NotifyAsync(SecurityEvent{
				Identity: user.Email,
				UserID:   &user.ID,
				Type:     SecurityEventNewDevice,
				Payload: map[string]interface{}{
					"browser":     sig.Browser,
					"os":          sig.OS,
					"deviceClass": sig.DeviceClass,
					"at":          now,
				},
			})
		}
	}

	return &record, nil
}
