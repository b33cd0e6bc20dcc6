package services

import (
	"time"

	"github.com/brandbeam/backend/internal/models"
	"github.com/brandbeam/backend/pkg/logger"
	"gorm.io/gorm"
)

type GovernorAction string

const (
	ActionSignIn    GovernorAction = "signin"
	ActionMagicLink GovernorAction = "magic_link"
)

// GovernorPolicy fixes the window, threshold and lock behavior for one
// governed action.
type GovernorPolicy struct {
	Action    GovernorAction
	Window    time.Duration
	Threshold int
	// LockDuration applies when LockToWindowEnd is false. Otherwise the lock
	// lasts for the remainder of the window measured from the oldest counted
	// attempt.
	LockDuration    time.Duration
	LockToWindowEnd bool
	// CountAll counts every request, not only failures (magic-link issuance).
	CountAll bool
	// NotifyOnLock fires a best-effort lockout notification.
	NotifyOnLock bool
}

var (
	SignInPolicy = GovernorPolicy{
		Action:       ActionSignIn,
		Window:       5 * time.Minute,
		Threshold:    5,
		LockDuration: 300 * time.Second,
		NotifyOnLock: true,
	}

	MagicLinkPolicy = GovernorPolicy{
		Action:          ActionMagicLink,
		Window:          60 * time.Second,
		Threshold:       3,
		LockToWindowEnd: true,
		CountAll:        true,
	}
)

// GovernorVerdict classifies one request. The governor never fails a request
// itself; callers must refuse credential verification while Locked so a
// locked identity cannot probe whether a credential would otherwise be valid.
type GovernorVerdict struct {
	Locked            bool       `json:"locked"`
	RemainingAttempts int        `json:"remainingAttempts"`
	LockUntil         *time.Time `json:"lockUntil,omitempty"`
}

// LoginGovernor is a sliding-window rate limiter and lockout state machine
// keyed by (identity, action). State lives in the database so the decision is
// consistent across server instances; stale rows are pruned on every check.
type LoginGovernor struct {
	DB       *gorm.DB
	Notifier *SecurityNotifier

	now func() time.Time
}

func NewLoginGovernor(db *gorm.DB, notifier *SecurityNotifier) *LoginGovernor {
	return &LoginGovernor{DB: db, Notifier: notifier, now: time.Now}
}

// Check reports the current state without recording anything. Callers use it
// to reject requests up front while a lockout is active.
func (g *LoginGovernor) Check(identity string, policy GovernorPolicy) GovernorVerdict {
	now := g.now().UTC()

	if verdict, locked := g.activeLockout(identity, policy, now); locked {
		return verdict
	}

	g.prune(identity, policy, now)

	count := g.countAttempts(identity, policy, now)
	remaining := policy.Threshold - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return GovernorVerdict{RemainingAttempts: remaining}
}

// RecordAndCheck prunes the window, appends the attempt when it counts
// (failures always; every request when the policy says so), and evaluates the
// threshold. Crossing the threshold sets the lock-until timestamp and resets
// the counter.
func (g *LoginGovernor) RecordAndCheck(identity string, policy GovernorPolicy, failure bool) GovernorVerdict {
	now := g.now().UTC()

	if verdict, locked := g.activeLockout(identity, policy, now); locked {
		return verdict
	}

	g.prune(identity, policy, now)

	if failure || policy.CountAll {
		attempt := models.LoginAttempt{
			Identity:    identity,
			Action:      string(policy.Action),
			AttemptedAt: now,
		}
		if err := g.DB.Create(&attempt).Error; err != nil {
			logger.Error("governor_attempt_insert_failed", err, map[string]interface{}{
				"action": string(policy.Action),
			})
		}
	}

	count := int(g.countAttempts(identity, policy, now))
	if count < policy.Threshold {
		return GovernorVerdict{RemainingAttempts: policy.Threshold - count}
	}

	lockUntil := now.Add(policy.LockDuration)
	if policy.LockToWindowEnd {
		var oldest models.LoginAttempt
		err := g.DB.Where("identity = ? AND action = ?", identity, string(policy.Action)).
			Order("attempted_at ASC").First(&oldest).Error
		if err == nil {
			lockUntil = oldest.AttemptedAt.Add(policy.Window)
		}
	}

	g.DB.Where("identity = ? AND action = ?", identity, string(policy.Action)).
		Delete(&models.LoginLockout{})
	lockout := models.LoginLockout{
		Identity:     identity,
		Action:       string(policy.Action),
		FailureCount: count,
		LockedUntil:  lockUntil,
	}
	if err := g.DB.Create(&lockout).Error; err != nil {
		logger.Error("governor_lockout_insert_failed", err, map[string]interface{}{
			"action": string(policy.Action),
		})
	}

	// Counter resets when the lock is set; the lockout row is now the state.
	g.DB.Where("identity = ? AND action = ?", identity, string(policy.Action)).
		Delete(&models.LoginAttempt{})

	logger.Warn("login_locked_out", map[string]interface{}{
		"identity":   identity,
		"action":     string(policy.Action),
		"failures":   count,
		"lock_until": lockUntil,
	})

	if policy.NotifyOnLock && g.Notifier != nil {
		g.Notifier.NotifyAsync(SecurityEvent{
			Identity: identity,
			Type:     SecurityEventLockout,
			Payload: map[string]interface{}{
				"failureCount": count,
				"lockSeconds":  int(lockUntil.Sub(now).Seconds()),
				"lockUntil":    lockUntil,
			},
		})
	}

	return GovernorVerdict{Locked: true, LockUntil: &lockUntil}
}

// Reset clears the window immediately after a successful authentication
// instead of waiting for natural expiry.
func (g *LoginGovernor) Reset(identity string, policy GovernorPolicy) {
	g.DB.Where("identity = ? AND action = ?", identity, string(policy.Action)).
		Delete(&models.LoginAttempt{})
}

func (g *LoginGovernor) activeLockout(identity string, policy GovernorPolicy, now time.Time) (GovernorVerdict, bool) {
	var lockout models.LoginLockout
	err := g.DB.Where("identity = ? AND action = ?", identity, string(policy.Action)).
		First(&lockout).Error
	if err != nil {
		return GovernorVerdict{}, false
	}

	if lockout.LockedUntil.After(now) {
		until := lockout.LockedUntil
		return GovernorVerdict{Locked: true, LockUntil: &until}, true
	}

	// Lock elapsed: back to Open.
	g.DB.Delete(&lockout)
	return GovernorVerdict{}, false
}

func (g *LoginGovernor) prune(identity string, policy GovernorPolicy, now time.Time) {
	g.DB.Where("identity = ? AND action = ? AND attempted_at < ?",
		identity, string(policy.Action), now.Add(-policy.Window)).
		Delete(&models.LoginAttempt{})
}

func (g *LoginGovernor) countAttempts(identity string, policy GovernorPolicy, now time.Time) int64 {
	var count int64
	g.DB.Model(&models.LoginAttempt{}).
		Where("identity = ? AND action = ? AND attempted_at >= ?",
			identity, string(policy.Action), now.Add(-policy.Window)).
		Count(&count)
	return count
}
