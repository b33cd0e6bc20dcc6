package services

import (
	"context"

	"github.com/brandbeam/backend/pkg/logger"
	"github.com/google/uuid"
)

type SecurityEventType string

const (
	SecurityEventLockout   SecurityEventType = "lockout"
	SecurityEventNewDevice SecurityEventType = "new_device"
	SecurityEventMagicLink SecurityEventType = "magic_link"
)

// SecurityEvent is the one-way payload handed to the notification boundary.
// No response is awaited for correctness; a sign-in must never block on mail
// delivery.
type SecurityEvent struct {
	Identity string
	UserID   *uuid.UUID
	Type     SecurityEventType
	Payload  map[string]interface{}
}

// Notifier delivers security notifications (lockout and new-device emails,
// magic-link messages). Implementations live behind this interface so tests
// and deployments without a mail relay can swap in their own.
type Notifier interface {
	Notify(ctx context.Context, event SecurityEvent) error
}

// LogNotifier writes events to the structured log. It is the default sink;
// real delivery is a deployment concern plugged in behind Notifier.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, event SecurityEvent) error {
	logger.Info("security_notification", map[string]interface{}{
		"identity": event.Identity,
		"type":     string(event.Type),
		"payload":  event.Payload,
	})
	return nil
}

// SecurityNotifier wraps a Notifier with a bounded async queue so callers can
// fire and forget. Delivery failures are logged and swallowed.
type SecurityNotifier struct {
	sink  Notifier
	queue chan SecurityEvent
}

func NewSecurityNotifier(sink Notifier) *SecurityNotifier {
	if sink == nil {
		sink = LogNotifier{}
	}
	n := &SecurityNotifier{
		sink:  sink,
		queue: make(chan SecurityEvent, 256),
	}
	go n.processQueue()
	return n
}

func (n *SecurityNotifier) NotifyAsync(event SecurityEvent) {
	select {
	case n.queue <- event:
	default:
		logger.Warn("notification_queue_full", map[string]interface{}{
			"type":    string(event.Type),
			"dropped": true,
		})
	}
}

func (n *SecurityNotifier) processQueue() {
	for event := range n.queue {
		if err := n.sink.Notify(context.Background(), event); err != nil {
			logger.Error("notification_delivery_failed", err, map[string]interface{}{
				"type":     string(event.Type),
				"identity": event.Identity,
			})
		}
	}
}
