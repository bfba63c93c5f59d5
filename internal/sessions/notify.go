package sessions

import "github.com/haasonsaas/conduit/pkg/models"

// NotificationType names an outbound notification.
type NotificationType string

const (
	NotifyReady              NotificationType = "ready"
	NotifyStarted            NotificationType = "started"
	NotifyEvent              NotificationType = "event"
	NotifyState              NotificationType = "state"
	NotifyReplay             NotificationType = "replay"
	NotifySessions           NotificationType = "sessions"
	NotifyCompleted          NotificationType = "completed"
	NotifyError              NotificationType = "error"
	NotifyAborted            NotificationType = "aborted"
	NotifyPermissionResolved NotificationType = "permission_resolved"
)

// Notification is one message for a subscriber. Which fields are set depends
// on Type.
type Notification struct {
	Type      NotificationType        `json:"-"`
	SessionID string                  `json:"session_id,omitempty"`
	Session   *models.Session         `json:"session,omitempty"`
	Event     *models.Event           `json:"event,omitempty"`
	Events    []models.Event          `json:"events,omitempty"`
	Sessions  []models.SessionSummary `json:"sessions,omitempty"`
	// Truncated is set when Sessions was cut to the newest entries.
	Truncated bool `json:"truncated,omitempty"`
}

// Subscriber is a connection that receives notifications.
type Subscriber interface {
	// ID identifies the subscriber across groups.
	ID() string
	// Deliver queues n without blocking. An error means the subscriber
	// missed n; it is dropped from the group and must resubscribe to replay.
	Deliver(n Notification) error
}

// terminalNotification maps a terminal session state to its notification.
func terminalNotification(state models.SessionState) NotificationType {
	switch state {
	case models.SessionCompleted:
		return NotifyCompleted
	case models.SessionAborted:
		return NotifyAborted
	case models.SessionError:
		return NotifyError
	default:
		return NotifyState
	}
}

// eventNotification maps an appended event to its notification.
func eventNotification(evt models.Event) NotificationType {
	if evt.Kind == models.EventPermissionResolved {
		return NotifyPermissionResolved
	}
	return NotifyEvent
}
