package models

import "time"

// NotificationType categorizes a notification for preference matching.
type NotificationType string

const (
	NotifyStatusChange NotificationType = "status_change"
	NotifyAssignment   NotificationType = "assignment"
	NotifyNewReport    NotificationType = "new_report"
	NotifySystem       NotificationType = "system"
)

// Notification is an in-app notification row. The portal only ever flips
// Read; rows are never deleted client-side.
type Notification struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Read      bool             `json:"read"`
	CreatedAt time.Time        `json:"created_at"`
}

// ChannelPrefs holds per-channel delivery flags for one category.
type ChannelPrefs struct {
	InApp bool `json:"in_app"`
	Push  bool `json:"push"`
}

// NotificationPreferences holds a user's delivery flags per category.
// Read-only from the portal's perspective.
type NotificationPreferences struct {
	UserID       string       `json:"user_id"`
	StatusChange ChannelPrefs `json:"status_change"`
	Assignment   ChannelPrefs `json:"assignment"`
	NewReport    ChannelPrefs `json:"new_report"`
	System       ChannelPrefs `json:"system"`
}

// ForType returns the channel flags for the given notification type.
// Unknown types fall back to the system category.
func (p NotificationPreferences) ForType(t NotificationType) ChannelPrefs {
	switch t {
	case NotifyStatusChange:
		return p.StatusChange
	case NotifyAssignment:
		return p.Assignment
	case NotifyNewReport:
		return p.NewReport
	default:
		return p.System
	}
}

// DefaultPreferences enables every channel for every category.
func DefaultPreferences(userID string) NotificationPreferences {
	all := ChannelPrefs{InApp: true, Push: true}
	return NotificationPreferences{
		UserID:       userID,
		StatusChange: all,
		Assignment:   all,
		NewReport:    all,
		System:       all,
	}
}
