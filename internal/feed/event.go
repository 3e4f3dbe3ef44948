package feed

import "encoding/json"

// Action is the kind of change carried by a feed event.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Event is one change notification for a backend resource. New carries the
// record after the change, Old the record before it; deletes carry only Old.
type Event struct {
	Resource string          `json:"resource"`
	Action   Action          `json:"action"`
	RecordID string          `json:"record_id"`
	New      json.RawMessage `json:"new,omitempty"`
	Old      json.RawMessage `json:"old,omitempty"`
}

// Status is the observable connection state of a feed client.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)
