package models

import (
	"time"
)

// Status enumerates the report lifecycle persisted in Postgres.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusInProgress   Status = "in_progress"
	StatusResolved     Status = "resolved"
	StatusClosed       Status = "closed"
)

// Rank returns the position of a status in the lifecycle, or -1 for an
// unknown status. Used for forward-only transition checks.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusAcknowledged:
		return 1
	case StatusInProgress:
		return 2
	case StatusResolved:
		return 3
	case StatusClosed:
		return 4
	default:
		return -1
	}
}

// Statuses lists every lifecycle state in order.
var Statuses = []Status{StatusPending, StatusAcknowledged, StatusInProgress, StatusResolved, StatusClosed}

// Priority is the triage level of a report.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Role identifies the actor class performing an operation.
type Role string

const (
	RoleCitizen Role = "citizen"
	RoleWorker  Role = "worker"
	RoleAdmin   Role = "admin"
)

// User carries the identity supplied by the external identity provider.
// The portal never authenticates; it only consumes {id, role}.
type User struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Report is a citizen-filed issue persisted in Postgres.
type Report struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Status           Status     `json:"status"`
	Priority         Priority   `json:"priority"`
	AssignedWorkerID *string    `json:"assigned_worker_id,omitempty"`
	ReporterID       string     `json:"reporter_id"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// StatusHistoryEntry is an append-only audit row recording one accepted
// status transition. Rows are never updated or deleted.
type StatusHistoryEntry struct {
	ID        string    `json:"id"`
	ReportID  string    `json:"report_id"`
	OldStatus Status    `json:"old_status"`
	NewStatus Status    `json:"new_status"`
	ChangedBy string    `json:"changed_by"`
	Notes     string    `json:"notes"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditAction names a non-status bulk mutation for the action audit trail.
type AuditAction string

const (
	AuditAssignWorker AuditAction = "assign_worker"
	AuditSetPriority  AuditAction = "set_priority"
	AuditDelete       AuditAction = "delete"
)

// ActionAudit records an assignment, priority, or delete mutation with the
// actor who performed it. Status changes use StatusHistoryEntry instead.
type ActionAudit struct {
	ID        string      `json:"id"`
	ReportID  string      `json:"report_id"`
	Action    AuditAction `json:"action"`
	Detail    string      `json:"detail"`
	ActorID   string      `json:"actor_id"`
	CreatedAt time.Time   `json:"created_at"`
}
