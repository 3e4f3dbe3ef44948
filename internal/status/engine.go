package status

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"civicsync/internal/models"
)

// ErrMissingNotes is returned when a transition into resolved or closed is
// attempted without resolution notes.
var ErrMissingNotes = errors.New("notes are required for resolved and closed statuses")

// TransitionError reports an illegal status transition for a role.
type TransitionError struct {
	Role models.Role
	From models.Status
	To   models.Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("role %s may not move a report from %s to %s", e.Role, e.From, e.To)
}

// Engine gates which status changes are legal for a given actor role.
// It is stateless: Apply returns the mutated report copy and the history
// entry to persist, leaving storage to the caller in one logical unit.
type Engine struct {
	allowed map[transitionKey]map[models.Status]struct{}
}

type transitionKey struct {
	role models.Role
	from models.Status
}

// NewEngine builds the legality table once.
//
// Admin may make any strictly forward jump plus the resolved -> in_progress
// reopen. Worker is limited to forward moves within acknowledged,
// in_progress, and resolved. Citizens never change status. A no-op
// transition (to == from) is always illegal: history entries record actual
// changes.
func NewEngine() *Engine {
	e := &Engine{allowed: make(map[transitionKey]map[models.Status]struct{})}

	for _, from := range models.Statuses {
		for _, to := range models.Statuses {
			if to.Rank() > from.Rank() {
				e.allow(models.RoleAdmin, from, to)
			}
		}
	}
	e.allow(models.RoleAdmin, models.StatusResolved, models.StatusInProgress)

	workerStates := []models.Status{models.StatusAcknowledged, models.StatusInProgress, models.StatusResolved}
	for _, from := range workerStates {
		for _, to := range workerStates {
			if to.Rank() > from.Rank() {
				e.allow(models.RoleWorker, from, to)
			}
		}
	}

	return e
}

func (e *Engine) allow(role models.Role, from, to models.Status) {
	k := transitionKey{role: role, from: from}
	if e.allowed[k] == nil {
		e.allowed[k] = make(map[models.Status]struct{})
	}
	e.allowed[k][to] = struct{}{}
}

// CanTransition reports whether role may move a report from one status to
// another.
func (e *Engine) CanTransition(role models.Role, from, to models.Status) bool {
	targets, ok := e.allowed[transitionKey{role: role, from: from}]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

// Validate checks the evidence rules for a target status: resolved and
// closed require non-empty notes.
func (e *Engine) Validate(to models.Status, notes string) error {
	if to != models.StatusResolved && to != models.StatusClosed {
		return nil
	}
	if strings.TrimSpace(notes) == "" {
		return ErrMissingNotes
	}
	return nil
}

// Apply performs the transition if both the legality and evidence checks
// pass. It returns the updated report and the history entry to persist; on
// failure it returns a typed error and the report is untouched.
func (e *Engine) Apply(report models.Report, to models.Status, notes string, actor models.User) (models.Report, models.StatusHistoryEntry, error) {
	if !e.CanTransition(actor.Role, report.Status, to) {
		return report, models.StatusHistoryEntry{}, &TransitionError{Role: actor.Role, From: report.Status, To: to}
	}
	if err := e.Validate(to, notes); err != nil {
		return report, models.StatusHistoryEntry{}, err
	}

	now := time.Now().UTC()
	entry := models.StatusHistoryEntry{
		ReportID:  report.ID,
		OldStatus: report.Status,
		NewStatus: to,
		ChangedBy: actor.ID,
		Notes:     notes,
		CreatedAt: now,
	}

	updated := report
	updated.Status = to
	updated.UpdatedAt = now
	switch {
	case to == models.StatusResolved || to == models.StatusClosed:
		if updated.ResolvedAt == nil {
			updated.ResolvedAt = &now
		}
	default:
		// Reopen clears the resolution timestamp so it stays set only
		// while the report is resolved or later.
		updated.ResolvedAt = nil
	}

	return updated, entry, nil
}

// IsIllegalTransition reports whether err is a transition legality failure.
func IsIllegalTransition(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
