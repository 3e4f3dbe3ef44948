package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"civicsync/internal/feed"
	"civicsync/internal/models"
	"civicsync/internal/status"
	"civicsync/internal/telemetry"
)

// Kind selects the mutation a bulk run applies to every item.
type Kind string

const (
	KindStatusUpdate Kind = "status_update"
	KindAssignWorker Kind = "assign_worker"
	KindSetPriority  Kind = "set_priority"
	KindDelete       Kind = "delete"
)

// ErrPermissionDenied rejects a whole batch before any item is touched.
var ErrPermissionDenied = errors.New("actor lacks permission for this bulk operation")

// Store is the persistence capability the orchestrator dispatches to. Every
// method is an atomic per-item mutation; no cross-item transaction exists.
type Store interface {
	// Ping is the pre-flight reachability check: a dead store fails the
	// whole batch with one error instead of N identical per-item errors.
	Ping(ctx context.Context) error
	GetReport(ctx context.Context, id string) (models.Report, error)
	// UpdateStatus persists the mutated report and appends its history
	// entry in one transaction.
	UpdateStatus(ctx context.Context, report models.Report, entry models.StatusHistoryEntry) error
	AssignWorker(ctx context.Context, id, workerID string) (models.Report, error)
	SetPriority(ctx context.Context, id string, p models.Priority) (models.Report, error)
	DeleteReport(ctx context.Context, id string) error
	AppendActionAudit(ctx context.Context, a models.ActionAudit) error
	InsertNotification(ctx context.Context, n models.Notification) error
}

// EventPublisher pushes change events so other sessions converge without
// polling. feed.Publisher satisfies it; nil disables publishing.
type EventPublisher interface {
	Publish(ctx context.Context, ev feed.Event) error
}

// Params carries the per-kind mutation inputs.
type Params struct {
	Status   models.Status   `json:"status,omitempty"`
	Notes    string          `json:"notes,omitempty"`
	WorkerID string          `json:"worker_id,omitempty"`
	Priority models.Priority `json:"priority,omitempty"`
}

// ItemError pairs a failed item with a human-readable reason.
type ItemError struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// Result is the aggregate outcome of one bulk run. Partial failure is an
// expected outcome: callers inspect Errors rather than catching anything.
type Result struct {
	ProcessedCount int         `json:"processed_count"`
	FailedCount    int         `json:"failed_count"`
	Errors         []ItemError `json:"errors,omitempty"`
	Success        bool        `json:"success"`
}

// Progress is a throttled snapshot of a running bulk operation.
type Progress struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// Request describes one bulk invocation.
type Request struct {
	Kind   Kind
	IDs    []string
	Params Params
	Actor  models.User
	// OnProgress, if set, receives throttled progress snapshots plus one
	// final snapshot when every item has settled.
	OnProgress func(Progress)
}

// Orchestrator validates, dispatches, and accounts for bulk mutations with
// bounded concurrency. Each Run owns its own accumulator; instances are safe
// for concurrent use.
type Orchestrator struct {
	store            Store
	engine           *status.Engine
	publisher        EventPublisher
	workers          int
	timeout          time.Duration
	progressInterval time.Duration
	errSink          func(error)
}

// Config tunes an Orchestrator. Zero values pick the defaults: 6 workers,
// 2 minute run deadline, 200ms progress throttle.
type Config struct {
	Workers          int
	Timeout          time.Duration
	ProgressInterval time.Duration
	// OnError receives failures on the audit/notification side writes
	// that follow an already-successful mutation. Nil drops them.
	OnError func(error)
}

// NewOrchestrator builds an orchestrator over the given capabilities.
// publisher may be nil.
func NewOrchestrator(store Store, engine *status.Engine, publisher EventPublisher, cfg Config) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 6
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 200 * time.Millisecond
	}
	return &Orchestrator{
		store:            store,
		engine:           engine,
		publisher:        publisher,
		workers:          cfg.Workers,
		timeout:          cfg.Timeout,
		progressInterval: cfg.ProgressInterval,
		errSink:          cfg.OnError,
	}
}

// Run executes one bulk operation. Permission and parameter problems reject
// the whole batch with a top-level error before any item is touched; per-item
// validation and persistence failures land in Result.Errors instead.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	if err := checkPermission(req.Kind, req.Actor.Role); err != nil {
		return Result{}, err
	}
	if err := checkParams(req.Kind, req.Params); err != nil {
		return Result{}, err
	}
	// A run that is dead before any item is attempted is one top-level
	// error, not a pile of per-item errors.
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("bulk run not started: %w", err)
	}
	if err := o.store.Ping(ctx); err != nil {
		return Result{}, fmt.Errorf("store unreachable: %w", err)
	}

	telemetry.BulkRuns.Inc()

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	acc := newAccumulator(len(req.IDs), o.progressInterval, req.OnProgress)

	workers := o.workers
	if workers > len(req.IDs) {
		workers = len(req.IDs)
	}
	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := ctx.Err(); err != nil {
					acc.fail(id, fmt.Sprintf("not attempted: %v", err))
					continue
				}
				telemetry.BulkInFlight.Inc()
				err := o.applyOne(ctx, req, id)
				telemetry.BulkInFlight.Dec()
				if err != nil {
					acc.fail(id, err.Error())
				} else {
					acc.ok()
				}
			}
		}()
	}
	for _, id := range req.IDs {
		jobs <- id
	}
	close(jobs)
	wg.Wait()

	return acc.finalize(), nil
}

func checkPermission(kind Kind, role models.Role) error {
	switch kind {
	case KindDelete, KindAssignWorker:
		if role != models.RoleAdmin {
			return ErrPermissionDenied
		}
	case KindStatusUpdate, KindSetPriority:
		if role != models.RoleAdmin && role != models.RoleWorker {
			return ErrPermissionDenied
		}
	default:
		return fmt.Errorf("unknown bulk operation kind %q", kind)
	}
	return nil
}

func checkParams(kind Kind, p Params) error {
	switch kind {
	case KindStatusUpdate:
		if p.Status.Rank() < 0 {
			return fmt.Errorf("invalid target status %q", p.Status)
		}
	case KindAssignWorker:
		if p.WorkerID == "" {
			return errors.New("worker id is required for assignment")
		}
	case KindSetPriority:
		if !p.Priority.Valid() {
			return fmt.Errorf("invalid priority %q", p.Priority)
		}
	}
	return nil
}

func (o *Orchestrator) applyOne(ctx context.Context, req Request, id string) error {
	switch req.Kind {
	case KindStatusUpdate:
		return o.applyStatus(ctx, req, id)
	case KindAssignWorker:
		return o.applyAssign(ctx, req, id)
	case KindSetPriority:
		return o.applyPriority(ctx, req, id)
	case KindDelete:
		return o.applyDelete(ctx, req, id)
	default:
		return fmt.Errorf("unknown bulk operation kind %q", req.Kind)
	}
}

func (o *Orchestrator) applyStatus(ctx context.Context, req Request, id string) error {
	report, err := o.store.GetReport(ctx, id)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	updated, entry, err := o.engine.Apply(report, req.Params.Status, req.Params.Notes, req.Actor)
	if err != nil {
		return err
	}
	entry.ID = uuid.New().String()
	if err := o.store.UpdateStatus(ctx, updated, entry); err != nil {
		return fmt.Errorf("persist status change: %w", err)
	}
	o.publish(ctx, feed.Event{
		Resource: "reports",
		Action:   feed.ActionUpdate,
		RecordID: id,
		New:      mustJSON(updated),
		Old:      mustJSON(report),
	})
	return nil
}

func (o *Orchestrator) applyAssign(ctx context.Context, req Request, id string) error {
	updated, err := o.store.AssignWorker(ctx, id, req.Params.WorkerID)
	if err != nil {
		return fmt.Errorf("assign worker: %w", err)
	}
	o.audit(ctx, id, models.AuditAssignWorker, "worker="+req.Params.WorkerID, req.Actor)
	n := models.Notification{
		ID:        uuid.New().String(),
		UserID:    req.Params.WorkerID,
		Type:      models.NotifyAssignment,
		Title:     "Report assigned to you",
		Message:   fmt.Sprintf("Report %s: %s", id, updated.Title),
		CreatedAt: time.Now().UTC(),
	}
	if err := o.store.InsertNotification(ctx, n); err != nil {
		o.sink(fmt.Errorf("insert assignment notification for %s: %w", id, err))
	} else {
		o.publish(ctx, feed.Event{
			Resource: "notifications",
			Action:   feed.ActionInsert,
			RecordID: n.ID,
			New:      mustJSON(n),
		})
	}
	o.publish(ctx, feed.Event{
		Resource: "reports",
		Action:   feed.ActionUpdate,
		RecordID: id,
		New:      mustJSON(updated),
	})
	return nil
}

func (o *Orchestrator) applyPriority(ctx context.Context, req Request, id string) error {
	updated, err := o.store.SetPriority(ctx, id, req.Params.Priority)
	if err != nil {
		return fmt.Errorf("set priority: %w", err)
	}
	o.audit(ctx, id, models.AuditSetPriority, "priority="+string(req.Params.Priority), req.Actor)
	o.publish(ctx, feed.Event{
		Resource: "reports",
		Action:   feed.ActionUpdate,
		RecordID: id,
		New:      mustJSON(updated),
	})
	return nil
}

func (o *Orchestrator) applyDelete(ctx context.Context, req Request, id string) error {
	report, err := o.store.GetReport(ctx, id)
	if err != nil {
		return fmt.Errorf("load report: %w", err)
	}
	if err := o.store.DeleteReport(ctx, id); err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	o.audit(ctx, id, models.AuditDelete, "title="+report.Title, req.Actor)
	o.publish(ctx, feed.Event{
		Resource: "reports",
		Action:   feed.ActionDelete,
		RecordID: id,
		Old:      mustJSON(report),
	})
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, reportID string, action models.AuditAction, detail string, actor models.User) {
	err := o.store.AppendActionAudit(ctx, models.ActionAudit{
		ID:        uuid.New().String(),
		ReportID:  reportID,
		Action:    action,
		Detail:    detail,
		ActorID:   actor.ID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		o.sink(fmt.Errorf("append %s audit for %s: %w", action, reportID, err))
	}
}

func (o *Orchestrator) sink(err error) {
	if o.errSink != nil {
		o.errSink(err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, ev feed.Event) {
	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.sink(fmt.Errorf("publish %s %s event for %s: %w", ev.Resource, ev.Action, ev.RecordID, err))
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// accumulator tracks per-item outcomes for one run and throttles progress
// callbacks so large batches cannot flood the UI.
type accumulator struct {
	mu         sync.Mutex
	total      int
	processed  int
	failed     int
	errors     []ItemError
	onProgress func(Progress)
	interval   time.Duration
	lastEmit   time.Time
}

func newAccumulator(total int, interval time.Duration, onProgress func(Progress)) *accumulator {
	return &accumulator{total: total, interval: interval, onProgress: onProgress, lastEmit: time.Now()}
}

func (a *accumulator) ok() {
	a.mu.Lock()
	a.processed++
	telemetry.BulkItemsProcessed.Inc()
	a.emitLocked(false)
	a.mu.Unlock()
}

func (a *accumulator) fail(id, reason string) {
	a.mu.Lock()
	a.failed++
	a.errors = append(a.errors, ItemError{ItemID: id, Reason: reason})
	telemetry.BulkItemsFailed.Inc()
	a.emitLocked(false)
	a.mu.Unlock()
}

func (a *accumulator) emitLocked(force bool) {
	if a.onProgress == nil {
		return
	}
	now := time.Now()
	if !force && now.Sub(a.lastEmit) < a.interval {
		return
	}
	a.lastEmit = now
	a.onProgress(Progress{Processed: a.processed, Failed: a.failed, Total: a.total})
}

func (a *accumulator) finalize() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.emitLocked(true)
	return Result{
		ProcessedCount: a.processed,
		FailedCount:    a.failed,
		Errors:         a.errors,
		Success:        a.failed == 0 && a.processed > 0,
	}
}
