package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"civicsync/internal/models"
)

// ErrNotFound is returned when a report or notification does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence. Every mutation is atomic
// per item; bulk runs never span items with one transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateReportParams collects inputs for inserting a new report.
type CreateReportParams struct {
	Title       string
	Description string
	Priority    models.Priority
	ReporterID  string
}

// CreateReport inserts a report in the pending state.
func (s *Store) CreateReport(ctx context.Context, p CreateReportParams) (models.Report, error) {
	if !p.Priority.Valid() {
		p.Priority = models.PriorityMedium
	}
	now := time.Now().UTC()
	report := models.Report{
		ID:          uuid.New().String(),
		Title:       p.Title,
		Description: p.Description,
		Status:      models.StatusPending,
		Priority:    p.Priority,
		ReporterID:  p.ReporterID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reports (id, title, description, status, priority, reporter_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, report.ID, report.Title, report.Description, report.Status, report.Priority, report.ReporterID, now)
	if err != nil {
		return models.Report{}, fmt.Errorf("insert report: %w", err)
	}
	return report, nil
}

// GetReport fetches a report by id.
func (s *Store) GetReport(ctx context.Context, id string) (models.Report, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, description, status, priority, assigned_worker_id, reporter_id, resolved_at, created_at, updated_at
		FROM reports WHERE id = $1
	`, id)
	return scanReport(row)
}

// UpdateStatus persists a validated status change and its history entry in
// one transaction, so a report row can never drift from its audit trail.
func (s *Store) UpdateStatus(ctx context.Context, report models.Report, entry models.StatusHistoryEntry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		UPDATE reports SET status = $2, resolved_at = $3, updated_at = $4 WHERE id = $1
	`, report.ID, report.Status, report.ResolvedAt, report.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update report status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO status_history (id, report_id, old_status, new_status, changed_by, notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.ID, entry.ReportID, entry.OldStatus, entry.NewStatus, entry.ChangedBy, entry.Notes, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AssignWorker sets the assigned worker and returns the updated report.
func (s *Store) AssignWorker(ctx context.Context, id, workerID string) (models.Report, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE reports SET assigned_worker_id = $2, updated_at = NOW() WHERE id = $1
		RETURNING id, title, description, status, priority, assigned_worker_id, reporter_id, resolved_at, created_at, updated_at
	`, id, workerID)
	return scanReport(row)
}

// SetPriority updates the triage priority and returns the updated report.
func (s *Store) SetPriority(ctx context.Context, id string, p models.Priority) (models.Report, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE reports SET priority = $2, updated_at = NOW() WHERE id = $1
		RETURNING id, title, description, status, priority, assigned_worker_id, reporter_id, resolved_at, created_at, updated_at
	`, id, p)
	return scanReport(row)
}

// DeleteReport removes a report row. History and audit rows are kept.
func (s *Store) DeleteReport(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListHistory returns the status timeline for a report, oldest first.
func (s *Store) ListHistory(ctx context.Context, reportID string) ([]models.StatusHistoryEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, report_id, old_status, new_status, changed_by, notes, created_at
		FROM status_history WHERE report_id = $1 ORDER BY created_at ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("query status history: %w", err)
	}
	defer rows.Close()

	var entries []models.StatusHistoryEntry
	for rows.Next() {
		var e models.StatusHistoryEntry
		if err := rows.Scan(&e.ID, &e.ReportID, &e.OldStatus, &e.NewStatus, &e.ChangedBy, &e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AppendActionAudit adds one assignment/priority/delete audit row.
func (s *Store) AppendActionAudit(ctx context.Context, a models.ActionAudit) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO action_audits (id, report_id, action, detail, actor_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, a.ID, a.ReportID, a.Action, a.Detail, a.ActorID, a.CreatedAt)
	return err
}

// InsertNotification creates one in-app notification row.
func (s *Store) InsertNotification(ctx context.Context, n models.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, n.Read, n.CreatedAt)
	return err
}

// ListNotifications returns a user's notifications, newest first.
func (s *Store) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, type, title, message, read, created_at
		FROM notifications WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkNotificationRead flips the read flag. Notifications are never deleted.
func (s *Store) MarkNotificationRead(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Preferences returns a user's delivery flags, defaulting to everything
// enabled when no row exists.
func (s *Store) Preferences(ctx context.Context, userID string) (models.NotificationPreferences, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT prefs FROM notification_preferences WHERE user_id = $1
	`, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DefaultPreferences(userID), nil
	}
	if err != nil {
		return models.NotificationPreferences{}, fmt.Errorf("query preferences: %w", err)
	}
	var prefs models.NotificationPreferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return models.NotificationPreferences{}, fmt.Errorf("decode preferences: %w", err)
	}
	prefs.UserID = userID
	return prefs, nil
}

// UpsertPreferences stores a user's delivery flags.
func (s *Store) UpsertPreferences(ctx context.Context, prefs models.NotificationPreferences) error {
	raw, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notification_preferences (user_id, prefs) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET prefs = EXCLUDED.prefs
	`, prefs.UserID, raw)
	return err
}

func scanReport(row pgx.Row) (models.Report, error) {
	var r models.Report
	var worker pgtype.Text
	var resolved pgtype.Timestamptz
	err := row.Scan(&r.ID, &r.Title, &r.Description, &r.Status, &r.Priority, &worker, &r.ReporterID, &resolved, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Report{}, ErrNotFound
	}
	if err != nil {
		return models.Report{}, fmt.Errorf("scan report: %w", err)
	}
	if worker.Valid {
		r.AssignedWorkerID = &worker.String
	}
	if resolved.Valid {
		t := resolved.Time
		r.ResolvedAt = &t
	}
	return r, nil
}
