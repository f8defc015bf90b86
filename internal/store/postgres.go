package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"dealer-posting-engine/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence of tasks, lifecycle records,
// events, session bundles, and automation patterns. No transaction spans
// more than one entity type.
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

// ---- posting tasks ----

// CreateTask inserts a new posting task row.
func (s *Store) CreateTask(ctx context.Context, t models.PostingTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO posting_tasks (id, account_id, vehicle_id, lifecycle_record_id, execution_method, priority, payload, pattern_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`, t.ID, t.AccountID, t.VehicleID, t.LifecycleRecordID, t.ExecutionMethod, t.Priority, payload, t.PatternID, t.Status, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.PostingTask, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, vehicle_id, lifecycle_record_id, execution_method, priority, payload, pattern_id, status, created_at, updated_at
		FROM posting_tasks WHERE id = $1
	`, id)

	var t models.PostingTask
	var payload []byte
	if err := row.Scan(&t.ID, &t.AccountID, &t.VehicleID, &t.LifecycleRecordID, &t.ExecutionMethod, &t.Priority, &payload, &t.PatternID, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.PostingTask{}, ErrNotFound
		}
		return models.PostingTask{}, fmt.Errorf("scan task: %w", err)
	}
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return models.PostingTask{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return t, nil
}

// UpdateTaskStatus sets the task status.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE posting_tasks SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- lifecycle records ----

// CreateRecord inserts a lifecycle record.
func (s *Store) CreateRecord(ctx context.Context, r models.LifecycleRecord) error {
	history, err := json.Marshal(r.StageHistory)
	if err != nil {
		return fmt.Errorf("marshal stage history: %w", err)
	}
	factors, err := json.Marshal(r.RiskFactors)
	if err != nil {
		return fmt.Errorf("marshal risk factors: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO lifecycle_records (id, account_id, vehicle_id, method, trigger_type, status, stage, stage_history, risk_level, risk_factors, attempt_number, parent_record_id, retry_count, initiated_at, queued_at, processing_at, completed_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, r.ID, r.AccountID, r.VehicleID, r.Method, r.TriggerType, r.Status, r.Stage, history, r.RiskLevel, factors,
		r.AttemptNumber, r.ParentRecordID, r.RetryCount, r.InitiatedAt, r.QueuedAt, r.ProcessingAt, r.CompletedAt, r.Duration)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetRecord fetches a lifecycle record by id.
func (s *Store) GetRecord(ctx context.Context, id string) (models.LifecycleRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, vehicle_id, method, trigger_type, status, stage, stage_history, risk_level, risk_factors, attempt_number, parent_record_id, retry_count, initiated_at, queued_at, processing_at, completed_at, duration_seconds
		FROM lifecycle_records WHERE id = $1
	`, id)
	return scanRecord(row)
}

// UpdateRecord persists the mutable fields of a lifecycle record
// (last-write-wins; updates are monotonic appends plus terminal stamps).
func (s *Store) UpdateRecord(ctx context.Context, r models.LifecycleRecord) error {
	history, err := json.Marshal(r.StageHistory)
	if err != nil {
		return fmt.Errorf("marshal stage history: %w", err)
	}
	factors, err := json.Marshal(r.RiskFactors)
	if err != nil {
		return fmt.Errorf("marshal risk factors: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE lifecycle_records
		SET status = $2, stage = $3, stage_history = $4, risk_level = $5, risk_factors = $6,
		    retry_count = $7, queued_at = $8, processing_at = $9, completed_at = $10, duration_seconds = $11
		WHERE id = $1
	`, r.ID, r.Status, r.Stage, history, r.RiskLevel, factors, r.RetryCount, r.QueuedAt, r.ProcessingAt, r.CompletedAt, r.Duration)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRecordsByVehicle returns records for a vehicle ordered by initiation.
func (s *Store) ListRecordsByVehicle(ctx context.Context, vehicleID string, limit int) ([]models.LifecycleRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, vehicle_id, method, trigger_type, status, stage, stage_history, risk_level, risk_factors, attempt_number, parent_record_id, retry_count, initiated_at, queued_at, processing_at, completed_at, duration_seconds
		FROM lifecycle_records WHERE vehicle_id = $1
		ORDER BY initiated_at DESC LIMIT $2
	`, vehicleID, limit)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []models.LifecycleRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (models.LifecycleRecord, error) {
	var r models.LifecycleRecord
	var history, factors []byte
	var parent pgtype.Text
	var queuedAt, processingAt, completedAt pgtype.Timestamptz

	if err := row.Scan(&r.ID, &r.AccountID, &r.VehicleID, &r.Method, &r.TriggerType, &r.Status, &r.Stage,
		&history, &r.RiskLevel, &factors, &r.AttemptNumber, &parent, &r.RetryCount,
		&r.InitiatedAt, &queuedAt, &processingAt, &completedAt, &r.Duration); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.LifecycleRecord{}, ErrNotFound
		}
		return models.LifecycleRecord{}, fmt.Errorf("scan record: %w", err)
	}
	if err := json.Unmarshal(history, &r.StageHistory); err != nil {
		return models.LifecycleRecord{}, fmt.Errorf("unmarshal stage history: %w", err)
	}
	if err := json.Unmarshal(factors, &r.RiskFactors); err != nil {
		return models.LifecycleRecord{}, fmt.Errorf("unmarshal risk factors: %w", err)
	}
	if parent.Valid {
		r.ParentRecordID = &parent.String
	}
	r.QueuedAt = tsPtr(queuedAt)
	r.ProcessingAt = tsPtr(processingAt)
	r.CompletedAt = tsPtr(completedAt)
	return r, nil
}

// ---- lifecycle events ----

// AppendEvent inserts an event row; events are never updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, e models.LifecycleEvent) error {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal details: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lifecycle_events (id, record_id, event_type, stage, message, source, details, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.RecordID, e.EventType, e.Stage, e.Message, e.Source, details, e.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns a record's events ordered by time.
func (s *Store) ListEvents(ctx context.Context, recordID string) ([]models.LifecycleEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, event_type, stage, message, source, details, recorded_at
		FROM lifecycle_events WHERE record_id = $1 ORDER BY recorded_at ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []models.LifecycleEvent
	for rows.Next() {
		var e models.LifecycleEvent
		var details []byte
		if err := rows.Scan(&e.ID, &e.RecordID, &e.EventType, &e.Stage, &e.Message, &e.Source, &details, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("unmarshal details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- session bundles ----

// PutSessionBundle replaces the stored bundle for an account. Re-capture
// replaces rather than mutates.
func (s *Store) PutSessionBundle(ctx context.Context, b models.SessionBundle) error {
	entries, err := json.Marshal(b.Entries)
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO session_bundles (account_id, entries, fingerprint, captured_at, status, recovery_secret_enrolled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id) DO UPDATE
		SET entries = EXCLUDED.entries, fingerprint = EXCLUDED.fingerprint,
		    captured_at = EXCLUDED.captured_at, status = EXCLUDED.status,
		    recovery_secret_enrolled = EXCLUDED.recovery_secret_enrolled
	`, b.AccountID, entries, b.Fingerprint, b.CapturedAt, b.Status, b.RecoverySecretEnrolled)
	if err != nil {
		return fmt.Errorf("upsert session bundle: %w", err)
	}
	return nil
}

// GetSessionBundle fetches the bundle for an account.
func (s *Store) GetSessionBundle(ctx context.Context, accountID string) (models.SessionBundle, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT account_id, entries, fingerprint, captured_at, status, recovery_secret_enrolled
		FROM session_bundles WHERE account_id = $1
	`, accountID)

	var b models.SessionBundle
	var entries []byte
	if err := row.Scan(&b.AccountID, &entries, &b.Fingerprint, &b.CapturedAt, &b.Status, &b.RecoverySecretEnrolled); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SessionBundle{}, ErrNotFound
		}
		return models.SessionBundle{}, fmt.Errorf("scan session bundle: %w", err)
	}
	if err := json.Unmarshal(entries, &b.Entries); err != nil {
		return models.SessionBundle{}, fmt.Errorf("unmarshal entries: %w", err)
	}
	return b, nil
}

// MarkSessionStatus updates only the status column.
func (s *Store) MarkSessionStatus(ctx context.Context, accountID, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE session_bundles SET status = $2 WHERE account_id = $1
	`, accountID, status)
	if err != nil {
		return fmt.Errorf("mark session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRecoverySecret stores the recovery secret and flips the enrollment flag.
func (s *Store) SetRecoverySecret(ctx context.Context, accountID, secret string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE session_bundles SET recovery_secret = $2, recovery_secret_enrolled = ($2 <> '') WHERE account_id = $1
	`, accountID, secret)
	if err != nil {
		return fmt.Errorf("set recovery secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRecoverySecret fetches the enrolled recovery secret, if any.
func (s *Store) GetRecoverySecret(ctx context.Context, accountID string) (string, error) {
	var secret string
	err := s.pool.QueryRow(ctx, `
		SELECT recovery_secret FROM session_bundles WHERE account_id = $1
	`, accountID).Scan(&secret)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query recovery secret: %w", err)
	}
	return secret, nil
}

// ListSessionAccounts returns every account holding a stored bundle.
func (s *Store) ListSessionAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT account_id FROM session_bundles ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("query session accounts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- automation patterns ----

// CreatePattern inserts a pattern row.
func (s *Store) CreatePattern(ctx context.Context, p models.AutomationPattern) error {
	tags, err := json.Marshal(p.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_patterns (id, name, category, tags, code, success_count, failure_count, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, p.ID, p.Name, p.Category, tags, p.Code, p.SuccessCount, p.FailureCount, p.IsActive, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pattern: %w", err)
	}
	return nil
}

// GetPattern fetches a pattern by id.
func (s *Store) GetPattern(ctx context.Context, id string) (models.AutomationPattern, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, category, tags, code, success_count, failure_count, is_active, created_at, updated_at
		FROM automation_patterns WHERE id = $1
	`, id)
	return scanPattern(row)
}

// ListActivePatterns returns every active pattern.
func (s *Store) ListActivePatterns(ctx context.Context) ([]models.AutomationPattern, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, category, tags, code, success_count, failure_count, is_active, created_at, updated_at
		FROM automation_patterns WHERE is_active ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query patterns: %w", err)
	}
	defer rows.Close()

	var out []models.AutomationPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IncrementPatternOutcome bumps the success or failure counter.
func (s *Store) IncrementPatternOutcome(ctx context.Context, id string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE automation_patterns SET %s = %s + 1, updated_at = NOW() WHERE id = $1
	`, col, col), id)
	if err != nil {
		return fmt.Errorf("increment pattern outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPattern(row rowScanner) (models.AutomationPattern, error) {
	var p models.AutomationPattern
	var tags []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &tags, &p.Code, &p.SuccessCount, &p.FailureCount, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AutomationPattern{}, ErrNotFound
		}
		return models.AutomationPattern{}, fmt.Errorf("scan pattern: %w", err)
	}
	if err := json.Unmarshal(tags, &p.Tags); err != nil {
		return models.AutomationPattern{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	return p, nil
}

func tsPtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}
