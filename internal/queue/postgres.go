package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// drainLockID is the advisory lock key serializing queue drains.
const drainLockID = int64(824001)

// PostgresStore is the production Store over a sync_queue table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPostgresStore creates a queue store.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger,
		tracer: otel.Tracer("sync-queue"),
	}
}

const itemColumns = `id, resource_type, resource_id, operation, status, priority,
	attempts, max_attempts, scheduled_at, last_attempt_at,
	fhir_id, error_message, response_data, fhir_data,
	field_mapping_used, transforms_applied, validation_results,
	source_model, source_key, rule_id, created_at, updated_at`

// Create inserts a new item.
func (s *PostgresStore) Create(ctx context.Context, item *Item) error {
	if item.Status == "" {
		item.Status = StatusPending
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = DefaultMaxAttempts
	}
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = time.Now()
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_queue (resource_type, resource_id, operation, status, priority,
			attempts, max_attempts, scheduled_at, fhir_id, fhir_data,
			source_model, source_key, rule_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())
		RETURNING id, created_at, updated_at`,
		item.ResourceType, item.ResourceID, string(item.Operation), string(item.Status),
		item.Priority, item.Attempts, item.MaxAttempts, item.ScheduledAt,
		nullStr(item.FHIRID), rawOrNil(item.FHIRData),
		nullStr(item.SourceModel), nullStr(item.SourceKey), item.RuleID,
	).Scan(&item.ID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

// Update overwrites an item's mutable fields.
func (s *PostgresStore) Update(ctx context.Context, item *Item) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_queue
		SET operation = $2, status = $3, priority = $4, attempts = $5,
			scheduled_at = $6, fhir_id = $7, error_message = $8,
			response_data = $9, fhir_data = $10,
			field_mapping_used = $11, transforms_applied = $12, validation_results = $13,
			source_model = $14, source_key = $15, rule_id = $16,
			updated_at = now()
		WHERE id = $1`,
		item.ID, string(item.Operation), string(item.Status), item.Priority, item.Attempts,
		item.ScheduledAt, nullStr(item.FHIRID), nullStr(item.ErrorMessage),
		rawOrNil(item.ResponseData), rawOrNil(item.FHIRData),
		rawOrNil(item.FieldMappingUsed), rawOrNil(item.TransformsApplied), rawOrNil(item.ValidationResults),
		nullStr(item.SourceModel), nullStr(item.SourceKey), item.RuleID,
	)
	if err != nil {
		return fmt.Errorf("update queue item %d: %w", item.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID fetches one item.
func (s *PostgresStore) GetByID(ctx context.Context, id int64) (*Item, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = $1`, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// FindActive returns the pending/processing item for a key, or nil.
func (s *PostgresStore) FindActive(ctx context.Context, resourceType, resourceID string) (*Item, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+itemColumns+` FROM sync_queue
		WHERE resource_type = $1 AND resource_id = $2 AND status IN ('pending', 'processing')
		ORDER BY id
		LIMIT 1`, resourceType, resourceID)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// SelectPending returns due pending items in drain order. The select takes
// no row locks: the advisory drain lock serializes whole drains, and the
// MarkProcessing CAS arbitrates any remaining per-item race.
func (s *PostgresStore) SelectPending(ctx context.Context, limit int) ([]*Item, error) {
	ctx, span := s.tracer.Start(ctx, "queue_select_pending",
		trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	return s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM sync_queue
		WHERE status = 'pending' AND scheduled_at <= now()
		ORDER BY priority ASC, created_at ASC
		LIMIT $1`, limit)
}

// SelectFailedRetryable returns failed items still inside the retry bound,
// oldest attempt first.
func (s *PostgresStore) SelectFailedRetryable(ctx context.Context, maxRetries, limit int) ([]*Item, error) {
	return s.queryItems(ctx, `
		SELECT `+itemColumns+` FROM sync_queue
		WHERE status = 'failed' AND attempts < $1
		ORDER BY last_attempt_at ASC NULLS FIRST
		LIMIT $2`, maxRetries, limit)
}

// MarkProcessing atomically claims a pending item.
func (s *PostgresStore) MarkProcessing(ctx context.Context, id int64) (*Item, error) {
	ctx, span := s.tracer.Start(ctx, "queue_claim",
		trace.WithAttributes(attribute.Int64("item_id", id)))
	defer span.End()

	row := s.pool.QueryRow(ctx, `
		UPDATE sync_queue
		SET status = 'processing', attempts = attempts + 1,
			last_attempt_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+itemColumns, id)
	item, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotClaimable
	}
	return item, err
}

// MarkSuccess finishes an item successfully.
func (s *PostgresStore) MarkSuccess(ctx context.Context, id int64, fhirID string, response json.RawMessage) error {
	return s.finish(ctx, id, StatusSuccess, fhirID, "", response)
}

// MarkFailed finishes an attempt with an error.
func (s *PostgresStore) MarkFailed(ctx context.Context, id int64, errorMessage string, response json.RawMessage) error {
	return s.finish(ctx, id, StatusFailed, "", errorMessage, response)
}

func (s *PostgresStore) finish(ctx context.Context, id int64, status Status, fhirID, errorMessage string, response json.RawMessage) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_queue
		SET status = $2,
			fhir_id = COALESCE(NULLIF($3, ''), fhir_id),
			error_message = NULLIF($4, ''),
			response_data = COALESCE($5, response_data),
			updated_at = now()
		WHERE id = $1`,
		id, string(status), fhirID, errorMessage, rawOrNil(response))
	if err != nil {
		return fmt.Errorf("finish queue item %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCancelled stops an item without delivery.
func (s *PostgresStore) MarkCancelled(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusCancelled, false)
}

// Requeue resets a failed/cancelled item to pending with attempts = 0.
func (s *PostgresStore) Requeue(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusPending, true)
}

// SetPending returns an item to pending, attempts preserved.
func (s *PostgresStore) SetPending(ctx context.Context, id int64) error {
	return s.setStatus(ctx, id, StatusPending, false)
}

func (s *PostgresStore) setStatus(ctx context.Context, id int64, status Status, resetAttempts bool) error {
	query := `UPDATE sync_queue SET status = $2, updated_at = now() WHERE id = $1`
	if resetAttempts {
		query = `UPDATE sync_queue SET status = $2, attempts = 0, error_message = NULL, updated_at = now() WHERE id = $1`
	}
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("set queue item %d %s: %w", id, status, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeleteRequested flips all active items for a key to a delete operation
// carrying the stub document, so the deletion still goes over the wire.
func (s *PostgresStore) MarkDeleteRequested(ctx context.Context, resourceType, resourceID string, stub json.RawMessage) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sync_queue
		SET operation = 'delete', status = 'pending', fhir_data = $3, updated_at = now()
		WHERE resource_type = $1 AND resource_id = $2 AND status IN ('pending', 'processing')`,
		resourceType, resourceID, rawOrNil(stub))
	if err != nil {
		return 0, fmt.Errorf("mark delete requested %s/%s: %w", resourceType, resourceID, err)
	}
	return tag.RowsAffected(), nil
}

// Statistics returns global and per-resource-type status counts.
func (s *PostgresStore) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{
		ByStatus:       make(map[string]int64),
		ByResourceType: make(map[string]map[string]int64),
	}

	rows, err := s.pool.Query(ctx, `
		SELECT resource_type, status, COUNT(*)
		FROM sync_queue
		GROUP BY resource_type, status`)
	if err != nil {
		return nil, fmt.Errorf("queue statistics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var resourceType, status string
		var count int64
		if err := rows.Scan(&resourceType, &status, &count); err != nil {
			return nil, fmt.Errorf("scan statistics: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		if stats.ByResourceType[resourceType] == nil {
			stats.ByResourceType[resourceType] = make(map[string]int64)
		}
		stats.ByResourceType[resourceType][status] = count
	}
	return stats, rows.Err()
}

// AppendLog writes one audit entry.
func (s *PostgresStore) AppendLog(ctx context.Context, log *Log) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sync_logs (item_id, level, message, details, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, created_at`,
		log.ItemID, log.Level, log.Message, rawOrNil(log.Details),
	).Scan(&log.ID, &log.CreatedAt)
	if err != nil {
		return fmt.Errorf("append sync log: %w", err)
	}
	return nil
}

// Logs returns an item's audit trail, oldest first.
func (s *PostgresStore) Logs(ctx context.Context, itemID int64) ([]*Log, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, item_id, level, message, details, created_at
		FROM sync_logs
		WHERE item_id = $1
		ORDER BY id`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.ItemID, &l.Level, &l.Message, &l.Details, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sync log: %w", err)
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// PurgeCompleted removes success/cancelled items past the retention window.
func (s *PostgresStore) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM sync_queue
		WHERE status IN ('success', 'cancelled')
		  AND updated_at < now() - $1::interval`,
		olderThan.String())
	if err != nil {
		return 0, fmt.Errorf("purge completed items: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AcquireDrainLock takes the cluster-wide drain lock on a dedicated
// connection so the advisory lock lives for exactly the drain's duration.
func (s *PostgresStore) AcquireDrainLock(ctx context.Context) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", drainLockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", drainLockID); err != nil {
			s.logger.Warn("failed to release drain lock", zap.Error(err))
		}
		conn.Release()
	}
	return release, true, nil
}

func (s *PostgresStore) queryItems(ctx context.Context, sql string, args ...any) ([]*Item, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanItem(row pgx.Row) (*Item, error) {
	var (
		item                 Item
		operation, status    string
		fhirID, errMsg       *string
		sourceModel, srcKey  *string
	)
	err := row.Scan(&item.ID, &item.ResourceType, &item.ResourceID, &operation, &status,
		&item.Priority, &item.Attempts, &item.MaxAttempts, &item.ScheduledAt, &item.LastAttemptAt,
		&fhirID, &errMsg, &item.ResponseData, &item.FHIRData,
		&item.FieldMappingUsed, &item.TransformsApplied, &item.ValidationResults,
		&sourceModel, &srcKey, &item.RuleID, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	item.Operation = Operation(operation)
	item.Status = Status(status)
	if fhirID != nil {
		item.FHIRID = *fhirID
	}
	if errMsg != nil {
		item.ErrorMessage = *errMsg
	}
	if sourceModel != nil {
		item.SourceModel = *sourceModel
	}
	if srcKey != nil {
		item.SourceKey = *srcKey
	}
	return &item, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
