// Package queue implements the durable, prioritized sync queue: the single
// source of truth for outbound synchronization state.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Operation is the outbound action a queue item carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Status is the queue item state machine:
// pending -> processing -> success | failed; failed/cancelled -> pending on
// requeue. Cancelled items are skipped by drains until explicitly requeued.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Lower priority number is more urgent.
const (
	PriorityRealtime = 50
	PriorityPatient  = 60
	PriorityDefault  = 100
)

// DefaultMaxAttempts bounds automatic retries per item.
const DefaultMaxAttempts = 3

var (
	// ErrNotFound is returned when a queue item does not exist.
	ErrNotFound = errors.New("queue item not found")
	// ErrNotClaimable is returned when the pending->processing claim loses
	// the compare-and-swap (another worker got the item, or its status
	// changed underneath us).
	ErrNotClaimable = errors.New("queue item not claimable")
)

// Item is one unit of outbound sync work.
type Item struct {
	ID           int64
	ResourceType string
	ResourceID   string
	Operation    Operation
	Status       Status
	Priority     int

	Attempts      int
	MaxAttempts   int
	ScheduledAt   time.Time
	LastAttemptAt *time.Time

	FHIRID       string
	ErrorMessage string
	ResponseData json.RawMessage

	// FHIRData is the document to deliver, attached at enqueue time and
	// refreshed by the rule-based path at delivery time.
	FHIRData json.RawMessage

	// Traceability: what mapping/transform/validation actually ran for the
	// last attempt.
	FieldMappingUsed  json.RawMessage
	TransformsApplied json.RawMessage
	ValidationResults json.RawMessage

	// Weak back-reference to the originating local record. Used only to
	// read current field values and to write back fhir_id after success.
	SourceModel string
	SourceKey   string

	// RuleID links the item to the sync rule that produced it, when any.
	RuleID *int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the item occupies the (resource_type, resource_id)
// slot: at most one pending/processing item may exist per key.
func (i *Item) Active() bool {
	return i.Status == StatusPending || i.Status == StatusProcessing
}

// Retryable reports whether the automatic retry sweep may pick the item up.
func (i *Item) Retryable(maxRetries int) bool {
	return i.Status == StatusFailed && i.Attempts < maxRetries
}

// Log is one append-only audit entry for a queue item.
type Log struct {
	ID        int64
	ItemID    int64
	Level     string // debug | info | warning | error
	Message   string
	Details   json.RawMessage
	CreatedAt time.Time
}

// Log levels.
const (
	LogDebug   = "debug"
	LogInfo    = "info"
	LogWarning = "warning"
	LogError   = "error"
)

// Statistics summarizes queue state globally and per resource type.
type Statistics struct {
	Total          int64                       `json:"total"`
	ByStatus       map[string]int64            `json:"by_status"`
	ByResourceType map[string]map[string]int64 `json:"by_resource_type"`
}

// Store is the persistence contract for the sync queue. The Postgres
// implementation backs production; queuetest.Store backs tests.
type Store interface {
	// Create inserts a new item and fills in ID/timestamps.
	Create(ctx context.Context, item *Item) error
	// Update overwrites an item's mutable fields.
	Update(ctx context.Context, item *Item) error
	// GetByID fetches one item, ErrNotFound when absent.
	GetByID(ctx context.Context, id int64) (*Item, error)
	// FindActive returns the pending/processing item for a key, or nil.
	FindActive(ctx context.Context, resourceType, resourceID string) (*Item, error)

	// SelectPending returns due pending items ordered by
	// (priority ASC, created_at ASC), capped at limit.
	SelectPending(ctx context.Context, limit int) ([]*Item, error)
	// SelectFailedRetryable returns failed items with attempts < maxRetries,
	// oldest attempt first.
	SelectFailedRetryable(ctx context.Context, maxRetries, limit int) ([]*Item, error)

	// MarkProcessing atomically claims a pending item: increments attempts,
	// stamps last_attempt_at. ErrNotClaimable when the CAS loses.
	MarkProcessing(ctx context.Context, id int64) (*Item, error)
	// MarkSuccess finishes an item, recording the server-assigned id.
	MarkSuccess(ctx context.Context, id int64, fhirID string, response json.RawMessage) error
	// MarkFailed finishes an attempt with an error.
	MarkFailed(ctx context.Context, id int64, errorMessage string, response json.RawMessage) error
	// MarkCancelled stops an item without delivery.
	MarkCancelled(ctx context.Context, id int64) error
	// Requeue resets a failed/cancelled item to pending with attempts = 0.
	Requeue(ctx context.Context, id int64) error
	// SetPending returns a failed item to pending, attempts preserved.
	SetPending(ctx context.Context, id int64) error

	// MarkDeleteRequested flips all active items for a key to a delete
	// operation with a stub document, returning how many were flipped.
	MarkDeleteRequested(ctx context.Context, resourceType, resourceID string, stub json.RawMessage) (int64, error)

	Statistics(ctx context.Context) (*Statistics, error)

	AppendLog(ctx context.Context, log *Log) error
	Logs(ctx context.Context, itemID int64) ([]*Log, error)

	// PurgeCompleted deletes success/cancelled items older than the
	// retention window, returning the number removed.
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error)

	// AcquireDrainLock takes the cluster-wide drain lock so overlapping
	// scheduler invocations do not double-process a batch. Returns false
	// when another drain holds it; release is non-nil only when acquired.
	AcquireDrainLock(ctx context.Context) (release func(), acquired bool, err error)
}
