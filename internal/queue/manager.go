package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/carelink/fhirbridge/internal/fhir/mapper"
	"github.com/carelink/fhirbridge/internal/hms"
	"github.com/carelink/fhirbridge/internal/rule"
	"github.com/carelink/fhirbridge/pkg/workerpool"
)

// Syncer is the per-item delivery contract the manager drives. SyncResource
// owns all item state transitions and never propagates an error out of one
// item's processing; it reports only whether the item ended in success.
type Syncer interface {
	SyncResource(ctx context.Context, item *Item) bool
	CheckServerAvailability(ctx context.Context) bool
}

// RuleSource exposes the enabled sync rules to bulk sync.
type RuleSource interface {
	Enabled(ctx context.Context) ([]*rule.Rule, error)
}

// Manager implements batch operations over the queue: enqueue/dedupe, drain,
// retry sweep, statistics, and full (bulk) sync.
type Manager struct {
	store   Store
	syncer  Syncer
	records hms.Lister
	rules   RuleSource
	logger  *zap.Logger
}

// NewManager creates a queue manager. records and rules may be nil when bulk
// sync is not used (e.g. API-only deployments).
func NewManager(store Store, syncer Syncer, records hms.Lister, rules RuleSource, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, syncer: syncer, records: records, rules: rules, logger: logger}
}

// QueueRequest describes one enqueue call.
type QueueRequest struct {
	ResourceType string
	ResourceID   string
	Operation    Operation
	Priority     int
	// Data is the FHIR document; derived from Source when nil.
	Data json.RawMessage
	// Source is the originating local record; captured as a weak reference.
	Source hms.Record
	RuleID *int64
}

// QueueResource enqueues one sync operation. Re-enqueuing while an item for
// the same (resource_type, resource_id) is still active overwrites it in
// place — data, operation and priority replaced, attempts reset — so at most
// one in-flight item exists per key.
func (m *Manager) QueueResource(ctx context.Context, req QueueRequest) (*Item, error) {
	if req.ResourceType == "" || req.ResourceID == "" {
		return nil, fmt.Errorf("resource type and id are required")
	}
	if req.Operation == "" {
		req.Operation = OpUpdate
	}
	if req.Priority == 0 {
		req.Priority = PriorityDefault
	}

	data := req.Data
	if len(data) == 0 && req.Source != nil {
		mapped, err := mapper.Map(req.Source)
		if err != nil {
			return nil, fmt.Errorf("derive document: %w", err)
		}
		data = mapped
	}

	existing, err := m.store.FindActive(ctx, req.ResourceType, req.ResourceID)
	if err != nil {
		return nil, fmt.Errorf("find active item: %w", err)
	}

	if existing != nil {
		existing.Operation = req.Operation
		existing.Priority = req.Priority
		existing.Status = StatusPending
		existing.Attempts = 0
		existing.ErrorMessage = ""
		if len(data) > 0 {
			existing.FHIRData = data
		}
		if req.Source != nil {
			existing.SourceModel = req.Source.Model()
			existing.SourceKey = req.Source.ResourceID()
		}
		if req.RuleID != nil {
			existing.RuleID = req.RuleID
		}
		if err := m.store.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("update active item: %w", err)
		}
		m.logger.Debug("queue item updated in place",
			zap.Int64("item_id", existing.ID),
			zap.String("resource_type", req.ResourceType),
			zap.String("resource_id", req.ResourceID))
		return existing, nil
	}

	item := &Item{
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Operation:    req.Operation,
		Status:       StatusPending,
		Priority:     req.Priority,
		MaxAttempts:  DefaultMaxAttempts,
		FHIRData:     data,
		RuleID:       req.RuleID,
	}
	if req.Source != nil {
		item.SourceModel = req.Source.Model()
		item.SourceKey = req.Source.ResourceID()
	}
	if err := m.store.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("create queue item: %w", err)
	}

	m.logger.Debug("queue item created",
		zap.Int64("item_id", item.ID),
		zap.String("resource_type", req.ResourceType),
		zap.String("resource_id", req.ResourceID),
		zap.String("operation", string(req.Operation)))
	return item, nil
}

// BatchResult tallies one drain or retry sweep.
type BatchResult struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// ProcessQueue drains up to limit due pending items sequentially in
// (priority, created_at) order. The drain is skipped when the remote server
// is unreachable or another drain holds the cluster lock.
func (m *Manager) ProcessQueue(ctx context.Context, limit int) (BatchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	if !m.syncer.CheckServerAvailability(ctx) {
		return BatchResult{}, fmt.Errorf("fhir server unavailable, skipping drain")
	}

	release, acquired, err := m.store.AcquireDrainLock(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("drain lock: %w", err)
	}
	if !acquired {
		m.logger.Info("drain already in progress, skipping")
		return BatchResult{}, nil
	}
	defer release()

	items, err := m.store.SelectPending(ctx, limit)
	if err != nil {
		return BatchResult{}, fmt.Errorf("select pending: %w", err)
	}

	result := m.syncBatch(ctx, items)
	m.logger.Info("queue drained",
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	return result, nil
}

// RetryFailedItems returns failed items inside the retry bound to pending
// (attempts preserved) and immediately attempts each one.
func (m *Manager) RetryFailedItems(ctx context.Context, maxRetries int) (BatchResult, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxAttempts
	}

	if !m.syncer.CheckServerAvailability(ctx) {
		return BatchResult{}, fmt.Errorf("fhir server unavailable, skipping retry sweep")
	}

	items, err := m.store.SelectFailedRetryable(ctx, maxRetries, 100)
	if err != nil {
		return BatchResult{}, fmt.Errorf("select failed items: %w", err)
	}

	var result BatchResult
	for _, item := range items {
		if err := m.store.SetPending(ctx, item.ID); err != nil {
			m.logger.Error("failed to reset item for retry",
				zap.Int64("item_id", item.ID), zap.Error(err))
			continue
		}
		item.Status = StatusPending
		result.Total++
		if m.syncer.SyncResource(ctx, item) {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}

	m.logger.Info("retry sweep finished",
		zap.Int("total", result.Total),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	return result, nil
}

func (m *Manager) syncBatch(ctx context.Context, items []*Item) BatchResult {
	var result BatchResult
	for _, item := range items {
		result.Total++
		if m.syncer.SyncResource(ctx, item) {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	return result
}

// Statistics returns queue counts by status and resource type.
func (m *Manager) Statistics(ctx context.Context) (*Statistics, error) {
	return m.store.Statistics(ctx)
}

// RequeueItem resets a failed/cancelled item to pending with attempts reset.
func (m *Manager) RequeueItem(ctx context.Context, id int64) error {
	item, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if item.Status != StatusFailed && item.Status != StatusCancelled {
		return fmt.Errorf("item %d is %s, only failed or cancelled items can be requeued", id, item.Status)
	}
	return m.store.Requeue(ctx, id)
}

// CancelItem stops an item from being delivered.
func (m *Manager) CancelItem(ctx context.Context, id int64) error {
	item, err := m.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !item.Active() {
		return fmt.Errorf("item %d is %s, only active items can be cancelled", id, item.Status)
	}
	return m.store.MarkCancelled(ctx, id)
}

// ItemLogs returns one item's audit trail.
func (m *Manager) ItemLogs(ctx context.Context, id int64) ([]*Log, error) {
	if _, err := m.store.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return m.store.Logs(ctx, id)
}

// FullSyncResult tallies one bulk sync run.
type FullSyncResult struct {
	Enqueued int         `json:"enqueued"`
	Skipped  int         `json:"skipped"`
	Drain    BatchResult `json:"drain"`
}

// FullSync enqueues every record covered by the enabled rules (optionally
// restricted to specific resource types) using a bounded worker pool, then
// drains the queue. Records are enqueued as updates; delivery falls back to
// create for resources the server has never seen.
func (m *Manager) FullSync(ctx context.Context, resourceTypes ...string) (*FullSyncResult, error) {
	if m.records == nil || m.rules == nil {
		return nil, fmt.Errorf("bulk sync requires a record lister and rule source")
	}

	rules, err := m.rules.Enabled(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}

	wanted := make(map[string]bool, len(resourceTypes))
	for _, rt := range resourceTypes {
		wanted[rt] = true
	}

	pool := workerpool.New(workerpool.DefaultConfig(), m.logger)
	pool.Start()

	var enqueued, skipped int64
	for _, r := range rules {
		if len(wanted) > 0 && !wanted[r.ResourceType] {
			continue
		}
		records, err := m.records.ListRecords(ctx, r.SourceModel, r.Filter)
		if err != nil {
			m.logger.Error("failed to list records for bulk sync",
				zap.String("model", r.SourceModel), zap.Error(err))
			continue
		}

		ruleID := r.ID
		resourceType := r.ResourceType
		for _, rec := range records {
			record := rec
			task := workerpool.Task{
				ID: resourceType + "/" + record.ResourceID(),
				Run: func(taskCtx context.Context) error {
					_, err := m.QueueResource(taskCtx, QueueRequest{
						ResourceType: resourceType,
						ResourceID:   record.ResourceID(),
						Operation:    OpUpdate,
						Priority:     PriorityDefault,
						Source:       record,
						RuleID:       &ruleID,
					})
					if err != nil {
						atomic.AddInt64(&skipped, 1)
						return err
					}
					atomic.AddInt64(&enqueued, 1)
					return nil
				},
			}
			if err := pool.Submit(task); err != nil {
				atomic.AddInt64(&skipped, 1)
			}
		}
	}
	_ = pool.Stop()

	result := &FullSyncResult{
		Enqueued: int(atomic.LoadInt64(&enqueued)),
		Skipped:  int(atomic.LoadInt64(&skipped)),
	}

	if result.Enqueued > 0 {
		drain, err := m.ProcessQueue(ctx, result.Enqueued)
		if err != nil {
			return result, err
		}
		result.Drain = drain
	}
	return result, nil
}
