// Package capture turns local record changes into queue items the moment
// they happen. Only models covered by an enabled realtime rule are captured;
// everything else waits for its scheduled bulk sync.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/carelink/fhirbridge/internal/fhir/mapper"
	"github.com/carelink/fhirbridge/internal/hms"
	"github.com/carelink/fhirbridge/internal/queue"
	"github.com/carelink/fhirbridge/internal/rule"
)

// Enqueuer is the slice of the queue manager change capture needs.
type Enqueuer interface {
	QueueResource(ctx context.Context, req queue.QueueRequest) (*queue.Item, error)
}

// Registry routes record-change notifications to the queue. It holds the
// enabled realtime rules keyed by source model; when several rules cover the
// same model, the lowest rule id wins.
type Registry struct {
	queue  Enqueuer
	store  queue.Store
	logger *zap.Logger

	mu      sync.RWMutex
	byModel map[string]*rule.Rule
}

// NewRegistry creates an empty registry. Call Reload to arm it.
func NewRegistry(q Enqueuer, store queue.Store, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		queue:   q,
		store:   store,
		logger:  logger,
		byModel: make(map[string]*rule.Rule),
	}
}

// Reload replaces the active rule set. Only enabled realtime rules take
// part; the rest are the scheduler's business.
func (r *Registry) Reload(rules []*rule.Rule) {
	byModel := make(map[string]*rule.Rule)
	for _, rl := range rules {
		if !rl.Enabled || rl.Frequency != rule.FrequencyRealtime {
			continue
		}
		if existing, ok := byModel[rl.SourceModel]; ok && existing.ID <= rl.ID {
			continue
		}
		byModel[rl.SourceModel] = rl
	}

	r.mu.Lock()
	r.byModel = byModel
	r.mu.Unlock()

	r.logger.Info("realtime capture rules loaded", zap.Int("models", len(byModel)))
}

// ruleFor returns the realtime rule covering a model, or nil.
func (r *Registry) ruleFor(model string) *rule.Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byModel[model]
}

// OnCreate enqueues a realtime create for a new record. Models without a
// realtime rule are ignored and return nil.
func (r *Registry) OnCreate(ctx context.Context, rec hms.Record) (*queue.Item, error) {
	return r.enqueue(ctx, rec, queue.OpCreate)
}

// OnUpdate enqueues a realtime update for a changed record.
func (r *Registry) OnUpdate(ctx context.Context, rec hms.Record) (*queue.Item, error) {
	return r.enqueue(ctx, rec, queue.OpUpdate)
}

func (r *Registry) enqueue(ctx context.Context, rec hms.Record, op queue.Operation) (*queue.Item, error) {
	rl := r.ruleFor(rec.Model())
	if rl == nil {
		return nil, nil
	}

	item, err := r.queue.QueueResource(ctx, queue.QueueRequest{
		ResourceType: rl.ResourceType,
		ResourceID:   rec.ResourceID(),
		Operation:    op,
		Priority:     queue.PriorityRealtime,
		Source:       rec,
		RuleID:       &rl.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("capture %s %s/%s: %w", op, rec.Model(), rec.ResourceID(), err)
	}

	r.logger.Debug("record change captured",
		zap.String("model", rec.Model()),
		zap.String("resource_id", rec.ResourceID()),
		zap.String("operation", string(op)),
		zap.Int64("item_id", item.ID))
	return item, nil
}

// OnDelete captures a record deletion. Any still-active queue item for the
// resource is flipped to a delete in place so a pending create/update cannot
// resurrect the record on the server; when nothing is in flight, a fresh
// delete item is enqueued. fhirID may be empty when the caller does not know
// the server-assigned id.
func (r *Registry) OnDelete(ctx context.Context, model, recordID, fhirID string) error {
	rl := r.ruleFor(model)
	if rl == nil {
		return nil
	}

	stubID := fhirID
	if stubID == "" {
		stubID = recordID
	}
	stub, _ := json.Marshal(map[string]string{
		"resourceType": rl.ResourceType,
		"id":           stubID,
	})

	flipped, err := r.store.MarkDeleteRequested(ctx, rl.ResourceType, recordID, stub)
	if err != nil {
		return fmt.Errorf("capture delete %s/%s: %w", model, recordID, err)
	}
	if flipped > 0 {
		r.logger.Debug("active queue items flipped to delete",
			zap.String("model", model),
			zap.String("resource_id", recordID),
			zap.Int64("flipped", flipped))
		return nil
	}

	_, err = r.queue.QueueResource(ctx, queue.QueueRequest{
		ResourceType: rl.ResourceType,
		ResourceID:   recordID,
		Operation:    queue.OpDelete,
		Priority:     queue.PriorityRealtime,
		Data:         stub,
		RuleID:       &rl.ID,
	})
	if err != nil {
		return fmt.Errorf("capture delete %s/%s: %w", model, recordID, err)
	}
	return nil
}

// ResourceTypeFor resolves the FHIR resource type for a model, preferring
// the active rule over the built-in model mapping.
func (r *Registry) ResourceTypeFor(model string) (string, bool) {
	if rl := r.ruleFor(model); rl != nil {
		return rl.ResourceType, true
	}
	return mapper.ResourceType(model)
}
