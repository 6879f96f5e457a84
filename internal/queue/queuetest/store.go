// Package queuetest provides an in-memory queue.Store for tests.
package queuetest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/carelink/fhirbridge/internal/queue"
)

// Store is an in-memory queue.Store with the same transition semantics as
// the Postgres implementation.
type Store struct {
	mu         sync.Mutex
	nextID     int64
	nextLogID  int64
	items      map[int64]*queue.Item
	logs       []*queue.Log
	drainTaken bool
}

// New creates an empty store.
func New() *Store {
	return &Store{items: make(map[int64]*queue.Item)}
}

func (s *Store) Create(_ context.Context, item *queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	item.ID = s.nextID
	if item.Status == "" {
		item.Status = queue.StatusPending
	}
	if item.MaxAttempts == 0 {
		item.MaxAttempts = queue.DefaultMaxAttempts
	}
	now := time.Now()
	if item.ScheduledAt.IsZero() {
		item.ScheduledAt = now
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *Store) Update(_ context.Context, item *queue.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; !ok {
		return queue.ErrNotFound
	}
	item.UpdatedAt = time.Now()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *Store) GetByID(_ context.Context, id int64) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *Store) FindActive(_ context.Context, resourceType, resourceID string) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var found *queue.Item
	for _, item := range s.items {
		if item.ResourceType == resourceType && item.ResourceID == resourceID && item.Active() {
			if found == nil || item.ID < found.ID {
				found = item
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (s *Store) SelectPending(_ context.Context, limit int) ([]*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*queue.Item
	for _, item := range s.items {
		if item.Status == queue.StatusPending && !item.ScheduledAt.After(now) {
			cp := *item
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority < due[j].Priority
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) SelectFailedRetryable(_ context.Context, maxRetries, limit int) ([]*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*queue.Item
	for _, item := range s.items {
		if item.Retryable(maxRetries) {
			cp := *item
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastAttemptAt, out[j].LastAttemptAt
		switch {
		case ti == nil && tj == nil:
			return out[i].ID < out[j].ID
		case ti == nil:
			return true
		case tj == nil:
			return false
		default:
			return ti.Before(*tj)
		}
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkProcessing(_ context.Context, id int64) (*queue.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != queue.StatusPending {
		return nil, queue.ErrNotClaimable
	}
	item.Status = queue.StatusProcessing
	item.Attempts++
	now := time.Now()
	item.LastAttemptAt = &now
	item.UpdatedAt = now

	cp := *item
	return &cp, nil
}

func (s *Store) MarkSuccess(_ context.Context, id int64, fhirID string, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	item.Status = queue.StatusSuccess
	if fhirID != "" {
		item.FHIRID = fhirID
	}
	item.ErrorMessage = ""
	if len(response) > 0 {
		item.ResponseData = response
	}
	item.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id int64, errorMessage string, response json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	item.Status = queue.StatusFailed
	item.ErrorMessage = errorMessage
	if len(response) > 0 {
		item.ResponseData = response
	}
	item.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MarkCancelled(_ context.Context, id int64) error {
	return s.setStatus(id, queue.StatusCancelled, false)
}

func (s *Store) Requeue(_ context.Context, id int64) error {
	return s.setStatus(id, queue.StatusPending, true)
}

func (s *Store) SetPending(_ context.Context, id int64) error {
	return s.setStatus(id, queue.StatusPending, false)
}

func (s *Store) setStatus(id int64, status queue.Status, resetAttempts bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return queue.ErrNotFound
	}
	item.Status = status
	if resetAttempts {
		item.Attempts = 0
		item.ErrorMessage = ""
	}
	item.UpdatedAt = time.Now()
	return nil
}

func (s *Store) MarkDeleteRequested(_ context.Context, resourceType, resourceID string, stub json.RawMessage) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var flipped int64
	for _, item := range s.items {
		if item.ResourceType == resourceType && item.ResourceID == resourceID && item.Active() {
			item.Operation = queue.OpDelete
			item.Status = queue.StatusPending
			item.FHIRData = stub
			item.UpdatedAt = time.Now()
			flipped++
		}
	}
	return flipped, nil
}

func (s *Store) Statistics(_ context.Context) (*queue.Statistics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &queue.Statistics{
		ByStatus:       make(map[string]int64),
		ByResourceType: make(map[string]map[string]int64),
	}
	for _, item := range s.items {
		stats.Total++
		stats.ByStatus[string(item.Status)]++
		if stats.ByResourceType[item.ResourceType] == nil {
			stats.ByResourceType[item.ResourceType] = make(map[string]int64)
		}
		stats.ByResourceType[item.ResourceType][string(item.Status)]++
	}
	return stats, nil
}

func (s *Store) AppendLog(_ context.Context, log *queue.Log) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextLogID++
	log.ID = s.nextLogID
	log.CreatedAt = time.Now()
	cp := *log
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *Store) Logs(_ context.Context, itemID int64) ([]*queue.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*queue.Log
	for _, l := range s.logs {
		if l.ItemID == itemID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) PurgeCompleted(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var removed int64
	for id, item := range s.items {
		if (item.Status == queue.StatusSuccess || item.Status == queue.StatusCancelled) && item.UpdatedAt.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) AcquireDrainLock(_ context.Context) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.drainTaken {
		return nil, false, nil
	}
	s.drainTaken = true
	return func() {
		s.mu.Lock()
		s.drainTaken = false
		s.mu.Unlock()
	}, true, nil
}
