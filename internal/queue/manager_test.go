package queue_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/carelink/fhirbridge/internal/hms"
	"github.com/carelink/fhirbridge/internal/queue"
	"github.com/carelink/fhirbridge/internal/queue/queuetest"
	"github.com/carelink/fhirbridge/internal/rule"
)

// fakeSyncer drives the item state machine without any network.
type fakeSyncer struct {
	store       queue.Store
	unavailable bool
	failIDs     map[string]bool
	order       []string
}

func (f *fakeSyncer) CheckServerAvailability(context.Context) bool {
	return !f.unavailable
}

func (f *fakeSyncer) SyncResource(ctx context.Context, item *queue.Item) bool {
	f.order = append(f.order, item.ResourceID)
	if _, err := f.store.MarkProcessing(ctx, item.ID); err != nil {
		return false
	}
	if f.failIDs[item.ResourceID] {
		_ = f.store.MarkFailed(ctx, item.ID, "simulated failure", nil)
		return false
	}
	_ = f.store.MarkSuccess(ctx, item.ID, item.ResourceID, nil)
	return true
}

type staticRules struct{ rules []*rule.Rule }

func (s staticRules) Enabled(context.Context) ([]*rule.Rule, error) { return s.rules, nil }

func newManager(t *testing.T, store queue.Store, syncer queue.Syncer) *queue.Manager {
	t.Helper()
	return queue.NewManager(store, syncer, nil, nil, nil)
}

func TestQueueResourceIdempotentReEnqueue(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()
	m := newManager(t, store, &fakeSyncer{store: store})

	first, err := m.QueueResource(ctx, queue.QueueRequest{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpCreate, Data: json.RawMessage(`{"v":1}`),
	})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	second, err := m.QueueResource(ctx, queue.QueueRequest{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpUpdate, Data: json.RawMessage(`{"v":2}`),
	})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("re-enqueue created a new item: %d vs %d", second.ID, first.ID)
	}

	stats, _ := store.Statistics(ctx)
	if stats.Total != 1 {
		t.Fatalf("total items = %d, want 1", stats.Total)
	}

	got, _ := store.GetByID(ctx, first.ID)
	if got.Operation != queue.OpUpdate {
		t.Errorf("operation = %s, want update", got.Operation)
	}
	if string(got.FHIRData) != `{"v":2}` {
		t.Errorf("data = %s, want second call's data", got.FHIRData)
	}
	if got.Attempts != 0 || got.Status != queue.StatusPending {
		t.Errorf("attempts/status = %d/%s", got.Attempts, got.Status)
	}
}

func TestProcessQueuePriorityFIFOOrdering(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()
	syncer := &fakeSyncer{store: store}
	m := newManager(t, store, syncer)

	enqueue := func(id string, priority int) {
		t.Helper()
		_, err := m.QueueResource(ctx, queue.QueueRequest{
			ResourceType: "Patient", ResourceID: id,
			Operation: queue.OpCreate, Priority: priority,
			Data: json.RawMessage(`{}`),
		})
		if err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	enqueue("bulk-1", 100)
	enqueue("urgent-1", 50)
	enqueue("bulk-2", 100)
	enqueue("urgent-2", 50)

	result, err := m.ProcessQueue(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Total != 4 || result.Succeeded != 4 {
		t.Fatalf("result = %+v", result)
	}

	want := []string{"urgent-1", "urgent-2", "bulk-1", "bulk-2"}
	for i, id := range want {
		if syncer.order[i] != id {
			t.Fatalf("drain order = %v, want %v", syncer.order, want)
		}
	}
}

func TestProcessQueueSkipsWhenServerUnavailable(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()
	m := newManager(t, store, &fakeSyncer{store: store, unavailable: true})

	if _, err := m.ProcessQueue(ctx, 10); err == nil {
		t.Error("expected error when server is unavailable")
	}
}

func TestProcessQueueSkipsWhenDrainLockHeld(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()
	syncer := &fakeSyncer{store: store}
	m := newManager(t, store, syncer)

	_, _ = m.QueueResource(ctx, queue.QueueRequest{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpCreate, Data: json.RawMessage(`{}`),
	})

	release, acquired, err := store.AcquireDrainLock(ctx)
	if err != nil || !acquired {
		t.Fatalf("test setup lock: %v %v", acquired, err)
	}
	defer release()

	result, err := m.ProcessQueue(ctx, 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if result.Total != 0 {
		t.Errorf("locked drain processed %d items", result.Total)
	}
	if len(syncer.order) != 0 {
		t.Errorf("syncer was invoked under a held lock: %v", syncer.order)
	}
}

func TestRetryFailedItemsRespectsBound(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()
	syncer := &fakeSyncer{store: store}
	m := newManager(t, store, syncer)

	// A failed item inside the retry bound.
	retriable := &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-retry",
		Operation: queue.OpCreate, Status: queue.StatusFailed,
		Priority: 100, Attempts: 1, MaxAttempts: 3,
	}
	if err := store.Create(ctx, retriable); err != nil {
		t.Fatal(err)
	}
	_ = store.MarkFailed(ctx, retriable.ID, "transient", nil)

	// A failed item that exhausted its attempts.
	exhausted := &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-exhausted",
		Operation: queue.OpCreate, Status: queue.StatusFailed,
		Priority: 100, Attempts: 3, MaxAttempts: 3,
	}
	if err := store.Create(ctx, exhausted); err != nil {
		t.Fatal(err)
	}
	_ = store.MarkFailed(ctx, exhausted.ID, "permanent", nil)

	result, err := m.RetryFailedItems(ctx, 3)
	if err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("retried %d items, want 1", result.Total)
	}
	if len(syncer.order) != 1 || syncer.order[0] != "PAT-retry" {
		t.Errorf("retried %v, want only PAT-retry", syncer.order)
	}

	got, _ := store.GetByID(ctx, exhausted.ID)
	if got.Status != queue.StatusFailed {
		t.Errorf("exhausted item status = %s, want failed", got.Status)
	}
}

func TestRequeueResetsAttempts(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()
	m := newManager(t, store, &fakeSyncer{store: store})

	item := &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpCreate, Status: queue.StatusFailed,
		Priority: 100, Attempts: 3, MaxAttempts: 3,
	}
	_ = store.Create(ctx, item)
	_ = store.MarkFailed(ctx, item.ID, "gone wrong", nil)

	if err := m.RequeueItem(ctx, item.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusPending || got.Attempts != 0 || got.ErrorMessage != "" {
		t.Errorf("after requeue: status=%s attempts=%d err=%q", got.Status, got.Attempts, got.ErrorMessage)
	}
}

func TestCancelOnlyActiveItems(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()
	m := newManager(t, store, &fakeSyncer{store: store})

	item, _ := m.QueueResource(ctx, queue.QueueRequest{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpCreate, Data: json.RawMessage(`{}`),
	})
	if err := m.CancelItem(ctx, item.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if err := m.CancelItem(ctx, item.ID); err == nil {
		t.Error("cancelling a cancelled item must fail")
	}
}

func TestFullSyncAppliesRuleFilter(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()
	syncer := &fakeSyncer{store: store}

	dir := hms.NewDirectory()
	dir.Put(&hms.Patient{PatientID: "PAT-GH", LastName: "Mensah", Country: "GH"})
	dir.Put(&hms.Patient{PatientID: "PAT-NG", LastName: "Adeyemi", Country: "NG"})

	rules := staticRules{rules: []*rule.Rule{{
		ID: 1, ResourceType: "Patient", SourceModel: hms.ModelPatient,
		Enabled: true, Frequency: rule.FrequencyDaily,
		Filter: map[string]any{"country": "GH"},
	}}}

	m := queue.NewManager(store, syncer, dir, rules, nil)

	result, err := m.FullSync(ctx)
	if err != nil {
		t.Fatalf("full sync: %v", err)
	}
	if result.Enqueued != 1 {
		t.Fatalf("enqueued %d, want 1 (filter must exclude PAT-NG)", result.Enqueued)
	}
	if result.Drain.Succeeded != 1 {
		t.Errorf("drain = %+v", result.Drain)
	}
	if len(syncer.order) != 1 || syncer.order[0] != "PAT-GH" {
		t.Errorf("synced %v, want [PAT-GH]", syncer.order)
	}
}

func TestFullSyncResourceTypeRestriction(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()
	syncer := &fakeSyncer{store: store}

	dir := hms.NewDirectory()
	dir.Put(&hms.Patient{PatientID: "PAT-1", LastName: "Mensah"})
	dir.Put(&hms.Observation{ObservationID: "OBS-1", PatientID: "PAT-1", Code: "8867-4"})

	rules := staticRules{rules: []*rule.Rule{
		{ID: 1, ResourceType: "Patient", SourceModel: hms.ModelPatient, Enabled: true},
		{ID: 2, ResourceType: "Observation", SourceModel: hms.ModelObservation, Enabled: true},
	}}

	m := queue.NewManager(store, syncer, dir, rules, nil)

	result, err := m.FullSync(ctx, "Observation")
	if err != nil {
		t.Fatalf("full sync: %v", err)
	}
	if result.Enqueued != 1 {
		t.Fatalf("enqueued %d, want 1", result.Enqueued)
	}
	if syncer.order[0] != "OBS-1" {
		t.Errorf("synced %v, want [OBS-1]", syncer.order)
	}
}
