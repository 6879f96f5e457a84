package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/carelink/fhirbridge/internal/api/handlers"
	"github.com/carelink/fhirbridge/internal/config"
	"github.com/carelink/fhirbridge/internal/queue"
	"github.com/carelink/fhirbridge/internal/queue/queuetest"
)

// fakeSyncer marks everything it touches successful.
type fakeSyncer struct {
	store       queue.Store
	unavailable bool
}

func (f *fakeSyncer) CheckServerAvailability(context.Context) bool { return !f.unavailable }

func (f *fakeSyncer) SyncResource(ctx context.Context, item *queue.Item) bool {
	if _, err := f.store.MarkProcessing(ctx, item.ID); err != nil {
		return false
	}
	_ = f.store.MarkSuccess(ctx, item.ID, "fhir-"+item.ResourceID, nil)
	return true
}

type staticConfigs map[string]*config.SyncConfig

func (s staticConfigs) GetByName(_ context.Context, name string) (*config.SyncConfig, error) {
	cfg, ok := s[name]
	if !ok {
		return nil, config.ErrNotFound
	}
	return cfg, nil
}

func newAPI(t *testing.T, store queue.Store, unavailable bool, configs handlers.ConfigSource) http.Handler {
	t.Helper()
	m := queue.NewManager(store, &fakeSyncer{store: store, unavailable: unavailable}, nil, nil, nil)
	return handlers.NewSyncHandler(m, configs, nil).Routes()
}

func enqueue(t *testing.T, store queue.Store, resourceID string, status queue.Status) *queue.Item {
	t.Helper()
	item := &queue.Item{
		ResourceType: "Patient", ResourceID: resourceID,
		Operation: queue.OpUpdate, Status: queue.StatusPending,
		Priority: queue.PriorityDefault,
		FHIRData: json.RawMessage(`{"resourceType":"Patient"}`),
	}
	if err := store.Create(context.Background(), item); err != nil {
		t.Fatal(err)
	}
	if status == queue.StatusFailed {
		_ = store.MarkFailed(context.Background(), item.ID, "boom", nil)
	}
	return item
}

func TestProcessQueueEndpoint(t *testing.T) {
	store := queuetest.New()
	enqueue(t, store, "PAT-1", queue.StatusPending)
	enqueue(t, store, "PAT-2", queue.StatusPending)
	api := newAPI(t, store, false, nil)

	req := httptest.NewRequest(http.MethodPost, "/queue/process", strings.NewReader(`{"limit":10}`))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var result queue.BatchResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatal(err)
	}
	if result.Total != 2 || result.Succeeded != 2 {
		t.Errorf("result = %+v", result)
	}
}

func TestProcessQueueUnavailableServer(t *testing.T) {
	store := queuetest.New()
	api := newAPI(t, store, true, nil)

	req := httptest.NewRequest(http.MethodPost, "/queue/process", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	store := queuetest.New()
	enqueue(t, store, "PAT-1", queue.StatusPending)
	enqueue(t, store, "PAT-2", queue.StatusFailed)
	api := newAPI(t, store, false, nil)

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats queue.Statistics
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.ByStatus["pending"] != 1 || stats.ByStatus["failed"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestRequeueEndpoint(t *testing.T) {
	store := queuetest.New()
	item := enqueue(t, store, "PAT-1", queue.StatusFailed)
	api := newAPI(t, store, false, nil)

	req := httptest.NewRequest(http.MethodPost, "/queue/"+itoa(item.ID)+"/requeue", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	got, _ := store.GetByID(context.Background(), item.ID)
	if got.Status != queue.StatusPending || got.Attempts != 0 {
		t.Errorf("item = %s/%d", got.Status, got.Attempts)
	}
}

func TestRequeuePendingItemConflicts(t *testing.T) {
	store := queuetest.New()
	item := enqueue(t, store, "PAT-1", queue.StatusPending)
	api := newAPI(t, store, false, nil)

	req := httptest.NewRequest(http.MethodPost, "/queue/"+itoa(item.ID)+"/requeue", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rec.Code)
	}
}

func TestCancelUnknownItem(t *testing.T) {
	api := newAPI(t, queuetest.New(), false, nil)

	req := httptest.NewRequest(http.MethodPost, "/queue/999/cancel", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestLogsEndpoint(t *testing.T) {
	store := queuetest.New()
	item := enqueue(t, store, "PAT-1", queue.StatusPending)
	_ = store.AppendLog(context.Background(), &queue.Log{
		ItemID: item.ID, Level: queue.LogInfo, Message: "synced Patient/PAT-1 (create)",
	})
	api := newAPI(t, store, false, nil)

	req := httptest.NewRequest(http.MethodGet, "/queue/"+itoa(item.ID)+"/logs", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var entries []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0]["level"] != "info" {
		t.Errorf("entries = %v", entries)
	}
}

func TestTestConfigEndpoint(t *testing.T) {
	// A real listener backs the probe.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metadata" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1"}`))
	}))
	defer upstream.Close()

	configs := staticConfigs{
		"primary": {Name: "primary", BaseURL: upstream.URL, Active: true},
	}
	api := newAPI(t, queuetest.New(), false, configs)

	req := httptest.NewRequest(http.MethodGet, "/config/primary/test", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var result map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &result)
	if result["connected"] != true || result["fhir_version"] != "4.0.1" {
		t.Errorf("result = %v", result)
	}

	req = httptest.NewRequest(http.MethodGet, "/config/missing/test", nil)
	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown config status = %d, want 404", rec.Code)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
