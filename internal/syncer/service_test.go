package syncer_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/carelink/fhirbridge/internal/config"
	"github.com/carelink/fhirbridge/internal/hms"
	"github.com/carelink/fhirbridge/internal/mapping"
	"github.com/carelink/fhirbridge/internal/queue"
	"github.com/carelink/fhirbridge/internal/queue/queuetest"
	"github.com/carelink/fhirbridge/internal/rule"
	"github.com/carelink/fhirbridge/internal/syncer"
)

// fhirServer is a scriptable stand-in for a remote FHIR REST endpoint.
type fhirServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(w http.ResponseWriter, r *http.Request, body []byte)
}

type recordedRequest struct {
	Method string
	Path   string
	Body   []byte
}

func (f *fhirServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
	f.mu.Unlock()

	if r.URL.Path == "/metadata" {
		w.Header().Set("Content-Type", "application/fhir+json")
		_, _ = w.Write([]byte(`{"resourceType":"CapabilityStatement","status":"active","fhirVersion":"4.0.1"}`))
		return
	}
	f.handler(w, r, body)
}

func (f *fhirServer) recorded(method string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, req := range f.requests {
		if req.Method == method && req.Path != "/metadata" {
			out = append(out, req)
		}
	}
	return out
}

type staticRuleLookup struct{ rules map[int64]*rule.Rule }

func (s staticRuleLookup) GetByID(_ context.Context, id int64) (*rule.Rule, error) {
	r, ok := s.rules[id]
	if !ok {
		return nil, rule.ErrNotFound
	}
	return r, nil
}

func newService(t *testing.T, baseURL string, store queue.Store, records hms.Source, rules syncer.RuleLookup) *syncer.Service {
	t.Helper()
	cfg := &config.SyncConfig{Name: "test", BaseURL: baseURL, Active: true}
	svc, err := syncer.New(cfg, store, records, rules, nil, zap.NewNop())
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return svc
}

func pendingItem(t *testing.T, store queue.Store, item *queue.Item) *queue.Item {
	t.Helper()
	item.Status = queue.StatusPending
	if item.Priority == 0 {
		item.Priority = queue.PriorityDefault
	}
	if err := store.Create(context.Background(), item); err != nil {
		t.Fatalf("create item: %v", err)
	}
	return item
}

func TestSyncResourceCreatePatient(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.Method != http.MethodPost || r.URL.Path != "/Patient" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/fhir+json" {
			t.Errorf("content type = %q", ct)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"fhir-123"}`))
	}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	dir := hms.NewDirectory()
	patient := &hms.Patient{PatientID: "PAT-1", FirstName: "Ama", LastName: "Mensah"}
	dir.Put(patient)

	svc := newService(t, server.URL, store, dir, nil)

	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation:   queue.OpCreate,
		FHIRData:    json.RawMessage(`{"resourceType":"Patient","id":"PAT-1","name":[{"family":"Mensah"}]}`),
		SourceModel: hms.ModelPatient, SourceKey: "PAT-1",
	})

	if !svc.SyncResource(ctx, item) {
		t.Fatal("sync reported failure")
	}

	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusSuccess {
		t.Errorf("status = %s, want success", got.Status)
	}
	if got.FHIRID != "fhir-123" {
		t.Errorf("fhir_id = %q, want fhir-123", got.FHIRID)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}

	logs, _ := store.Logs(ctx, item.ID)
	var infos int
	for _, l := range logs {
		if l.Level == queue.LogInfo {
			infos++
		}
	}
	if infos != 1 {
		t.Errorf("info logs = %d, want 1", infos)
	}

	// Server-assigned id flows back onto the local record.
	if patient.FHIRID != "fhir-123" {
		t.Errorf("write-back fhir_id = %q, want fhir-123", patient.FHIRID)
	}
	if patient.LastSyncAt.IsZero() {
		t.Error("write-back did not stamp last_sync_at")
	}
}

func TestSyncResourceUpdateFallsBackToCreateOn404(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	fhir := &fhirServer{}
	fhir.handler = func(w http.ResponseWriter, r *http.Request, body []byte) {
		switch r.Method {
		case http.MethodPut:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome"}`))
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"resourceType":"Patient","id":"fresh-1"}`))
		default:
			t.Errorf("unexpected method %s", r.Method)
		}
	}
	server := httptest.NewServer(fhir)
	defer server.Close()

	svc := newService(t, server.URL, store, nil, nil)

	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpUpdate, FHIRID: "stale-9",
		FHIRData: json.RawMessage(`{"resourceType":"Patient"}`),
	})

	if !svc.SyncResource(ctx, item) {
		t.Fatal("sync reported failure")
	}

	if puts := fhir.recorded(http.MethodPut); len(puts) != 1 {
		t.Errorf("PUT requests = %d, want 1", len(puts))
	}
	posts := fhir.recorded(http.MethodPost)
	if len(posts) != 1 {
		t.Fatalf("POST requests = %d, want exactly 1", len(posts))
	}

	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusSuccess || got.FHIRID != "fresh-1" {
		t.Errorf("status=%s fhir_id=%q, want success/fresh-1", got.Status, got.FHIRID)
	}
}

func TestSyncResourceUpdateWithoutFHIRIDCreates(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"new-1"}`))
	}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	svc := newService(t, server.URL, store, nil, nil)

	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Observation", ResourceID: "OBS-1",
		Operation: queue.OpUpdate,
		FHIRData:  json.RawMessage(`{"resourceType":"Observation","status":"final"}`),
	})

	if !svc.SyncResource(ctx, item) {
		t.Fatal("sync reported failure")
	}
	got, _ := store.GetByID(ctx, item.ID)
	if got.FHIRID != "new-1" {
		t.Errorf("fhir_id = %q, want new-1", got.FHIRID)
	}
}

func TestSyncResourceDelete404IsSuccess(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome"}`))
	}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	svc := newService(t, server.URL, store, nil, nil)

	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpDelete, FHIRID: "fhir-9",
		FHIRData: json.RawMessage(`{"resourceType":"Patient","id":"fhir-9"}`),
	})

	if !svc.SyncResource(ctx, item) {
		t.Fatal("delete of an already-gone resource must succeed")
	}
	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusSuccess {
		t.Errorf("status = %s, want success", got.Status)
	}
}

func TestSyncResourceDeleteWithoutFHIRIDFails(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		t.Error("no request should reach the server")
	}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	svc := newService(t, server.URL, store, nil, nil)

	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpDelete,
		FHIRData:  json.RawMessage(`{"resourceType":"Patient"}`),
	})

	if svc.SyncResource(ctx, item) {
		t.Fatal("delete without a FHIR id must fail")
	}
	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "no FHIR ID") {
		t.Errorf("error = %q", got.ErrorMessage)
	}
}

func TestSyncResourceValidationFailureSendsNothing(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		if r.URL.Path != "/metadata" {
			t.Errorf("network call despite validation failure: %s %s", r.Method, r.URL.Path)
		}
	}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	ruleID := int64(7)
	rules := staticRuleLookup{rules: map[int64]*rule.Rule{
		ruleID: {
			ID: ruleID, ResourceType: "Patient", SourceModel: hms.ModelPatient,
			Enabled:       true,
			FieldMappings: map[string]string{"last_name": "name[0].family"},
			Validations: mapping.ValidationRules{
				RequiredFields: []string{"email"},
			},
		},
	}}

	svc := newService(t, server.URL, store, nil, rules)

	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpUpdate, RuleID: &ruleID,
		FHIRData: json.RawMessage(`{"last_name":"Mensah"}`),
	})

	if svc.SyncResource(ctx, item) {
		t.Fatal("validation failure must not count as success")
	}

	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "validation failed") {
		t.Errorf("error = %q", got.ErrorMessage)
	}

	var results struct {
		Valid  bool     `json:"valid"`
		Errors []string `json:"errors"`
	}
	if err := json.Unmarshal(got.ValidationResults, &results); err != nil {
		t.Fatalf("validation_results: %v", err)
	}
	if results.Valid || len(results.Errors) == 0 {
		t.Errorf("validation_results = %+v", results)
	}

	logs, _ := store.Logs(ctx, item.ID)
	var errorLogs int
	for _, l := range logs {
		if l.Level == queue.LogError {
			errorLogs++
		}
	}
	if errorLogs == 0 {
		t.Error("expected an error log entry")
	}
}

// Validation judges the transformed values: a value remap runs before the
// allow-list check, so a source code the transform normalizes is acceptable
// even though the raw value is not.
func TestSyncResourceValidatesTransformedValues(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	var delivered map[string]any
	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		_ = json.Unmarshal(body, &delivered)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"fhir-1"}`))
	}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	ruleID := int64(11)
	rules := staticRuleLookup{rules: map[int64]*rule.Rule{
		ruleID: {
			ID: ruleID, ResourceType: "Patient", SourceModel: hms.ModelPatient,
			Enabled: true,
			FieldMappings: map[string]string{
				"patient_id": "id",
				"gender":     "gender",
			},
			Transforms: map[string]mapping.TransformRule{
				"gender": {Type: mapping.TransformMap, Mapping: map[string]string{"M": "male", "F": "female"}},
			},
			Validations: mapping.ValidationRules{
				FieldValidations: map[string]mapping.FieldValidation{
					"gender": {Allowed: []string{"male", "female"}},
				},
			},
		},
	}}

	svc := newService(t, server.URL, store, nil, rules)

	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpCreate, RuleID: &ruleID,
		FHIRData: json.RawMessage(`{"patient_id":"PAT-1","gender":"M"}`),
	})

	if !svc.SyncResource(ctx, item) {
		t.Fatal("normalized enum must pass the allow-list check")
	}
	if delivered["gender"] != "male" {
		t.Errorf("delivered gender = %v, want male", delivered["gender"])
	}

	got, _ := store.GetByID(ctx, item.ID)
	var results struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(got.ValidationResults, &results); err != nil {
		t.Fatalf("validation_results: %v", err)
	}
	if !results.Valid {
		t.Error("validation_results.valid = false, want true")
	}
}

func TestSyncResourceRuleRefreshesFromRecord(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	var delivered map[string]any
	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		_ = json.Unmarshal(body, &delivered)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"fhir-1"}`))
	}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	dir := hms.NewDirectory()
	dir.Put(&hms.Patient{PatientID: "PAT-1", FirstName: "Akosua", LastName: "Mensah"})

	ruleID := int64(3)
	rules := staticRuleLookup{rules: map[int64]*rule.Rule{
		ruleID: {
			ID: ruleID, ResourceType: "Patient", SourceModel: hms.ModelPatient,
			Enabled: true,
			FieldMappings: map[string]string{
				"patient_id": "id",
				"first_name": "name[0].given[0]",
				"last_name":  "name[0].family",
			},
		},
	}}

	svc := newService(t, server.URL, store, dir, rules)

	// The queue still holds the name from before the record was edited.
	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpCreate, RuleID: &ruleID,
		FHIRData:    json.RawMessage(`{"patient_id":"PAT-1","first_name":"Ama","last_name":"Mensah"}`),
		SourceModel: hms.ModelPatient, SourceKey: "PAT-1",
	})

	if !svc.SyncResource(ctx, item) {
		t.Fatal("sync reported failure")
	}

	names, _ := delivered["name"].([]any)
	if len(names) == 0 {
		t.Fatalf("delivered document missing name: %v", delivered)
	}
	first := names[0].(map[string]any)
	given, _ := first["given"].([]any)
	if len(given) == 0 || given[0] != "Akosua" {
		t.Errorf("given = %v, want current record value Akosua", given)
	}
	if delivered["resourceType"] != "Patient" {
		t.Errorf("resourceType = %v", delivered["resourceType"])
	}
}

func TestSyncResourceServerErrorMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"severity":"error"}]}`))
	}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	svc := newService(t, server.URL, store, nil, nil)

	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpCreate,
		FHIRData:  json.RawMessage(`{"resourceType":"Patient"}`),
	})

	if svc.SyncResource(ctx, item) {
		t.Fatal("4xx must mark the item failed")
	}
	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "400") {
		t.Errorf("error = %q, want the status code in it", got.ErrorMessage)
	}
	if len(got.ResponseData) == 0 {
		t.Error("response body was not persisted")
	}
}

func TestSyncResourceSkipsWhenClaimLost(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		t.Error("no request should reach the server")
	}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	svc := newService(t, server.URL, store, nil, nil)

	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpCreate,
		FHIRData:  json.RawMessage(`{}`),
	})
	// Another worker wins the claim first.
	if _, err := store.MarkProcessing(ctx, item.ID); err != nil {
		t.Fatal(err)
	}

	if svc.SyncResource(ctx, item) {
		t.Fatal("losing the claim must not report success")
	}
	got, _ := store.GetByID(ctx, item.ID)
	if got.Status != queue.StatusProcessing {
		t.Errorf("status = %s, the winner's claim must stand", got.Status)
	}
}

func TestTestConnection(t *testing.T) {
	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	svc := newService(t, server.URL, queuetest.New(), nil, nil)

	result := svc.TestConnection(context.Background())
	if !result.Connected {
		t.Fatalf("connected = false: %s", result.Message)
	}
	if result.FHIRVersion != "4.0.1" {
		t.Errorf("fhir_version = %q, want 4.0.1", result.FHIRVersion)
	}

	server.Close()
	if svc.CheckServerAvailability(context.Background()) {
		t.Error("availability must be false once the server is down")
	}
}

func TestSyncResourceSendsBasicAuth(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()

	var gotUser, gotPass string
	var gotAuth bool
	fhir := &fhirServer{handler: func(w http.ResponseWriter, r *http.Request, body []byte) {
		gotUser, gotPass, gotAuth = r.BasicAuth()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}}
	server := httptest.NewServer(fhir)
	defer server.Close()

	cfg := &config.SyncConfig{
		Name: "secure", BaseURL: server.URL, Active: true,
		AuthType: config.AuthBasic, Username: "sync", Password: "s3cret",
	}
	svc, err := syncer.New(cfg, store, nil, nil, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	item := pendingItem(t, store, &queue.Item{
		ResourceType: "Patient", ResourceID: "PAT-1",
		Operation: queue.OpCreate, FHIRData: json.RawMessage(`{}`),
	})
	if !svc.SyncResource(ctx, item) {
		t.Fatal("sync reported failure")
	}
	if !gotAuth || gotUser != "sync" || gotPass != "s3cret" {
		t.Errorf("basic auth = %v %q %q", gotAuth, gotUser, gotPass)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := []*config.SyncConfig{
		{Name: "inactive", BaseURL: "http://fhir", Active: false},
		{Name: "nourl", Active: true},
		{Name: "badauth", BaseURL: "http://fhir", Active: true, AuthType: "kerberos"},
		{Name: "basic-no-user", BaseURL: "http://fhir", Active: true, AuthType: config.AuthBasic},
	}
	for _, cfg := range cases {
		if _, err := syncer.New(cfg, queuetest.New(), nil, nil, nil, zap.NewNop()); err == nil {
			t.Errorf("config %q must fail construction", cfg.Name)
		}
	}
}
