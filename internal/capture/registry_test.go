package capture_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/carelink/fhirbridge/internal/capture"
	"github.com/carelink/fhirbridge/internal/hms"
	"github.com/carelink/fhirbridge/internal/queue"
	"github.com/carelink/fhirbridge/internal/queue/queuetest"
	"github.com/carelink/fhirbridge/internal/rule"
)

func realtimeRules() []*rule.Rule {
	return []*rule.Rule{
		{ID: 1, Name: "patients", ResourceType: "Patient", SourceModel: hms.ModelPatient,
			Enabled: true, Frequency: rule.FrequencyRealtime},
		{ID: 2, Name: "observations", ResourceType: "Observation", SourceModel: hms.ModelObservation,
			Enabled: true, Frequency: rule.FrequencyRealtime},
		{ID: 3, Name: "nightly-conditions", ResourceType: "Condition", SourceModel: hms.ModelCondition,
			Enabled: true, Frequency: rule.FrequencyDaily},
	}
}

func newRegistry(t *testing.T) (*capture.Registry, *queuetest.Store) {
	t.Helper()
	store := queuetest.New()
	m := queue.NewManager(store, nil, nil, nil, nil)
	reg := capture.NewRegistry(m, store, nil)
	reg.Reload(realtimeRules())
	return reg, store
}

func TestOnCreateEnqueuesRealtimeItem(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)

	item, err := reg.OnCreate(ctx, &hms.Patient{PatientID: "PAT-1", LastName: "Mensah"})
	if err != nil {
		t.Fatalf("on create: %v", err)
	}
	if item == nil {
		t.Fatal("expected an enqueued item")
	}

	got, _ := store.GetByID(ctx, item.ID)
	if got.Operation != queue.OpCreate {
		t.Errorf("operation = %s, want create", got.Operation)
	}
	if got.Priority != queue.PriorityRealtime {
		t.Errorf("priority = %d, want %d", got.Priority, queue.PriorityRealtime)
	}
	if got.RuleID == nil || *got.RuleID != 1 {
		t.Errorf("rule_id = %v, want 1", got.RuleID)
	}
	if got.SourceModel != hms.ModelPatient || got.SourceKey != "PAT-1" {
		t.Errorf("back-reference = %s/%s", got.SourceModel, got.SourceKey)
	}
	if len(got.FHIRData) == 0 {
		t.Error("no document attached at enqueue time")
	}
}

func TestOnUpdateIgnoresUncoveredModel(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)

	// Conditions only have a daily rule, not a realtime one.
	item, err := reg.OnUpdate(ctx, &hms.Condition{ConditionID: "CON-1", PatientID: "PAT-1", Code: "I10"})
	if err != nil {
		t.Fatalf("on update: %v", err)
	}
	if item != nil {
		t.Fatal("model without a realtime rule must not enqueue")
	}
	stats, _ := store.Statistics(ctx)
	if stats.Total != 0 {
		t.Errorf("queue has %d items, want 0", stats.Total)
	}
}

func TestOnDeleteFlipsActiveItem(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)

	pending, err := reg.OnUpdate(ctx, &hms.Patient{PatientID: "PAT-1", LastName: "Mensah"})
	if err != nil || pending == nil {
		t.Fatalf("setup enqueue: %v", err)
	}

	if err := reg.OnDelete(ctx, hms.ModelPatient, "PAT-1", "fhir-55"); err != nil {
		t.Fatalf("on delete: %v", err)
	}

	stats, _ := store.Statistics(ctx)
	if stats.Total != 1 {
		t.Fatalf("queue has %d items, want the flipped one only", stats.Total)
	}

	got, _ := store.GetByID(ctx, pending.ID)
	if got.Operation != queue.OpDelete || got.Status != queue.StatusPending {
		t.Errorf("flipped item = %s/%s", got.Operation, got.Status)
	}

	var stub map[string]string
	if err := json.Unmarshal(got.FHIRData, &stub); err != nil {
		t.Fatalf("stub: %v", err)
	}
	if stub["resourceType"] != "Patient" || stub["id"] != "fhir-55" {
		t.Errorf("stub = %v", stub)
	}
}

func TestOnDeleteWithoutActiveItemEnqueues(t *testing.T) {
	ctx := context.Background()
	reg, store := newRegistry(t)

	if err := reg.OnDelete(ctx, hms.ModelPatient, "PAT-9", ""); err != nil {
		t.Fatalf("on delete: %v", err)
	}

	item, _ := store.FindActive(ctx, "Patient", "PAT-9")
	if item == nil {
		t.Fatal("expected a fresh delete item")
	}
	if item.Operation != queue.OpDelete {
		t.Errorf("operation = %s, want delete", item.Operation)
	}

	var stub map[string]string
	_ = json.Unmarshal(item.FHIRData, &stub)
	if stub["id"] != "PAT-9" {
		t.Errorf("stub id = %q, falls back to the record id", stub["id"])
	}
}

func TestReloadLowestRuleIDWinsPerModel(t *testing.T) {
	ctx := context.Background()
	store := queuetest.New()
	m := queue.NewManager(store, nil, nil, nil, nil)
	reg := capture.NewRegistry(m, store, nil)

	reg.Reload([]*rule.Rule{
		{ID: 8, ResourceType: "Patient", SourceModel: hms.ModelPatient,
			Enabled: true, Frequency: rule.FrequencyRealtime},
		{ID: 4, ResourceType: "Patient", SourceModel: hms.ModelPatient,
			Enabled: true, Frequency: rule.FrequencyRealtime},
	})

	item, err := reg.OnCreate(ctx, &hms.Patient{PatientID: "PAT-1", LastName: "Mensah"})
	if err != nil || item == nil {
		t.Fatalf("on create: %v", err)
	}
	if item.RuleID == nil || *item.RuleID != 4 {
		t.Errorf("rule_id = %v, want the lowest id 4", item.RuleID)
	}
}

func TestResourceTypeForFallsBackToModelMapping(t *testing.T) {
	reg, _ := newRegistry(t)

	if rt, ok := reg.ResourceTypeFor(hms.ModelPatient); !ok || rt != "Patient" {
		t.Errorf("patient = %q %v", rt, ok)
	}
	// No rule covers immunizations; the built-in model mapping answers.
	if rt, ok := reg.ResourceTypeFor(hms.ModelImmunization); !ok || rt != "Immunization" {
		t.Errorf("immunization = %q %v", rt, ok)
	}
	if _, ok := reg.ResourceTypeFor("unknown_model"); ok {
		t.Error("unknown model must not resolve")
	}
}
