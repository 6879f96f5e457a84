// Package hms defines the contracts the sync engine needs from the hospital
// records application. The engine never sees the application's storage; it
// asks a Record for its current flat attribute values and, after a successful
// delivery, writes the server-assigned id back through SyncWriteback.
package hms

import (
	"context"
	"time"
)

// Record is one local clinical record viewed as a flat attribute map.
type Record interface {
	// Model names the local record type (patient, encounter, ...).
	Model() string
	// ResourceID returns the stable identifier used as the FHIR resource id
	// across retries (business key when present, primary key otherwise).
	ResourceID() string
	// Fields returns the record's current scalar attribute values. Absent or
	// empty attributes are omitted so downstream mapping never emits nulls.
	Fields() map[string]any
}

// SyncWriteback is implemented by records that store the server-assigned
// FHIR id and last sync timestamp. Write-back is best-effort: a failure is
// logged by the caller, never fatal to the sync itself.
type SyncWriteback interface {
	ApplySyncResult(fhirID string, syncedAt time.Time) error
}

// Source resolves the weak back-reference a queue item carries
// (model kind + opaque key) to the live record, if it still exists.
type Source interface {
	Lookup(ctx context.Context, model, key string) (Record, error)
}

// Lister enumerates records of one model for bulk synchronization. The
// filter is a flat equality map applied to each record's Fields.
type Lister interface {
	ListRecords(ctx context.Context, model string, filter map[string]any) ([]Record, error)
}

// Known local record models.
const (
	ModelPatient      = "patient"
	ModelPractitioner = "practitioner"
	ModelEncounter    = "encounter"
	ModelObservation  = "observation"
	ModelCondition    = "condition"
	ModelMedication   = "medication"
	ModelAllergy      = "allergy"
	ModelProcedure    = "procedure"
	ModelImmunization = "immunization"
)
