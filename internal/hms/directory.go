package hms

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a back-referenced record no longer exists.
var ErrNotFound = errors.New("record not found")

// Directory is an in-memory Source/Lister over local records, keyed by
// (model, resource id). The production deployment substitutes an adapter
// over the hospital application's own storage; the Directory backs tests
// and standalone worker runs.
type Directory struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{records: make(map[string]Record)}
}

func recordKey(model, id string) string {
	return model + "/" + id
}

// Put registers or replaces a record.
func (d *Directory) Put(rec Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records[recordKey(rec.Model(), rec.ResourceID())] = rec
}

// Remove drops a record, mirroring a local deletion.
func (d *Directory) Remove(model, id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, recordKey(model, id))
}

// Lookup resolves a weak back-reference to the live record.
func (d *Directory) Lookup(_ context.Context, model, key string) (Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.records[recordKey(model, key)]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", model, key, ErrNotFound)
	}
	return rec, nil
}

// ListRecords returns all records of one model matching the flat equality
// filter. A nil/empty filter matches everything.
func (d *Directory) ListRecords(_ context.Context, model string, filter map[string]any) ([]Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []Record
	for _, rec := range d.records {
		if rec.Model() != model {
			continue
		}
		if matchesFilter(rec.Fields(), filter) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func matchesFilter(fields, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := fields[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
