package rule

import (
	"os"
	"regexp"
	"testing"
)

// The store inserts Frequency values verbatim, so every constant must be
// admitted by the sync_rules frequency constraint. Manual-frequency rules in
// particular are only ever synced through an operator-triggered full sync and
// still have to be storable.
func TestSchemaAdmitsAllFrequencies(t *testing.T) {
	schema, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}

	re := regexp.MustCompile(`(?s)sync_rules_frequency_check\s*CHECK \(frequency IN \(([^)]*)\)`)
	m := re.FindSubmatch(schema)
	if m == nil {
		t.Fatal("sync_rules frequency constraint not found in schema")
	}
	allowed := string(m[1])

	for _, freq := range []Frequency{
		FrequencyManual, FrequencyRealtime, FrequencyHourly, FrequencyDaily, FrequencyWeekly,
	} {
		if !regexp.MustCompile(`'` + string(freq) + `'`).MatchString(allowed) {
			t.Errorf("frequency %q not allowed by sync_rules_frequency_check (%s)", freq, allowed)
		}
	}
}
