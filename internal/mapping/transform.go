package mapping

import (
	"fmt"
	"strings"
	"time"
)

// Transform kinds understood by ApplyTransformations. Unknown kinds pass the
// value through unchanged so new rule configs stay forward-compatible with
// older workers.
const (
	TransformMap         = "map"
	TransformDateFormat  = "date_format"
	TransformPhoneFormat = "phone_format"
)

// TransformRule is one per-field value transformation.
type TransformRule struct {
	Type string `json:"type"`
	// Mapping is the value remap table for TransformMap.
	Mapping map[string]string `json:"mapping,omitempty"`
	// CountryCode is the calling-code prefix for TransformPhoneFormat
	// (digits only, e.g. "233").
	CountryCode string `json:"country_code,omitempty"`
}

// ApplyTransformations applies per-field transforms to the flat
// representation and returns a new map; the input is never mutated.
// Transformation is independent of mapping: transformed values are merged
// back into the mapped document by the caller.
func ApplyTransformations(data map[string]any, rules map[string]TransformRule) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}

	for field, rule := range rules {
		value, ok := out[field]
		if !ok || value == nil {
			continue
		}
		out[field] = transformValue(value, rule)
	}
	return out
}

func transformValue(value any, rule TransformRule) any {
	switch rule.Type {
	case TransformMap:
		if mapped, ok := rule.Mapping[fmt.Sprintf("%v", value)]; ok {
			return mapped
		}
		return value
	case TransformDateFormat:
		return formatDate(value)
	case TransformPhoneFormat:
		return FormatPhone(fmt.Sprintf("%v", value), rule.CountryCode)
	default:
		return value
	}
}

// formatDate leaves strings alone (assumed pre-formatted), renders times as
// ISO-8601 dates, and stringifies anything else.
func formatDate(value any) any {
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.Format("2006-01-02")
	case *time.Time:
		if v == nil {
			return value
		}
		return v.Format("2006-01-02")
	default:
		return fmt.Sprintf("%v", v)
	}
}

// FormatPhone normalizes a phone number to E.164-ish form: strip everything
// but digits, and for 9/10-digit national numbers missing the country calling
// code, drop the trunk zero and prepend the code. Always emits a leading "+".
func FormatPhone(raw, countryCode string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if countryCode != "" && (len(digits) == 9 || len(digits) == 10) && !strings.HasPrefix(digits, countryCode) {
		digits = countryCode + strings.TrimPrefix(digits, "0")
	}
	return "+" + digits
}
