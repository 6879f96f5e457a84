package mapping

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Field validation kinds.
const (
	ValidateEmail         = "email_format"
	ValidatePhone         = "phone_format"
	ValidateDateNotFuture = "date_not_future"
	ValidateOneOf         = "one_of"
)

var emailPattern = regexp.MustCompile(`^[^@]+@[^@]+\.[^@]+$`)

// FieldValidation is one per-field format check: a named kind, or an
// explicit case-insensitive allow-list.
type FieldValidation struct {
	Kind    string   `json:"kind,omitempty"`
	Allowed []string `json:"allowed,omitempty"`
}

// ValidationRules is the declarative validation section of a sync rule.
type ValidationRules struct {
	RequiredFields      []string                   `json:"required_fields,omitempty"`
	ConditionalRequired map[string][]string        `json:"conditional_required,omitempty"`
	FieldValidations    map[string]FieldValidation `json:"field_validations,omitempty"`
}

// Empty reports whether the rules contain no checks at all.
func (r ValidationRules) Empty() bool {
	return len(r.RequiredFields) == 0 && len(r.ConditionalRequired) == 0 && len(r.FieldValidations) == 0
}

// Validate checks the flat data against the rules. Every check runs even
// after an earlier failure so the caller sees the complete error set.
func Validate(data map[string]any, rules ValidationRules) (bool, []string) {
	var errs []string

	for _, field := range rules.RequiredFields {
		if isEmpty(data[field]) {
			errs = append(errs, fmt.Sprintf("field %q is required", field))
		}
	}

	triggers := sortedKeys(rules.ConditionalRequired)
	for _, trigger := range triggers {
		if !isTruthy(data[trigger]) {
			continue
		}
		for _, dep := range rules.ConditionalRequired[trigger] {
			if v, ok := data[dep]; !ok || v == nil {
				errs = append(errs, fmt.Sprintf("field %q is required when %q is set", dep, trigger))
			}
		}
	}

	fields := sortedKeys(rules.FieldValidations)
	for _, field := range fields {
		value, ok := data[field]
		if !ok || value == nil {
			continue
		}
		if msg := checkField(field, fmt.Sprintf("%v", value), rules.FieldValidations[field]); msg != "" {
			errs = append(errs, msg)
		}
	}

	return len(errs) == 0, errs
}

func checkField(field, value string, v FieldValidation) string {
	if len(v.Allowed) > 0 {
		for _, allowed := range v.Allowed {
			if strings.EqualFold(value, allowed) {
				return ""
			}
		}
		return fmt.Sprintf("field %q value %q is not one of the allowed values", field, value)
	}

	switch v.Kind {
	case ValidateEmail:
		if !emailPattern.MatchString(value) {
			return fmt.Sprintf("field %q is not a valid email address", field)
		}
	case ValidatePhone:
		digits := 0
		for _, r := range value {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		if digits < 9 {
			return fmt.Sprintf("field %q is not a valid phone number", field)
		}
	case ValidateDateNotFuture:
		t, err := parseDate(value)
		if err != nil {
			return fmt.Sprintf("field %q is not a valid date", field)
		}
		if t.After(time.Now()) {
			return fmt.Sprintf("field %q must not be in the future", field)
		}
	}
	return ""
}

func parseDate(value string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", value)
}

// isEmpty treats nil, missing, and empty strings as absent.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != "" && t != "0" && !strings.EqualFold(t, "false")
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
