// Package mapping implements the field-mapping, transformation, and
// validation pipeline that turns flat local-record attributes into nested
// FHIR documents.
package mapping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// segment is one parsed element of a mapping path. A segment addresses a map
// key, optionally with an array selector: numeric (name[0]) or named
// (identifier[mrn], matching the array element whose "type" equals the tag).
type segment struct {
	key    string
	index  int // numeric selector, -1 when absent
	tag    string
	hasSel bool
}

func parsePath(path string) ([]segment, error) {
	if path == "" {
		return nil, fmt.Errorf("empty mapping path")
	}
	parts := strings.Split(path, ".")
	segs := make([]segment, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			return nil, fmt.Errorf("empty segment in path %q", path)
		}
		open := strings.IndexByte(part, '[')
		if open < 0 {
			if strings.ContainsAny(part, "[]") {
				return nil, fmt.Errorf("unbalanced brackets in path %q", path)
			}
			segs = append(segs, segment{key: part, index: -1})
			continue
		}
		if open == 0 || !strings.HasSuffix(part, "]") {
			return nil, fmt.Errorf("unbalanced brackets in path %q", path)
		}
		sel := part[open+1 : len(part)-1]
		if sel == "" || strings.ContainsAny(sel, "[]") {
			return nil, fmt.Errorf("malformed selector in path %q", path)
		}
		seg := segment{key: part[:open], index: -1, hasSel: true}
		if n, err := strconv.Atoi(sel); err == nil {
			if n < 0 {
				return nil, fmt.Errorf("negative index in path %q", path)
			}
			seg.index = n
		} else {
			seg.tag = sel
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// ApplyFieldMappings converts a flat attribute map into a nested FHIR-shaped
// document. Only source fields present with a non-nil value produce output;
// an absent local value never lands as a null FHIR field. Malformed paths are
// configuration errors and fail the whole call.
func ApplyFieldMappings(source map[string]any, mappings map[string]string) (map[string]any, error) {
	doc := make(map[string]any)

	// Deterministic output ordering for array-building selectors.
	fields := make([]string, 0, len(mappings))
	for f := range mappings {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		value, ok := source[field]
		if !ok || value == nil {
			continue
		}
		if err := SetValue(doc, mappings[field], value); err != nil {
			return nil, fmt.Errorf("map field %q: %w", field, err)
		}
	}
	return doc, nil
}

// SetValue writes value into doc at the given dotted path, creating
// intermediate maps and arrays as needed.
func SetValue(doc map[string]any, path string, value any) error {
	segs, err := parsePath(path)
	if err != nil {
		return err
	}

	current := doc
	for i, seg := range segs {
		last := i == len(segs)-1

		if !seg.hasSel {
			if last {
				current[seg.key] = value
				return nil
			}
			next, ok := current[seg.key].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[seg.key] = next
			}
			current = next
			continue
		}

		arr, _ := current[seg.key].([]any)

		if seg.tag != "" {
			elem, pos := findTagged(arr, seg.tag)
			if pos < 0 {
				elem = map[string]any{"type": seg.tag}
				arr = append(arr, elem)
				pos = len(arr) - 1
			}
			current[seg.key] = arr
			if last {
				arr[pos] = value
				return nil
			}
			current = elem
			continue
		}

		for len(arr) <= seg.index {
			arr = append(arr, nil)
		}
		current[seg.key] = arr
		if last {
			arr[seg.index] = value
			return nil
		}
		next, ok := arr[seg.index].(map[string]any)
		if !ok {
			next = make(map[string]any)
			arr[seg.index] = next
		}
		current = next
	}
	return nil
}

func findTagged(arr []any, tag string) (map[string]any, int) {
	for i, elem := range arr {
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t == tag {
			return m, i
		}
	}
	return nil, -1
}
