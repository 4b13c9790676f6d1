package merging

import (
	"encoding/json"
	"fmt"

	"github.com/sorrelhq/sorrel/pkg/models"
)

// MergeScalars combines two entity data payloads with fill-gaps semantics:
// keep's values win every conflict, keep's nulls and empty strings are
// filled from remove, booleans OR together, and notes concatenate with a
// provenance marker. Disagreements where remove's value is dropped come
// back as field diffs for the audit row.
func MergeScalars(keep, remove json.RawMessage, removeLabel string) (json.RawMessage, []models.FieldDiff, error) {
	keepMap := map[string]any{}
	if len(keep) > 0 {
		if err := json.Unmarshal(keep, &keepMap); err != nil {
			return nil, nil, fmt.Errorf("unmarshal keep data: %w", err)
		}
	}
	removeMap := map[string]any{}
	if len(remove) > 0 {
		if err := json.Unmarshal(remove, &removeMap); err != nil {
			return nil, nil, fmt.Errorf("unmarshal remove data: %w", err)
		}
	}

	var diffs []models.FieldDiff
	for field, removeVal := range removeMap {
		if isEmpty(removeVal) {
			continue
		}

		keepVal, present := keepMap[field]
		if !present || isEmpty(keepVal) {
			keepMap[field] = removeVal
			continue
		}

		if kb, ok := keepVal.(bool); ok {
			if rb, ok := removeVal.(bool); ok {
				keepMap[field] = kb || rb
				continue
			}
		}

		if field == "notes" {
			ks, kok := keepVal.(string)
			rs, rok := removeVal.(string)
			if kok && rok && ks != rs {
				keepMap[field] = ks + "\n[from " + removeLabel + "] " + rs
				continue
			}
		}

		if !equalValues(keepVal, removeVal) {
			diffs = append(diffs, models.FieldDiff{
				Field:        field,
				KeptValue:    keepVal,
				DroppedValue: removeVal,
			})
		}
	}

	merged, err := json.Marshal(keepMap)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal merged data: %w", err)
	}
	return merged, diffs, nil
}

// isEmpty treats nil and empty strings as gaps to be filled
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

// equalValues compares two decoded JSON values structurally
func equalValues(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ab) == string(bb)
}
