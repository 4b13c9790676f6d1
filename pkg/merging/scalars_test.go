package merging

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeScalars(t *testing.T) {
	tests := []struct {
		name          string
		keep          string
		remove        string
		expected      string
		expectedDiffs int
	}{
		{
			name:     "fills gaps from remove",
			keep:     `{"name": "Jane", "email": ""}`,
			remove:   `{"email": "jane@example.com", "phone": "5551234567"}`,
			expected: `{"name": "Jane", "email": "jane@example.com", "phone": "5551234567"}`,
		},
		{
			name:          "keep wins conflicts and records a diff",
			keep:          `{"email": "jane@example.com"}`,
			remove:        `{"email": "j.doe@example.com"}`,
			expected:      `{"email": "jane@example.com"}`,
			expectedDiffs: 1,
		},
		{
			name:     "null on keep is a gap",
			keep:     `{"email": null}`,
			remove:   `{"email": "jane@example.com"}`,
			expected: `{"email": "jane@example.com"}`,
		},
		{
			name:     "empty remove values are ignored",
			keep:     `{"email": "jane@example.com"}`,
			remove:   `{"email": "", "phone": null}`,
			expected: `{"email": "jane@example.com"}`,
		},
		{
			name:     "booleans or together",
			keep:     `{"do_not_adopt": false}`,
			remove:   `{"do_not_adopt": true}`,
			expected: `{"do_not_adopt": true}`,
		},
		{
			name:     "equal values produce no diff",
			keep:     `{"name": "Jane"}`,
			remove:   `{"name": "Jane"}`,
			expected: `{"name": "Jane"}`,
		},
		{
			name:     "empty keep takes everything",
			keep:     `{}`,
			remove:   `{"name": "Jane", "age": 30}`,
			expected: `{"name": "Jane", "age": 30}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, diffs, err := MergeScalars(json.RawMessage(tt.keep), json.RawMessage(tt.remove), "remove-id")
			require.NoError(t, err)

			var got, want map[string]any
			require.NoError(t, json.Unmarshal(merged, &got))
			require.NoError(t, json.Unmarshal([]byte(tt.expected), &want))
			assert.Equal(t, want, got)
			assert.Len(t, diffs, tt.expectedDiffs)
		})
	}
}

func TestMergeScalarsNotesConcatenate(t *testing.T) {
	merged, diffs, err := MergeScalars(
		json.RawMessage(`{"notes": "prefers cats"}`),
		json.RawMessage(`{"notes": "has a fenced yard"}`),
		"abc-123",
	)
	require.NoError(t, err)
	assert.Empty(t, diffs)

	var got map[string]any
	require.NoError(t, json.Unmarshal(merged, &got))
	assert.Equal(t, "prefers cats\n[from abc-123] has a fenced yard", got["notes"])
}

func TestMergeScalarsDiffContents(t *testing.T) {
	_, diffs, err := MergeScalars(
		json.RawMessage(`{"phone": "5551112222"}`),
		json.RawMessage(`{"phone": "5553334444"}`),
		"remove-id",
	)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "phone", diffs[0].Field)
	assert.Equal(t, "5551112222", diffs[0].KeptValue)
	assert.Equal(t, "5553334444", diffs[0].DroppedValue)
}

func TestMergeScalarsInvalidJSON(t *testing.T) {
	_, _, err := MergeScalars(json.RawMessage(`nope`), json.RawMessage(`{}`), "x")
	assert.Error(t, err)

	_, _, err = MergeScalars(json.RawMessage(`{}`), json.RawMessage(`nope`), "x")
	assert.Error(t, err)
}
