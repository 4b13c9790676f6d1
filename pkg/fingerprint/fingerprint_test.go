package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDeterministic(t *testing.T) {
	a := Generate(map[string]any{"name": "Bella", "species": "dog", "age": 3})
	b := Generate(map[string]any{"age": 3, "species": "dog", "name": "Bella"})
	assert.Equal(t, a, b, "key order must not change the fingerprint")
}

func TestGenerateDetectsChanges(t *testing.T) {
	a := Generate(map[string]any{"name": "Bella", "weight": 42})
	b := Generate(map[string]any{"name": "Bella", "weight": 43})
	assert.NotEqual(t, a, b)
}

func TestGenerateNested(t *testing.T) {
	a := Generate(map[string]any{
		"owner": map[string]any{"name": "Jane", "phone": "5551234567"},
		"tags":  []any{"friendly", "microchipped"},
	})
	b := Generate(map[string]any{
		"tags":  []any{"friendly", "microchipped"},
		"owner": map[string]any{"phone": "5551234567", "name": "Jane"},
	})
	assert.Equal(t, a, b)

	// Array order is significant.
	c := Generate(map[string]any{
		"owner": map[string]any{"name": "Jane", "phone": "5551234567"},
		"tags":  []any{"microchipped", "friendly"},
	})
	assert.NotEqual(t, a, c)
}

func TestGenerateFromJSON(t *testing.T) {
	fp1, err := GenerateFromJSON(json.RawMessage(`{"name": "Bella", "age": 3}`))
	require.NoError(t, err)
	fp2, err := GenerateFromJSON(json.RawMessage(`{"age": 3, "name": "Bella"}`))
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)

	_, err = GenerateFromJSON(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestHasChanged(t *testing.T) {
	assert.False(t, HasChanged("abc", "abc"))
	assert.True(t, HasChanged("abc", "def"))
}
