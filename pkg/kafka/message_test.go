package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sorrelhq/sorrel/pkg/models"
)

func TestParseIngest(t *testing.T) {
	msg := &IncomingMessage{Value: []byte(`{
		"bundle": {
			"kind": "person",
			"source_system": "shelterluv",
			"source_record_id": "sl-1",
			"name": "Jane Doe"
		},
		"relationships": [
			{
				"rel_type": "adopter_of",
				"origin": "observed",
				"object": {"kind": "animal", "source_record_id": "sl-2", "microchip": "985112345678903"}
			}
		]
	}`)}

	require.NoError(t, msg.ParseIngest())
	require.NotNil(t, msg.Ingest)

	assert.Equal(t, models.EntityKindPerson, msg.Ingest.Bundle.Kind)
	assert.Equal(t, "Jane Doe", msg.Ingest.Bundle.Name)
	require.Len(t, msg.Ingest.Relationships, 1)
	assert.Equal(t, "adopter_of", msg.Ingest.Relationships[0].RelType)
	assert.Equal(t, models.OriginObserved, msg.Ingest.Relationships[0].Origin)
}

func TestParseIngest_Malformed(t *testing.T) {
	msg := &IncomingMessage{Value: []byte(`not json`)}
	assert.Error(t, msg.ParseIngest())
	assert.Nil(t, msg.Ingest)
}

func TestSourceSystem(t *testing.T) {
	t.Run("envelope wins", func(t *testing.T) {
		msg := &IncomingMessage{
			Headers: map[string]string{"source_system": "header-system"},
			Ingest: &models.IngestMessage{
				Bundle: models.AttributeBundle{SourceSystem: "envelope-system"},
			},
		}
		assert.Equal(t, "envelope-system", msg.SourceSystem())
	})

	t.Run("falls back to header", func(t *testing.T) {
		msg := &IncomingMessage{Headers: map[string]string{"source_system": "header-system"}}
		assert.Equal(t, "header-system", msg.SourceSystem())
	})
}
