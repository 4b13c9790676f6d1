package kafka

import (
	"encoding/json"
	"time"

	"github.com/sorrelhq/sorrel/pkg/models"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Parsed content
	Ingest *models.IngestMessage
}

// ParseIngest parses the message value as an ingest envelope and validates
// the fields resolution cannot proceed without
func (m *IncomingMessage) ParseIngest() error {
	var msg models.IngestMessage
	if err := json.Unmarshal(m.Value, &msg); err != nil {
		return err
	}
	m.Ingest = &msg
	return nil
}

// SourceSystem returns the source system, preferring the parsed envelope
// over the header
func (m *IncomingMessage) SourceSystem() string {
	if m.Ingest != nil && m.Ingest.Bundle.SourceSystem != "" {
		return m.Ingest.Bundle.SourceSystem
	}
	return m.Headers["source_system"]
}
