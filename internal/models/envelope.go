package models

import (
	"time"
)

// Transport names for Envelope.Transport.
const (
	TransportHTTP  = "http"
	TransportKafka = "kafka"
	TransportOTLP  = "otlp"
)

// Envelope wraps an Event with internal metadata for processing
type Envelope struct {
	// Original event
	Event *Event `json:"event"`

	// Internal processing metadata
	ReceivedAt   time.Time `json:"received_at"`
	IngestNode   string    `json:"ingest_node"`
	Transport    string    `json:"transport"`
	BatchID      string    `json:"batch_id,omitempty"`
	BatchIndex   int       `json:"batch_index,omitempty"`
	PartitionKey string    `json:"partition_key"`
}

// NewEnvelope creates a new envelope wrapping an event
func NewEnvelope(event *Event, ingestNode, transport string) *Envelope {
	key := event.Model
	if key == "" {
		key = event.Operation
	}
	return &Envelope{
		Event:        event,
		ReceivedAt:   time.Now().UTC(),
		IngestNode:   ingestNode,
		Transport:    transport,
		PartitionKey: key,
	}
}

// WithBatch sets batch metadata on the envelope
func (e *Envelope) WithBatch(batchID string, index int) *Envelope {
	e.BatchID = batchID
	e.BatchIndex = index
	return e
}
