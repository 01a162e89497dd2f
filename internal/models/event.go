package models

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// Status is the outcome of an AI operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Event is a single completed AI operation as seen by the engine.
type Event struct {
	// Unique identifier of the operation record
	ID string `json:"id"`

	// Timestamp when the operation completed
	Timestamp time.Time `json:"timestamp"`

	// Source application or service that emitted the event
	Source string `json:"source,omitempty"`

	// Model and operation identifiers
	Model     string `json:"model,omitempty"`
	Operation string `json:"operation,omitempty"`
	Provider  string `json:"provider,omitempty"`

	Status Status `json:"status"`

	// Numeric signals
	LatencyMs    float64  `json:"latency_ms"`
	Cost         float64  `json:"cost"`
	Confidence   *float64 `json:"confidence,omitempty"`
	InputTokens  int64    `json:"input_tokens,omitempty"`
	OutputTokens int64    `json:"output_tokens,omitempty"`

	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// Optional structured metadata
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Validation errors
var (
	ErrEmptyID           = errors.New("event ID cannot be empty")
	ErrZeroTimestamp     = errors.New("timestamp cannot be zero")
	ErrFutureTimestamp   = errors.New("timestamp cannot be in the future")
	ErrInvalidTimestamp  = errors.New("invalid timestamp format")
	ErrInvalidStatus     = errors.New("status must be success or error")
	ErrMissingIdentity   = errors.New("model or operation must be set")
	ErrNegativeMetric    = errors.New("latency, cost and token counts cannot be negative")
	ErrInvalidConfidence = errors.New("confidence must be within [0, 1]")
	ErrTooManyMetadata   = errors.New("too many metadata keys")
)

const (
	MaxMetadataKeys = 50
	metadataPrefix  = "metadata."
)

// Validate checks if the Event has all required fields and valid values
func (e *Event) Validate() error {
	if e.ID == "" {
		return ErrEmptyID
	}

	if e.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	if e.Timestamp.After(time.Now().Add(time.Minute)) {
		return ErrFutureTimestamp
	}

	if !e.Status.IsValid() {
		return ErrInvalidStatus
	}

	if e.Model == "" && e.Operation == "" {
		return ErrMissingIdentity
	}

	if e.LatencyMs < 0 || e.Cost < 0 || e.InputTokens < 0 || e.OutputTokens < 0 {
		return ErrNegativeMetric
	}

	if e.Confidence != nil && (*e.Confidence < 0 || *e.Confidence > 1) {
		return ErrInvalidConfidence
	}

	if len(e.Metadata) > MaxMetadataKeys {
		return ErrTooManyMetadata
	}

	return nil
}

// IsValid checks if the status is known
func (s Status) IsValid() bool {
	return s == StatusSuccess || s == StatusError
}

var numericFields = map[string]bool{
	"cost":          true,
	"cost_usd":      true,
	"latency_ms":    true,
	"latency":       true,
	"duration_ms":   true,
	"confidence":    true,
	"input_tokens":  true,
	"output_tokens": true,
	"total_tokens":  true,
}

// IsNumericField reports whether Number can resolve the field name.
func IsNumericField(field string) bool {
	if numericFields[field] {
		return true
	}
	key, ok := strings.CutPrefix(field, metadataPrefix)
	return ok && key != ""
}

// Number returns a numeric field by name. Unknown or absent fields report false.
func (e *Event) Number(field string) (float64, bool) {
	switch field {
	case "cost", "cost_usd":
		return e.Cost, true
	case "latency_ms", "latency", "duration_ms":
		return e.LatencyMs, true
	case "confidence":
		if e.Confidence == nil {
			return 0, false
		}
		return *e.Confidence, true
	case "input_tokens":
		return float64(e.InputTokens), true
	case "output_tokens":
		return float64(e.OutputTokens), true
	case "total_tokens":
		return float64(e.InputTokens + e.OutputTokens), true
	}

	if key, ok := strings.CutPrefix(field, metadataPrefix); ok {
		raw, present := e.Metadata[key]
		if !present {
			return 0, false
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return 0, false
		}
		return v, true
	}

	return 0, false
}

// Lookup returns a field rendered as text. Empty values report false.
func (e *Event) Lookup(field string) (string, bool) {
	var v string
	switch field {
	case "id":
		v = e.ID
	case "source":
		v = e.Source
	case "model":
		v = e.Model
	case "operation":
		v = e.Operation
	case "provider":
		v = e.Provider
	case "status":
		v = string(e.Status)
	case "error_type":
		v = e.ErrorType
	case "error_message":
		v = e.ErrorMessage
	default:
		if key, ok := strings.CutPrefix(field, metadataPrefix); ok {
			raw, present := e.Metadata[key]
			return raw, present
		}
		if n, ok := e.Number(field); ok {
			return strconv.FormatFloat(n, 'f', -1, 64), true
		}
		return "", false
	}
	return v, v != ""
}

// Fields flattens the event for message templates.
func (e *Event) Fields() map[string]any {
	fields := map[string]any{
		"id":            e.ID,
		"timestamp":     e.Timestamp.Format(time.RFC3339),
		"source":        e.Source,
		"model":         e.Model,
		"operation":     e.Operation,
		"provider":      e.Provider,
		"status":        string(e.Status),
		"latency_ms":    e.LatencyMs,
		"cost":          e.Cost,
		"input_tokens":  e.InputTokens,
		"output_tokens": e.OutputTokens,
		"total_tokens":  e.InputTokens + e.OutputTokens,
		"error_type":    e.ErrorType,
		"error_message": e.ErrorMessage,
	}
	if e.Confidence != nil {
		fields["confidence"] = *e.Confidence
	}
	meta := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		meta[k] = v
	}
	fields["metadata"] = meta
	return fields
}
