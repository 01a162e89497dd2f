package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"vigil/internal/metrics"
	"vigil/internal/models"
)

// ErrQueueFull is returned when the ingest queue cannot take another event.
var ErrQueueFull = errors.New("internal queue full, try again later")

// IngestHandler handles AI operation event ingestion via HTTP
type IngestHandler struct {
	// Channel drained by the worker pool
	envelopeChan chan<- *models.Envelope

	// Node identifier for tracking
	nodeID string

	// Batch counter for generating batch IDs
	batchCounter uint64

	// Max body size (default 10MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	EnvelopeChan chan<- *models.Envelope
	NodeID       string
	MaxBodySize  int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID, _ = os.Hostname()
		if nodeID == "" {
			nodeID = "unknown"
		}
	}

	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &IngestHandler{
		envelopeChan: cfg.EnvelopeChan,
		nodeID:       nodeID,
		maxBodySize:  maxBodySize,
	}
}

// IngestRequest represents the incoming JSON payload (single or batch)
type IngestRequest struct {
	// Single event (if Events is empty)
	Event *EventInput `json:"event,omitempty"`

	// Batch of events
	Events []EventInput `json:"events,omitempty"`
}

// EventInput is the wire format for AI operation events (with string timestamp)
type EventInput struct {
	ID           string            `json:"id"`
	Timestamp    string            `json:"timestamp"` // String for flexible parsing
	Source       string            `json:"source"`
	Model        string            `json:"model"`
	Operation    string            `json:"operation"`
	Provider     string            `json:"provider,omitempty"`
	Status       string            `json:"status"`
	LatencyMs    float64           `json:"latency_ms"`
	Cost         float64           `json:"cost"`
	Confidence   *float64          `json:"confidence,omitempty"`
	InputTokens  int64             `json:"input_tokens,omitempty"`
	OutputTokens int64             `json:"output_tokens,omitempty"`
	ErrorType    string            `json:"error_type,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a validation error for a specific event
type IngestError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	inputs, err := h.parseBody(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(inputs) == 0 {
		h.writeError(w, http.StatusBadRequest, "no events provided")
		return
	}
	metrics.IngestBatchSize.Observe(float64(len(inputs)))

	batchID := h.generateBatchID()
	response := h.processEvents(inputs, batchID)

	status := http.StatusOK
	if response.Rejected > 0 && response.Accepted == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, response)
}

// parseBody parses the JSON body into a slice of EventInput
func (h *IngestHandler) parseBody(body []byte) ([]EventInput, error) {
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Events) > 0 {
			return req.Events, nil
		}
		if req.Event != nil {
			return []EventInput{*req.Event}, nil
		}
	}

	var events []EventInput
	if err := json.Unmarshal(body, &events); err == nil && len(events) > 0 {
		return events, nil
	}

	var single EventInput
	if err := json.Unmarshal(body, &single); err == nil && single.ID != "" {
		return []EventInput{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected event object or array of events")
}

// processEvents validates, normalizes, and pushes events to the queue
func (h *IngestHandler) processEvents(inputs []EventInput, batchID string) IngestResponse {
	response := IngestResponse{
		Success: true,
		Errors:  make([]IngestError, 0),
	}

	reject := func(i int, id string, err error) {
		response.Errors = append(response.Errors, IngestError{Index: i, EventID: id, Error: err.Error()})
		response.Rejected++
	}

	for i, input := range inputs {
		event, err := input.toEvent()
		if err != nil {
			reject(i, input.ID, err)
			continue
		}

		if err := h.Submit(event, models.TransportHTTP, batchID, i); err != nil {
			reject(i, event.ID, err)
			continue
		}
		response.Accepted++
	}

	response.Success = response.Rejected == 0
	return response
}

// Submit normalizes, validates and enqueues one event without blocking.
// It is shared by every transport that cannot apply backpressure.
func (h *IngestHandler) Submit(event *models.Event, transport, batchID string, index int) error {
	event.Normalize()
	if err := event.Validate(); err != nil {
		metrics.IngestEventsTotal.WithLabelValues(transport, "rejected").Inc()
		return err
	}

	envelope := models.NewEnvelope(event, h.nodeID, transport)
	if batchID != "" {
		envelope.WithBatch(batchID, index)
	}

	select {
	case h.envelopeChan <- envelope:
		metrics.IngestEventsTotal.WithLabelValues(transport, "accepted").Inc()
		return nil
	default:
		metrics.IngestEventsTotal.WithLabelValues(transport, "rejected").Inc()
		return ErrQueueFull
	}
}

// DecodeEvent parses one event in the ingest wire format. Transports other
// than HTTP use it so every path accepts the same timestamps.
func DecodeEvent(data []byte) (*models.Event, error) {
	var in EventInput
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return in.toEvent()
}

// toEvent converts EventInput to Event
func (in EventInput) toEvent() (*models.Event, error) {
	ts, err := models.ParseTimestamp(in.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	return &models.Event{
		ID:           in.ID,
		Timestamp:    ts,
		Source:       in.Source,
		Model:        in.Model,
		Operation:    in.Operation,
		Provider:     in.Provider,
		Status:       models.Status(in.Status),
		LatencyMs:    in.LatencyMs,
		Cost:         in.Cost,
		Confidence:   in.Confidence,
		InputTokens:  in.InputTokens,
		OutputTokens: in.OutputTokens,
		ErrorType:    in.ErrorType,
		ErrorMessage: in.ErrorMessage,
		Metadata:     in.Metadata,
	}, nil
}

// generateBatchID generates a unique batch ID
func (h *IngestHandler) generateBatchID() string {
	counter := atomic.AddUint64(&h.batchCounter, 1)
	return fmt.Sprintf("%s-%d-%d", h.nodeID, time.Now().UnixNano(), counter)
}

// writeError writes an error response
func (h *IngestHandler) writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
