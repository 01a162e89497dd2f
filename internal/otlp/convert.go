// Package otlp receives OpenTelemetry log records describing AI service
// calls and turns them into engine events.
package otlp

import (
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"

	"vigil/internal/models"
)

// attribute keys consumed into Event fields; everything else lands in Metadata
const (
	attrEventName    = "event.name"
	attrEventID      = "event.id"
	attrServiceName  = "service.name"
	attrModel        = "model"
	attrOperation    = "operation"
	attrProvider     = "provider"
	attrGenAISystem  = "gen_ai.system"
	attrCost         = "cost_usd"
	attrDuration     = "duration_ms"
	attrInputTokens  = "input_tokens"
	attrOutputTokens = "output_tokens"
	attrConfidence   = "confidence"
	attrError        = "error"
	attrErrorType    = "error_type"
	attrStatusCode   = "status_code"
)

var consumed = map[string]bool{
	attrEventName: true, attrEventID: true, attrServiceName: true,
	attrModel: true, attrOperation: true, attrProvider: true, attrGenAISystem: true,
	attrCost: true, attrDuration: true, attrInputTokens: true, attrOutputTokens: true,
	attrConfidence: true, attrError: true, attrErrorType: true, attrStatusCode: true,
}

// Relevant reports whether a record describes an AI call: an api_request or
// api_error event, or any record carrying a model attribute.
func Relevant(name string, attrs map[string]string) bool {
	if strings.HasSuffix(name, "api_request") || strings.HasSuffix(name, "api_error") {
		return true
	}
	return attrs[attrModel] != ""
}

// ToEvent converts one log record. resource holds the resource attributes,
// which record attributes override. ok is false for records that are not AI
// calls; err reports a relevant record with malformed numeric attributes.
func ToEvent(resource []*commonpb.KeyValue, rec *logspb.LogRecord) (e *models.Event, ok bool, err error) {
	attrs := flatten(resource)
	for k, v := range flatten(rec.GetAttributes()) {
		attrs[k] = v
	}

	name := rec.GetEventName()
	if name == "" {
		name = attrs[attrEventName]
	}
	if !Relevant(name, attrs) {
		return nil, false, nil
	}

	e = &models.Event{
		ID:           recordID(rec, attrs),
		Timestamp:    recordTime(rec),
		Source:       attrs[attrServiceName],
		Model:        attrs[attrModel],
		Operation:    attrs[attrOperation],
		Provider:     attrs[attrProvider],
		ErrorType:    attrs[attrErrorType],
		ErrorMessage: attrs[attrError],
	}
	if e.Operation == "" && name != "" {
		e.Operation = name[strings.LastIndex(name, ".")+1:]
	}
	if e.Provider == "" {
		e.Provider = attrs[attrGenAISystem]
	}

	if e.Cost, err = parseFloat(attrs, attrCost); err != nil {
		return nil, true, err
	}
	if e.LatencyMs, err = parseFloat(attrs, attrDuration); err != nil {
		return nil, true, err
	}
	if e.InputTokens, err = parseInt(attrs, attrInputTokens); err != nil {
		return nil, true, err
	}
	if e.OutputTokens, err = parseInt(attrs, attrOutputTokens); err != nil {
		return nil, true, err
	}
	if v, present := attrs[attrConfidence]; present {
		c, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, true, &AttributeError{Key: attrConfidence, Value: v}
		}
		e.Confidence = &c
	}

	code, err := parseInt(attrs, attrStatusCode)
	if err != nil {
		return nil, true, err
	}
	if strings.HasSuffix(name, "api_error") || e.ErrorMessage != "" || code >= 400 {
		e.Status = models.StatusError
		if e.ErrorType == "" && code > 0 {
			e.ErrorType = "http_" + strconv.FormatInt(code, 10)
		}
	} else {
		e.Status = models.StatusSuccess
	}

	e.Metadata = metadata(attrs)
	return e, true, nil
}

// AttributeError reports an attribute that should be numeric but is not.
type AttributeError struct {
	Key   string
	Value string
}

func (e *AttributeError) Error() string {
	return "attribute " + e.Key + ": not a number: " + strconv.Quote(e.Value)
}

func parseFloat(attrs map[string]string, key string) (float64, error) {
	v, ok := attrs[key]
	if !ok || v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &AttributeError{Key: key, Value: v}
	}
	return f, nil
}

func parseInt(attrs map[string]string, key string) (int64, error) {
	v, ok := attrs[key]
	if !ok || v == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n, nil
	}
	// some SDKs send counts as doubles
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &AttributeError{Key: key, Value: v}
	}
	return int64(f), nil
}

func recordID(rec *logspb.LogRecord, attrs map[string]string) string {
	if id := attrs[attrEventID]; id != "" {
		return id
	}
	if len(rec.GetSpanId()) > 0 {
		return hex.EncodeToString(rec.GetTraceId()) + "-" + hex.EncodeToString(rec.GetSpanId())
	}
	return uuid.NewString()
}

func recordTime(rec *logspb.LogRecord) time.Time {
	if ts := rec.GetTimeUnixNano(); ts > 0 {
		return time.Unix(0, int64(ts)).UTC()
	}
	if ts := rec.GetObservedTimeUnixNano(); ts > 0 {
		return time.Unix(0, int64(ts)).UTC()
	}
	return time.Now().UTC()
}

// metadata keeps unconsumed attributes, in key order, up to the event limit.
func metadata(attrs map[string]string) map[string]string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		if !consumed[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)
	if len(keys) > models.MaxMetadataKeys {
		keys = keys[:models.MaxMetadataKeys]
	}
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		out[k] = attrs[k]
	}
	return out
}

func flatten(kvs []*commonpb.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if s, ok := anyValueString(kv.GetValue()); ok {
			out[kv.GetKey()] = s
		}
	}
	return out
}

func anyValueString(v *commonpb.AnyValue) (string, bool) {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue, true
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10), true
	case *commonpb.AnyValue_DoubleValue:
		return strconv.FormatFloat(val.DoubleValue, 'f', -1, 64), true
	case *commonpb.AnyValue_BoolValue:
		return strconv.FormatBool(val.BoolValue), true
	default:
		return "", false
	}
}
