package otlp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"

	"vigil/internal/models"
	"vigil/internal/otlp"
)

type fakeSubmitter struct {
	mu     sync.Mutex
	events []*models.Event
	fail   error
}

func (f *fakeSubmitter) Submit(e *models.Event, transport, batchID string, index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	if transport != models.TransportOTLP {
		return errors.New("unexpected transport " + transport)
	}
	e.Normalize()
	if err := e.Validate(); err != nil {
		return err
	}
	f.events = append(f.events, e)
	return nil
}

func str(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func num(k string, v int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}}
}

func dbl(k string, v float64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v}}}
}

func exportRequest(records ...*logspb.LogRecord) *collogspb.ExportLogsServiceRequest {
	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				str("service.name", "Support-Bot"),
				str("session.id", "sess-1"),
			}},
			ScopeLogs: []*logspb.ScopeLogs{{LogRecords: records}},
		}},
	}
}

func apiRequest(id string) *logspb.LogRecord {
	return &logspb.LogRecord{
		TimeUnixNano: uint64(time.Now().Add(-time.Second).UnixNano()),
		EventName:    "claude_code.api_request",
		Attributes: []*commonpb.KeyValue{
			str("event.id", id),
			str("model", "claude-sonnet-4-5"),
			str("cost_usd", "0.05"),
			num("input_tokens", 1500),
			num("output_tokens", 300),
			num("duration_ms", 2100),
			dbl("confidence", 0.82),
		},
	}
}

func TestToEventAPIRequest(t *testing.T) {
	req := exportRequest(apiRequest("r-1"))
	rl := req.ResourceLogs[0]

	e, ok, err := otlp.ToEvent(rl.Resource.Attributes, rl.ScopeLogs[0].LogRecords[0])
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, "r-1", e.ID)
	assert.Equal(t, "Support-Bot", e.Source)
	assert.Equal(t, "claude-sonnet-4-5", e.Model)
	assert.Equal(t, "api_request", e.Operation)
	assert.Equal(t, models.StatusSuccess, e.Status)
	assert.InDelta(t, 0.05, e.Cost, 1e-9)
	assert.InDelta(t, 2100, e.LatencyMs, 1e-9)
	assert.Equal(t, int64(1500), e.InputTokens)
	assert.Equal(t, int64(300), e.OutputTokens)
	require.NotNil(t, e.Confidence)
	assert.InDelta(t, 0.82, *e.Confidence, 1e-9)
	assert.Equal(t, map[string]string{"session.id": "sess-1"}, e.Metadata)
}

func TestToEventAPIError(t *testing.T) {
	rec := &logspb.LogRecord{
		TimeUnixNano: uint64(time.Now().UnixNano()),
		Attributes: []*commonpb.KeyValue{
			str("event.name", "claude_code.api_error"),
			str("model", "claude-sonnet-4-5"),
			str("error", "overloaded"),
			num("status_code", 529),
		},
		TraceId: []byte{0xab, 0xcd},
		SpanId:  []byte{0x01},
	}
	e, ok, err := otlp.ToEvent(nil, rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.StatusError, e.Status)
	assert.Equal(t, "http_529", e.ErrorType)
	assert.Equal(t, "overloaded", e.ErrorMessage)
	assert.Equal(t, "abcd-01", e.ID)
}

func TestToEventSkipsUnrelatedRecords(t *testing.T) {
	rec := &logspb.LogRecord{EventName: "claude_code.user_prompt", Attributes: []*commonpb.KeyValue{num("prompt_length", 42)}}
	_, ok, err := otlp.ToEvent(nil, rec)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestToEventBadNumber(t *testing.T) {
	rec := apiRequest("r-1")
	rec.Attributes = append(rec.Attributes, str("cost_usd", "cheap"))
	_, ok, err := otlp.ToEvent(nil, rec)
	assert.True(t, ok)
	var attrErr *otlp.AttributeError
	require.ErrorAs(t, err, &attrErr)
	assert.Equal(t, "cost_usd", attrErr.Key)
}

func TestHTTPProtobuf(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := httptest.NewServer(otlp.NewReceiver(sub))
	defer srv.Close()

	unrelated := &logspb.LogRecord{EventName: "claude_code.user_prompt"}
	body, err := proto.Marshal(exportRequest(apiRequest("r-1"), unrelated, apiRequest("r-2")))
	require.NoError(t, err)

	resp, err := http.Post(srv.URL, "application/x-protobuf", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	require.Len(t, sub.events, 2)
	assert.Equal(t, "support-bot", sub.events[0].Source)
}

func TestHTTPJSON(t *testing.T) {
	sub := &fakeSubmitter{}
	srv := httptest.NewServer(otlp.NewReceiver(sub))
	defer srv.Close()

	ts := strconv.FormatInt(time.Now().Add(-time.Second).UnixNano(), 10)
	body, err := json.Marshal(map[string]any{
		"resourceLogs": []map[string]any{{
			"scopeLogs": []map[string]any{{
				"logRecords": []map[string]any{{
					"timeUnixNano": ts,
					"eventName":    "claude_code.api_request",
					"attributes": []map[string]any{
						{"key": "model", "value": map[string]any{"stringValue": "gpt-4o"}},
						{"key": "input_tokens", "value": map[string]any{"intValue": "42"}},
					},
				}},
			}},
		}},
	})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, sub.events, 1)
	assert.Equal(t, "gpt-4o", sub.events[0].Model)
	assert.Equal(t, int64(42), sub.events[0].InputTokens)
}

func TestHTTPPartialSuccess(t *testing.T) {
	sub := &fakeSubmitter{fail: errors.New("queue full")}
	srv := httptest.NewServer(otlp.NewReceiver(sub))
	defer srv.Close()

	body, err := proto.Marshal(exportRequest(apiRequest("r-1")))
	require.NoError(t, err)
	resp, err := http.Post(srv.URL, "application/x-protobuf", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	var out collogspb.ExportLogsServiceResponse
	require.NoError(t, proto.Unmarshal(buf.Bytes(), &out))
	require.NotNil(t, out.PartialSuccess)
	assert.Equal(t, int64(1), out.PartialSuccess.RejectedLogRecords)
	assert.Contains(t, out.PartialSuccess.ErrorMessage, "queue full")
}

func TestHTTPBadRequests(t *testing.T) {
	srv := httptest.NewServer(otlp.NewReceiver(&fakeSubmitter{}))
	defer srv.Close()

	resp, err := http.Post(srv.URL, "application/x-protobuf", bytes.NewReader([]byte("not valid protobuf")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL, "application/json", bytes.NewReader([]byte("{invalid json")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL, "text/plain", bytes.NewReader(nil))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGRPCExport(t *testing.T) {
	sub := &fakeSubmitter{}
	srv, err := otlp.NewGRPCServer("127.0.0.1:0", otlp.NewReceiver(sub))
	require.NoError(t, err)
	go func() { _ = srv.Serve() }()
	defer srv.Stop(time.Second)

	conn, err := grpc.NewClient(srv.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := collogspb.NewLogsServiceClient(conn).Export(ctx, exportRequest(apiRequest("g-1")))
	require.NoError(t, err)
	assert.Nil(t, resp.PartialSuccess)

	require.Len(t, sub.events, 1)
	assert.Equal(t, "g-1", sub.events[0].ID)
}
