package otlp

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
)

const (
	contentTypeProto = "application/x-protobuf"
	contentTypeJSON  = "application/json"

	defaultMaxBody = 10 * 1024 * 1024
)

// Submitter queues a converted event; the HTTP ingest handler implements it.
type Submitter interface {
	Submit(event *models.Event, transport, batchID string, index int) error
}

// Result counts what happened to the records of one export.
type Result struct {
	Accepted int
	Rejected int
	Skipped  int
	// FirstError describes the first rejected record.
	FirstError string
}

// Receiver implements the OTLP logs service over HTTP and gRPC.
type Receiver struct {
	collogspb.UnimplementedLogsServiceServer

	submit  Submitter
	maxBody int64
}

// NewReceiver creates a receiver feeding submit.
func NewReceiver(submit Submitter) *Receiver {
	return &Receiver{submit: submit, maxBody: defaultMaxBody}
}

// Ingest converts and submits every record in req.
func (r *Receiver) Ingest(req *collogspb.ExportLogsServiceRequest, protocol string) Result {
	var res Result
	index := 0
	for _, rl := range req.GetResourceLogs() {
		resource := rl.GetResource().GetAttributes()
		for _, sl := range rl.GetScopeLogs() {
			for _, rec := range sl.GetLogRecords() {
				r.ingestRecord(&res, resource, rec, index)
				index++
			}
		}
	}

	metrics.OTLPRecordsTotal.WithLabelValues(protocol, "accepted").Add(float64(res.Accepted))
	metrics.OTLPRecordsTotal.WithLabelValues(protocol, "rejected").Add(float64(res.Rejected))
	metrics.OTLPRecordsTotal.WithLabelValues(protocol, "skipped").Add(float64(res.Skipped))
	if res.Rejected > 0 {
		logger.WithComponent("otlp").Warn().
			Str("protocol", protocol).
			Int("rejected", res.Rejected).
			Str("first_error", res.FirstError).
			Msg("rejected log records")
	}
	return res
}

func (r *Receiver) ingestRecord(res *Result, resource []*commonpb.KeyValue, rec *logspb.LogRecord, index int) {
	event, ok, err := ToEvent(resource, rec)
	if !ok {
		res.Skipped++
		return
	}
	if err == nil {
		err = r.submit.Submit(event, models.TransportOTLP, "", index)
	}
	if err != nil {
		res.Rejected++
		if res.FirstError == "" {
			res.FirstError = fmt.Sprintf("record %d: %v", index, err)
		}
		return
	}
	res.Accepted++
}

func (r *Receiver) response(res Result) *collogspb.ExportLogsServiceResponse {
	resp := &collogspb.ExportLogsServiceResponse{}
	if res.Rejected > 0 {
		resp.PartialSuccess = &collogspb.ExportLogsPartialSuccess{
			RejectedLogRecords: int64(res.Rejected),
			ErrorMessage:       res.FirstError,
		}
	}
	return resp
}

// Export implements the gRPC LogsService.
func (r *Receiver) Export(ctx context.Context, req *collogspb.ExportLogsServiceRequest) (*collogspb.ExportLogsServiceResponse, error) {
	return r.response(r.Ingest(req, "grpc")), nil
}

// ServeHTTP handles POST /v1/logs with a protobuf or JSON body.
func (r *Receiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	mediaType, _, err := mime.ParseMediaType(req.Header.Get("Content-Type"))
	if err != nil || (mediaType != contentTypeProto && mediaType != contentTypeJSON) {
		http.Error(w, "content type must be application/x-protobuf or application/json", http.StatusUnsupportedMediaType)
		return
	}

	var body io.Reader = http.MaxBytesReader(w, req.Body, r.maxBody)
	if req.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			http.Error(w, "invalid gzip body", http.StatusBadRequest)
			return
		}
		defer gz.Close()
		body = io.LimitReader(gz, r.maxBody)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	exportReq := &collogspb.ExportLogsServiceRequest{}
	if mediaType == contentTypeProto {
		err = proto.Unmarshal(data, exportReq)
	} else {
		err = protojson.UnmarshalOptions{DiscardUnknown: true}.Unmarshal(data, exportReq)
	}
	if err != nil {
		http.Error(w, "invalid OTLP payload", http.StatusBadRequest)
		return
	}

	resp := r.response(r.Ingest(exportReq, "http"))

	var out []byte
	if mediaType == contentTypeProto {
		out, err = proto.Marshal(resp)
	} else {
		out, err = protojson.Marshal(resp)
	}
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", mediaType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// GRPCServer serves the logs service on its own listener.
type GRPCServer struct {
	server   *grpc.Server
	listener net.Listener
}

// NewGRPCServer binds addr and registers recv.
func NewGRPCServer(addr string, recv *Receiver) (*GRPCServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	srv := grpc.NewServer(grpc.MaxRecvMsgSize(defaultMaxBody))
	collogspb.RegisterLogsServiceServer(srv, recv)
	return &GRPCServer{server: srv, listener: lis}, nil
}

// Addr returns the bound address.
func (s *GRPCServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks until Stop.
func (s *GRPCServer) Serve() error {
	logger.WithComponent("otlp").Info().Str("addr", s.listener.Addr().String()).Msg("OTLP gRPC receiver listening")
	if err := s.server.Serve(s.listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop drains in-flight exports, forcing a stop after timeout.
func (s *GRPCServer) Stop(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.server.Stop()
	}
}
