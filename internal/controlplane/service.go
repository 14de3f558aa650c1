// Package controlplane exposes a gRPC StreamObserver service for operators:
// watch stream population changes and describe a single stream's state.
// No custom .proto schema exists for this service, so its wire messages are
// built entirely from protobuf well-known types (structpb, timestamppb,
// wrapperspb) instead of hand-authored generated code (spec.md §6).
package controlplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"minerva/broker/internal/tracker"
)

// StreamSnapshot is the subset of stream state the control plane exposes.
type StreamSnapshot struct {
	ID           string
	IdleDuration time.Duration
	Reset        bool
}

// StreamSource abstracts the tracker dependency this service needs, so tests
// can substitute a fake directory without standing up a real Tracker.
type StreamSource interface {
	Describe(streamID string) (StreamSnapshot, bool)
	ListIDs() []string
}

// TrackerSource adapts *tracker.Tracker to StreamSource.
type TrackerSource struct {
	Tracker *tracker.Tracker
}

func (t TrackerSource) Describe(streamID string) (StreamSnapshot, bool) {
	s, err := t.Tracker.GetStream(streamID)
	if err != nil {
		return StreamSnapshot{}, false
	}
	return StreamSnapshot{ID: s.ID(), IdleDuration: s.IdleDuration(), Reset: s.IsReset()}, true
}

func (t TrackerSource) ListIDs() []string {
	streams := t.Tracker.Streams()
	ids := make([]string, len(streams))
	for i, s := range streams {
		ids[i] = s.ID()
	}
	return ids
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithWatchInterval overrides how often WatchStreams polls for population
// changes.
func WithWatchInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.watchInterval = d
		}
	}
}

// WithCompressor wraps every response payload behind the given Compressor:
// instead of the plain field layout, the client receives a two-field
// envelope ("codec", "payload_base64") it must decompress itself. Mirrors
// the teacher's WithCompressor option, applied at the payload layer since
// structpb.Value has no raw-bytes kind to carry compressed data directly.
func WithCompressor(c Compressor) Option {
	return func(s *Service) {
		if c != nil {
			s.compressor = c
		}
	}
}

// Service implements the StreamObserver gRPC service against a StreamSource.
type Service struct {
	source        StreamSource
	watchInterval time.Duration
	compressor    Compressor
}

// NewService constructs the StreamObserver service.
func NewService(source StreamSource, opts ...Option) *Service {
	s := &Service{source: source, watchInterval: 2 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// envelope wraps fields into a structpb.Struct, compressing its JSON
// encoding behind a "codec"/"payload_base64" pair when a Compressor is
// configured.
func (s *Service) envelope(fields map[string]any) (*structpb.Struct, error) {
	if s.compressor == nil {
		return structpb.NewStruct(fields)
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "marshal payload: %v", err)
	}
	compressed, err := s.compressor.Compress(raw)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "compress payload: %v", err)
	}
	return structpb.NewStruct(map[string]any{
		"codec":          s.compressor.Name(),
		"payload_base64": base64.StdEncoding.EncodeToString(compressed),
	})
}

// DescribeStream reports a single stream's state as a structpb.Struct with
// keys "stream_id" (string), "idle_seconds" (number), "reset" (bool) — or,
// with a Compressor configured, the compressed envelope of those fields.
func (s *Service) DescribeStream(_ context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	if req == nil || req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "stream id required")
	}
	snap, ok := s.source.Describe(req.GetValue())
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no such stream %q", req.GetValue())
	}
	return s.envelope(map[string]any{
		"stream_id":    snap.ID,
		"idle_seconds": snap.IdleDuration.Seconds(),
		"reset":        snap.Reset,
	})
}

// WatchStreamsServer is the server-streaming handle WatchStreams writes to,
// shaped like the Send method a generated `_grpc.pb.go` would produce.
type WatchStreamsServer interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// WatchStreams periodically emits the set of currently registered stream
// ids as a structpb.Struct with a single "stream_ids" list-value field and a
// "observed_at" RFC3339 timestamp string, until the client cancels.
func (s *Service) WatchStreams(_ *structpb.Struct, stream WatchStreamsServer) error {
	ticker := time.NewTicker(s.watchInterval)
	defer ticker.Stop()

	send := func() error {
		ids := s.source.ListIDs()
		values := make([]any, len(ids))
		for i, id := range ids {
			values[i] = id
		}
		payload, err := s.envelope(map[string]any{
			"stream_ids":  values,
			"observed_at": timestamppb.Now().AsTime().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		return stream.Send(payload)
	}

	if err := send(); err != nil {
		return err
	}
	for {
		select {
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case <-ticker.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}

// ServiceDesc is the hand-built grpc.ServiceDesc registering Service against
// a *grpc.Server, standing in for the Methods/Streams tables a generated
// `_grpc.pb.go` would normally produce from a .proto file.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "minerva.controlplane.StreamObserver",
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "DescribeStream",
			Handler:    describeStreamHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchStreams",
			Handler:       watchStreamsHandler,
			ServerStreams: true,
		},
	},
}

func describeStreamHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(wrapperspb.StringValue)
	if err := dec(req); err != nil {
		return nil, err
	}
	service := srv.(*Service)
	if interceptor == nil {
		return service.DescribeStream(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: service, FullMethod: "/minerva.controlplane.StreamObserver/DescribeStream"}
	handler := func(ctx context.Context, req any) (any, error) {
		return service.DescribeStream(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, req, info, handler)
}

type watchStreamsServerStream struct {
	grpc.ServerStream
}

func (w *watchStreamsServerStream) Send(m *structpb.Struct) error {
	return w.ServerStream.SendMsg(m)
}

func watchStreamsHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	service := srv.(*Service)
	return service.WatchStreams(req, &watchStreamsServerStream{ServerStream: stream})
}
