package controlplane

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type fakeSource struct {
	snapshots map[string]StreamSnapshot
	ids       []string
}

func (f fakeSource) Describe(streamID string) (StreamSnapshot, bool) {
	snap, ok := f.snapshots[streamID]
	return snap, ok
}

func (f fakeSource) ListIDs() []string { return f.ids }

func TestDescribeStreamReturnsSnapshotFields(t *testing.T) {
	source := fakeSource{snapshots: map[string]StreamSnapshot{
		"abc": {ID: "abc", IdleDuration: 5 * time.Second, Reset: false},
	}}
	svc := NewService(source)

	resp, err := svc.DescribeStream(context.Background(), wrapperspb.String("abc"))
	if err != nil {
		t.Fatalf("DescribeStream: %v", err)
	}
	fields := resp.GetFields()
	if fields["stream_id"].GetStringValue() != "abc" {
		t.Fatalf("expected stream_id abc, got %v", fields["stream_id"])
	}
	if fields["idle_seconds"].GetNumberValue() != 5 {
		t.Fatalf("expected idle_seconds 5, got %v", fields["idle_seconds"])
	}
	if fields["reset"].GetBoolValue() != false {
		t.Fatalf("expected reset false, got %v", fields["reset"])
	}
}

func TestDescribeStreamWithCompressorReturnsEnvelope(t *testing.T) {
	source := fakeSource{snapshots: map[string]StreamSnapshot{
		"abc": {ID: "abc", IdleDuration: 2 * time.Second},
	}}
	svc := NewService(source, WithCompressor(NewGZIPCompressor()))

	resp, err := svc.DescribeStream(context.Background(), wrapperspb.String("abc"))
	if err != nil {
		t.Fatalf("DescribeStream: %v", err)
	}
	fields := resp.GetFields()
	if fields["codec"].GetStringValue() != "gzip" {
		t.Fatalf("expected gzip codec, got %v", fields["codec"])
	}
	if fields["payload_base64"].GetStringValue() == "" {
		t.Fatal("expected a non-empty compressed payload")
	}
}

func TestDescribeStreamRejectsEmptyID(t *testing.T) {
	svc := NewService(fakeSource{})
	if _, err := svc.DescribeStream(context.Background(), wrapperspb.String("")); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestDescribeStreamReportsNotFound(t *testing.T) {
	svc := NewService(fakeSource{})
	if _, err := svc.DescribeStream(context.Background(), wrapperspb.String("missing")); status.Code(err) != codes.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

type fakeServerStream struct {
	ctx  context.Context
	sent []*structpb.Struct
}

func (f *fakeServerStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeServerStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeServerStream) SetTrailer(metadata.MD)       {}
func (f *fakeServerStream) Context() context.Context     { return f.ctx }
func (f *fakeServerStream) SendMsg(m any) error           { return nil }
func (f *fakeServerStream) RecvMsg(m any) error           { return nil }

func (f *fakeServerStream) Send(m *structpb.Struct) error {
	f.sent = append(f.sent, m)
	return nil
}

func TestWatchStreamsEmitsSnapshotUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := fakeSource{ids: []string{"a", "b"}}
	svc := NewService(source, WithWatchInterval(5*time.Millisecond))
	stream := &fakeServerStream{ctx: ctx}

	done := make(chan error, 1)
	go func() { done <- svc.WatchStreams(nil, stream) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-done; err == nil {
		t.Fatal("expected WatchStreams to return an error once the context is cancelled")
	}
	if len(stream.sent) == 0 {
		t.Fatal("expected at least one snapshot to be sent before cancellation")
	}
	fields := stream.sent[0].GetFields()
	ids := fields["stream_ids"].GetListValue().GetValues()
	if len(ids) != 2 {
		t.Fatalf("expected 2 stream ids in snapshot, got %d", len(ids))
	}
}
