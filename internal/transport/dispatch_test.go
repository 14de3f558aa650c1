package transport

import (
	"encoding/json"
	"errors"
	"strconv"
	"testing"

	"minerva/broker/internal/appio"
	"minerva/broker/internal/frame"
	"minerva/broker/internal/sendqueue"
	"minerva/broker/internal/stream"
)

type recordingWriter struct {
	frames [][]byte
}

func (w *recordingWriter) WriteFrame(payload []byte) error {
	w.frames = append(w.frames, payload)
	return nil
}

func TestSinkWriteBoxesEncodesOneBoxFrameWithSeqnumAnchor(t *testing.T) {
	w := &recordingWriter{}
	s := NewSink(w, nil)
	err := s.WriteBoxes([]sendqueue.Item{{Seq: 1, Message: json.RawMessage(`"a"`)}})
	if err != nil {
		t.Fatalf("WriteBoxes: %v", err)
	}
	if len(w.frames) != 2 {
		t.Fatalf("expected a seqnum anchor plus a box frame, got %d", len(w.frames))
	}
	seqFrame, err := frame.Parse(w.frames[0])
	if err != nil {
		t.Fatalf("Parse seqnum: %v", err)
	}
	if seqFrame.Type != frame.TypeSeqnum {
		t.Fatalf("expected seqnum anchor first, got %v", seqFrame.Type)
	}
	f, err := frame.Parse(w.frames[1])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Type != frame.TypeBox {
		t.Fatalf("expected a server-to-client box frame, got %v", f.Type)
	}
}

func TestSinkWriteBoxesEmitsOneBoxFramePerItem(t *testing.T) {
	w := &recordingWriter{}
	s := NewSink(w, nil)
	err := s.WriteBoxes([]sendqueue.Item{
		{Seq: 1, Message: json.RawMessage(`"a"`)},
		{Seq: 2, Message: json.RawMessage(`"b"`)},
	})
	if err != nil {
		t.Fatalf("WriteBoxes: %v", err)
	}
	if len(w.frames) != 3 {
		t.Fatalf("expected seqnum anchor then one box frame per item, got %d", len(w.frames))
	}
	for _, idx := range []int{1, 2} {
		f, err := frame.Parse(w.frames[idx])
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if f.Type != frame.TypeBox {
			t.Fatalf("expected box frame at %d, got %v", idx, f.Type)
		}
	}
}

func TestSinkWriteBoxesOmitsSeqnumWhenContinuingSequence(t *testing.T) {
	w := &recordingWriter{}
	s := NewSink(w, nil)
	if err := s.WriteBoxes([]sendqueue.Item{{Seq: 1, Message: json.RawMessage(`"a"`)}}); err != nil {
		t.Fatalf("WriteBoxes: %v", err)
	}
	if err := s.WriteBoxes([]sendqueue.Item{{Seq: 2, Message: json.RawMessage(`"b"`)}}); err != nil {
		t.Fatalf("WriteBoxes: %v", err)
	}
	if len(w.frames) != 3 {
		t.Fatalf("expected seqnum+box then a bare box frame, got %d", len(w.frames))
	}
	f, err := frame.Parse(w.frames[2])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Type != frame.TypeBox {
		t.Fatalf("expected contiguous resend to skip a new seqnum anchor, got %v", f.Type)
	}
}

func TestSinkWriteSACKEncodesAckAndList(t *testing.T) {
	w := &recordingWriter{}
	s := NewSink(w, nil)
	if err := s.WriteSACK(3, []uint64{5, 7}); err != nil {
		t.Fatalf("WriteSACK: %v", err)
	}
	f, err := frame.Parse(w.frames[0])
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if f.Type != frame.TypeSACK {
		t.Fatalf("expected sack frame, got %v", f.Type)
	}
}

func TestSinkCloseInvokesCloser(t *testing.T) {
	called := false
	s := NewSink(&recordingWriter{}, func() error { called = true; return nil })
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !called {
		t.Fatal("expected closer invoked")
	}
}

// boxesFramePayload builds a client-to-server boxes frame (type 0): its
// argument is a JSON object mapping decimal seq strings to messages, per
// original_source/minerva/newlink.py's seqNumStrToBoxDict.
func boxesFramePayload(t *testing.T, items [][2]any) []byte {
	t.Helper()
	boxes := make(map[string]json.RawMessage, len(items))
	for _, it := range items {
		seq := it[0].(int)
		msgBytes, _ := json.Marshal(it[1])
		boxes[strconv.Itoa(seq)] = msgBytes
	}
	arg, _ := json.Marshal(boxes)
	payload, err := frame.Encode(frame.Frame{Type: frame.TypeBoxes, Args: []json.RawMessage{arg}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return payload
}

func TestDispatchBoxesDeliversToStream(t *testing.T) {
	var delivered []json.RawMessage
	h := appio.HandlerFuncs{Messages: func(id string, m []json.RawMessage) { delivered = m }}
	s := stream.New("s1", h)
	d := NewDispatcher(nil)

	payload := boxesFramePayload(t, [][2]any{{1, "a"}, {2, "b"}})
	f, err := frame.Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := d.Dispatch(s, nil, f, len(payload)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(delivered) != 2 {
		t.Fatalf("expected 2 delivered messages, got %v", delivered)
	}
}

type fakeSinkTransport struct {
	written []sendqueue.Item
}

func (f *fakeSinkTransport) WriteBoxes(items []sendqueue.Item) error {
	f.written = append(f.written, items...)
	return nil
}
func (f *fakeSinkTransport) WriteSACK(uint64, []uint64) error       { return nil }
func (f *fakeSinkTransport) WriteReset(appio.ResetReason) error     { return nil }
func (f *fakeSinkTransport) Close() error                          { return nil }

func TestDispatchGimmeBoxesSubscribesFreshWhenArgIsNull(t *testing.T) {
	s := stream.New("s1", appio.HandlerFuncs{})
	if err := s.SendBoxes([]json.RawMessage{json.RawMessage(`"a"`)}); err != nil {
		t.Fatalf("SendBoxes: %v", err)
	}
	tr := &fakeSinkTransport{}
	d := NewDispatcher(nil)

	payload, _ := frame.Encode(frame.Frame{Type: frame.TypeGimmeBoxes, Args: []json.RawMessage{json.RawMessage("null")}})
	f, err := frame.Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := d.Dispatch(s, tr, f, len(payload)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(tr.written) != 1 {
		t.Fatalf("expected 1 item flushed from the queue's base, got %+v", tr.written)
	}
}

func TestDispatchGimmeBoxesSubscribesWithExplicitPretendAcked(t *testing.T) {
	s := stream.New("s1", appio.HandlerFuncs{})
	if err := s.SendBoxes([]json.RawMessage{
		json.RawMessage(`"a"`), json.RawMessage(`"b"`), json.RawMessage(`"c"`),
	}); err != nil {
		t.Fatalf("SendBoxes: %v", err)
	}
	tr := &fakeSinkTransport{}
	d := NewDispatcher(nil)

	arg, _ := json.Marshal(1)
	payload, _ := frame.Encode(frame.Frame{Type: frame.TypeGimmeBoxes, Args: []json.RawMessage{arg}})
	f, err := frame.Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := d.Dispatch(s, tr, f, len(payload)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(tr.written) != 2 || tr.written[0].Seq != 2 {
		t.Fatalf("expected handoff resuming from seq 2, got %+v", tr.written)
	}
}

func TestDispatchSACKPrunesQueue(t *testing.T) {
	s := stream.New("s1", appio.HandlerFuncs{})
	s.SendBoxes([]json.RawMessage{json.RawMessage(`"a"`), json.RawMessage(`"b"`)})
	d := NewDispatcher(nil)

	arg0, _ := json.Marshal(1)
	arg1, _ := json.Marshal([]uint64{})
	payload, _ := frame.Encode(frame.Frame{Type: frame.TypeSACK, Args: []json.RawMessage{arg0, arg1}})
	f, err := frame.Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := d.Dispatch(s, nil, f, len(payload)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	tr := &fakeSinkTransport{}
	if err := s.SubscribeToBoxes(tr, 0, false); err != nil {
		t.Fatalf("SubscribeToBoxes: %v", err)
	}
	if len(tr.written) != 1 || tr.written[0].Seq != 2 {
		t.Fatalf("expected seq 1 pruned by the sack, got %+v", tr.written)
	}
}

func TestDispatchResetTearsDownStream(t *testing.T) {
	var reason appio.ResetReason
	h := appio.HandlerFuncs{Reset: func(id string, r appio.ResetReason) { reason = r }}
	s := stream.New("s1", h)
	d := NewDispatcher(nil)

	reasonArg, _ := json.Marshal("because")
	payload, _ := frame.Encode(frame.Frame{Type: frame.TypeReset, Args: []json.RawMessage{json.RawMessage(`0`), reasonArg}})
	f, err := frame.Parse(payload)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := d.Dispatch(s, nil, f, len(payload)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if reason != appio.ResetClient {
		t.Fatalf("expected client reset reason, got %v", reason)
	}
	if !s.IsReset() {
		t.Fatal("expected stream reset")
	}
}

func TestDispatchUnsupportedFrameType(t *testing.T) {
	s := stream.New("s1", appio.HandlerFuncs{})
	d := NewDispatcher(nil)
	f := frame.Frame{Type: frame.TypeYouCloseIt}
	if err := d.Dispatch(s, nil, f, 0); err != nil {
		t.Fatalf("expected you_close_it to be a no-op, got %v", err)
	}

	padArg, _ := json.Marshal(0)
	fPad := frame.Frame{Type: frame.TypePadding, Args: []json.RawMessage{padArg}}
	if err := d.Dispatch(s, nil, fPad, 0); !errors.Is(err, ErrUnsupportedFrame) {
		t.Fatalf("expected ErrUnsupportedFrame for padding, got %v", err)
	}
}
