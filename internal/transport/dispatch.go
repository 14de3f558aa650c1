// Package transport implements the Minerva transport state machine: mode
// sentinel detection, the Hello handshake, and per-frame dispatch shared by
// every concrete wire variant (HTTP long-poll, raw socket, WebSocket)
// (spec.md §4.5, §6).
package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"sort"
	"strconv"

	"minerva/broker/internal/appio"
	"minerva/broker/internal/frame"
	"minerva/broker/internal/incoming"
	"minerva/broker/internal/logging"
	"minerva/broker/internal/sendqueue"
	"minerva/broker/internal/stream"
)

// ErrUnsupportedFrame is returned by Dispatch for a frame type that is
// syntactically valid but not legal to receive from a peer (e.g. the
// server-to-client-only tk_* error frames).
var ErrUnsupportedFrame = errors.New("transport: frame type not valid from a peer")

// FrameWriter is the minimal write primitive a concrete transport variant
// supplies: push one already-length-prefixed-or-equivalent frame payload out
// over the wire. Concrete variants implement this over scanner.Write
// (sockets), a websocket TextMessage (WebSocket), or a chunked HTTP response
// body write (long-poll).
type FrameWriter interface {
	WriteFrame(payload []byte) error
}

// Sink adapts a FrameWriter into the stream.Transport interface the Stream
// package depends on, translating Stream-level calls into wire frames.
type Sink struct {
	writer     FrameWriter
	closer     func() error
	lastSeq    uint64
	haveWrites bool
}

// NewSink constructs a Sink around a concrete transport's frame writer.
func NewSink(writer FrameWriter, closer func() error) *Sink {
	return &Sink{writer: writer, closer: closer}
}

// WriteBoxes implements stream.Transport by emitting one server-to-client
// box frame (type 1) per item — a single message, no seq, since box order on
// the wire is itself the ordering signal. Whenever an item's seq does not
// continue directly from the last seq this Sink wrote (a fresh subscription,
// or a resend after a gap), a seqnum anchor frame is emitted immediately
// before it so the peer can align its ack bookkeeping. This is distinct from
// the client-to-server boxes frame (type 0), which carries a seq->message
// map instead (original_source/minerva/newlink.py:1009-1052 writeBoxes,
// :1203-1215 seqNumStrToBoxDict).
func (s *Sink) WriteBoxes(items []sendqueue.Item) error {
	for _, it := range items {
		if !s.haveWrites || it.Seq != s.lastSeq+1 {
			if err := s.writeSeqnum(it.Seq); err != nil {
				return err
			}
		}
		payload, err := frame.Encode(frame.Frame{Type: frame.TypeBox, Args: []json.RawMessage{it.Message}})
		if err != nil {
			return err
		}
		if err := s.writer.WriteFrame(payload); err != nil {
			return err
		}
		s.lastSeq = it.Seq
		s.haveWrites = true
	}
	return nil
}

// LastSeq reports the last seq this Sink wrote and whether it has written
// anything yet — used to resolve a reconnecting Hello's succeedsTransport
// reference into a pretendAcked value for the new connection.
func (s *Sink) LastSeq() (uint64, bool) {
	return s.lastSeq, s.haveWrites
}

func (s *Sink) writeSeqnum(seq uint64) error {
	payload, err := frame.Encode(frame.Frame{Type: frame.TypeSeqnum, Args: []json.RawMessage{json.RawMessage(itoa(seq))}})
	if err != nil {
		return err
	}
	return s.writer.WriteFrame(payload)
}

// WriteSACK implements stream.Transport.
func (s *Sink) WriteSACK(ackNumber uint64, sackList []uint64) error {
	listArg, err := json.Marshal(sackList)
	if err != nil {
		return err
	}
	payload, err := frame.Encode(frame.Frame{
		Type: frame.TypeSACK,
		Args: []json.RawMessage{json.RawMessage(itoa(ackNumber)), listArg},
	})
	if err != nil {
		return err
	}
	return s.writer.WriteFrame(payload)
}

// WriteReset implements stream.Transport.
func (s *Sink) WriteReset(reason appio.ResetReason) error {
	reasonArg, err := json.Marshal(string(reason))
	if err != nil {
		return err
	}
	payload, err := frame.Encode(frame.Frame{
		Type: frame.TypeReset,
		Args: []json.RawMessage{json.RawMessage(`0`), reasonArg},
	})
	if err != nil {
		return err
	}
	return s.writer.WriteFrame(payload)
}

// Close implements stream.Transport.
func (s *Sink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func itoa(v uint64) []byte {
	b, _ := json.Marshal(v)
	return b
}

// Dispatcher applies inbound frames to a bound Stream, implementing the
// framesReceived dispatch logic (spec.md §4.5): boxes are handed to the
// receive buffer, SACKs prune the send queue, gimme_boxes elects the issuing
// transport as primary, and reset tears the stream down.
type Dispatcher struct {
	logger *logging.Logger
}

// NewDispatcher constructs a Dispatcher; a nil logger uses a no-op one.
func NewDispatcher(logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Dispatcher{logger: logger}
}

// Dispatch applies a single parsed frame (plus the raw wire bytes it was
// decoded from, for memorySize accounting) to s. t identifies the transport
// the frame arrived on, needed only by gimme_boxes to elect a primary.
func (d *Dispatcher) Dispatch(s *stream.Stream, t stream.Transport, f frame.Frame, rawFrameBytes int) error {
	switch f.Type {
	case frame.TypeBoxes:
		return d.dispatchBoxes(s, f, rawFrameBytes)
	case frame.TypeSACK:
		return d.dispatchSACK(s, f)
	case frame.TypeGimmeBoxes:
		return d.dispatchGimmeBoxes(s, t, f)
	case frame.TypeReset:
		s.ResetFromClient()
		return nil
	case frame.TypeYouCloseIt:
		return nil
	default:
		return ErrUnsupportedFrame
	}
}

// dispatchBoxes handles the client-to-server boxes frame (type 0): its
// single argument is a JSON object mapping decimal seq strings to messages
// (original_source/minerva/newlink.py:1203-1215's seqNumStrToBoxDict), not
// an array of [seq,message] pairs.
func (d *Dispatcher) dispatchBoxes(s *stream.Stream, f frame.Frame, rawFrameBytes int) error {
	var boxes map[string]json.RawMessage
	if err := json.Unmarshal(f.Args[0], &boxes); err != nil {
		return frame.ErrIntraframeCorruption
	}
	items := make([]incoming.Item, 0, len(boxes))
	for seqStr, msg := range boxes {
		seq, err := strconv.ParseUint(seqStr, 10, 64)
		if err != nil {
			return frame.ErrIntraframeCorruption
		}
		items = append(items, incoming.Item{Seq: seq, Message: msg})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	return s.BoxesReceived(items, rawFrameBytes)
}

func (d *Dispatcher) dispatchSACK(s *stream.Stream, f frame.Frame) error {
	ack, err := frame.Int64Arg(f.Args[0])
	if err != nil {
		return err
	}
	var rawList []json.RawMessage
	if err := json.Unmarshal(f.Args[1], &rawList); err != nil {
		return frame.ErrIntraframeCorruption
	}
	list := make([]uint64, 0, len(rawList))
	for _, raw := range rawList {
		seq, err := frame.Int64Arg(raw)
		if err != nil {
			return err
		}
		list = append(list, seq)
	}
	return s.SackReceived(ack, list)
}

// dispatchGimmeBoxes handles an explicit gimme_boxes request: its single
// argument is either null (subscribe fresh from the queue's base) or a seq
// number the peer claims to already have (pretendAcked), driving the
// primary-election handoff (spec.md §4.4/§4.5).
func (d *Dispatcher) dispatchGimmeBoxes(s *stream.Stream, t stream.Transport, f frame.Frame) error {
	if bytes.Equal(bytes.TrimSpace(f.Args[0]), []byte("null")) {
		return s.SubscribeToBoxes(t, 0, false)
	}
	pretendAcked, err := frame.Int64Arg(f.Args[0])
	if err != nil {
		return err
	}
	return s.SubscribeToBoxes(t, pretendAcked, true)
}

// priorSink resolves a reconnecting Hello's succeedsTransport reference to
// the *Sink a previous connection registered under that transport number, so
// the new connection can inherit its pretendAcked continuity immediately.
func priorSink(s *stream.Stream, number uint64) (*Sink, bool) {
	t, ok := s.TransportByNumber(number)
	if !ok {
		return nil, false
	}
	sk, ok := t.(*Sink)
	return sk, ok
}
