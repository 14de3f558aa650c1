// Package stream implements the Stream reliable channel: the long-lived,
// transport-independent identity a client reconnects to across long-poll
// cycles, websocket reconnects, or raw socket handoffs (spec.md §4.4).
package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"minerva/broker/internal/appio"
	"minerva/broker/internal/incoming"
	"minerva/broker/internal/logging"
	"minerva/broker/internal/sendqueue"
)

// ErrAlreadyReset is returned by operations attempted after a stream has
// been torn down.
var ErrAlreadyReset = errors.New("stream: already reset")

// ErrNoPrimaryTransport names the no-primary condition. No Stream method
// returns it: a flush with no primary transport is a no-op that leaves the
// boxes queued until a transport subscribes.
var ErrNoPrimaryTransport = errors.New("stream: no primary transport")

// Transport is the subset of transport behavior the Stream depends on: the
// ability to push framed boxes and reset notifications to whatever wire
// connection currently represents this stream's primary.
type Transport interface {
	// WriteBoxes pushes ordered boxes, each carrying its own seq, to the peer.
	WriteBoxes(items []sendqueue.Item) error
	// WriteSACK pushes an acknowledgement frame to the peer.
	WriteSACK(ackNumber uint64, sackList []uint64) error
	// WriteReset notifies the peer the stream is being torn down.
	WriteReset(reason appio.ResetReason) error
	// Close hard-closes the underlying connection.
	Close() error
}

// Producer is throttled by RegisterProducer/UnregisterProducer, mirroring
// the push/pull backpressure contract reliable delivery needs when the
// queue grows faster than a transport can drain it.
type Producer interface {
	Pause()
	Resume()
}

// Option configures a Stream at construction time.
type Option func(*Stream)

// WithClock overrides the stream's time source (idle-timeout bookkeeping).
func WithClock(now func() time.Time) Option {
	return func(s *Stream) {
		//1.- Allow tests to inject a deterministic clock.
		if now != nil {
			s.now = now
		}
	}
}

// WithReceiveCaps overrides the receive buffer's entry/byte caps.
func WithReceiveCaps(maxEntries, maxBytes int) Option {
	return func(s *Stream) {
		s.incoming = incoming.New(maxEntries, maxBytes)
	}
}

// WithLogger attaches a structured logger; a no-op logger is used otherwise.
func WithLogger(l *logging.Logger) Option {
	return func(s *Stream) {
		if l != nil {
			s.logger = l
		}
	}
}

// Stream is the reliable, ordered, bidirectional channel a client reconnects
// to by StreamID across transport churn. All mutating operations take mu;
// private helpers carrying the Locked suffix assume it is already held.
type Stream struct {
	mu sync.Mutex

	id      string
	now     func() time.Time
	logger  *logging.Logger

	incoming *incoming.Buffer
	outgoing *sendqueue.Queue

	handler appio.Handler

	primary      Transport
	pretendAcked uint64
	havePretend  bool

	transports       map[Transport]struct{}
	transportsByNumber map[uint64]Transport

	producers map[Producer]struct{}

	resetDone bool
	resetCh   chan struct{}

	lastActivity time.Time
}

// New constructs a Stream bound to a single application Handler.
func New(id string, handler appio.Handler, opts ...Option) *Stream {
	s := &Stream{
		id:        id,
		now:       time.Now,
		logger:    logging.NewTestLogger(),
		incoming:  incoming.New(0, 0),
		outgoing:  sendqueue.New(),
		handler:   handler,
		transports:         make(map[Transport]struct{}),
		transportsByNumber: make(map[uint64]Transport),
		producers: make(map[Producer]struct{}),
		resetCh:   make(chan struct{}),
	}
	//1.- Apply functional options before any activity is recorded.
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.lastActivity = s.now()
	if s.handler != nil {
		s.handler.OnStreamStarted(s.id)
	}
	return s
}

// ID returns the stream's identifier.
func (s *Stream) ID() string { return s.id }

// SendBoxes enqueues application messages for delivery to the peer and
// attempts an immediate flush through the primary transport, if any.
func (s *Stream) SendBoxes(messages []json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetDone {
		return ErrAlreadyReset
	}
	s.outgoing.Extend(messages)
	return s.tryToSendLocked()
}

// tryToSendLocked flushes the outbound queue through the primary transport.
// It is a no-op if the queue is empty or there is no primary (spec.md §4.4's
// tryToSend algorithm): callers queue data regardless of transport
// availability, and a later SubscribeToBoxes call drains it.
func (s *Stream) tryToSendLocked() error {
	if s.primary == nil {
		return nil
	}
	if s.outgoing.Length() == 0 {
		return nil
	}
	start := s.outgoing.Base()
	if s.havePretend && s.pretendAcked+1 > start {
		start = s.pretendAcked + 1
	}
	items := s.outgoing.IterItems(start)
	if len(items) == 0 {
		return nil
	}
	return s.primary.WriteBoxes(items)
}

// RegisterProducer attaches a flow-controlled producer, pausing it
// immediately if the stream currently has no primary transport to drain
// into.
func (s *Stream) RegisterProducer(p Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p == nil {
		return
	}
	s.producers[p] = struct{}{}
	if s.primary == nil {
		p.Pause()
	}
}

// UnregisterProducer detaches a previously registered producer.
func (s *Stream) UnregisterProducer(p Producer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.producers, p)
}

// SubscribeToBoxes elects transport as the new primary, handing off any
// boxes the peer has not yet acknowledged. pretendAcked, when the caller has
// one (e.g. a prior transport's last-known-sent seq), tells the new primary
// to resume sending after that point rather than replaying from the queue's
// base — the handoff semantics spec.md §4.4 requires when a transport
// reconnects mid-stream.
func (s *Stream) SubscribeToBoxes(t Transport, pretendAcked uint64, havePretend bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetDone {
		return ErrAlreadyReset
	}
	s.primary = t
	s.pretendAcked = pretendAcked
	s.havePretend = havePretend
	s.transports[t] = struct{}{}
	for p := range s.producers {
		p.Resume()
	}
	return s.tryToSendLocked()
}

// TransportOnline registers t as attached to the stream under the Hello
// handshake's transport number, without electing it primary — primary
// election is a separate step (SubscribeToBoxes), driven either by an
// explicit gimme_boxes frame or by a reconnecting Hello's succeedsTransport
// field (spec.md §4.4, §4.5).
func (s *Stream) TransportOnline(number uint64, t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t == nil {
		return
	}
	s.transports[t] = struct{}{}
	s.transportsByNumber[number] = t
	s.lastActivity = s.now()
}

// TransportByNumber looks up a previously attached transport by the Hello
// transport number it registered under. Used to resolve a reconnecting
// Hello's succeedsTransport reference to the connection it is replacing.
func (s *Stream) TransportByNumber(number uint64) (Transport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transportsByNumber[number]
	return t, ok
}

// TransportOffline detaches t from the stream, clearing the primary slot
// (and pausing registered producers) if t currently holds it.
func (s *Stream) TransportOffline(t Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transports, t)
	for number, registered := range s.transportsByNumber {
		if registered == t {
			delete(s.transportsByNumber, number)
		}
	}
	if s.primary != t {
		return
	}
	s.primary = nil
	s.havePretend = false
	for p := range s.producers {
		p.Pause()
	}
}

// BoxesReceived admits an inbound batch into the receive buffer and
// delivers any now-contiguous run to the application handler. memorySize is
// the aggregate wire-byte size of the frame the batch arrived in.
func (s *Stream) BoxesReceived(items []incoming.Item, memorySize int) error {
	s.mu.Lock()
	if s.resetDone {
		s.mu.Unlock()
		return ErrAlreadyReset
	}
	if err := s.incoming.Give(items, memorySize); err != nil {
		s.mu.Unlock()
		s.Reset(appio.ResetResourcesExhausted)
		return err
	}
	deliverable := s.incoming.GetDeliverableItems()
	s.lastActivity = s.now()
	handler := s.handler
	s.mu.Unlock()

	if len(deliverable) > 0 && handler != nil {
		messages := make([]json.RawMessage, len(deliverable))
		for i, it := range deliverable {
			messages[i] = it.Message
		}
		//1.- Deliver outside the lock so the handler cannot deadlock the stream.
		handler.OnMessages(s.id, messages)
	}
	return nil
}

// Flush forces a full resend of every queued-but-unacknowledged box through
// the primary transport, ignoring any pending pretendAcked offset. A
// gimme_boxes frame does not go through Flush: the dispatcher calls
// SubscribeToBoxes for it.
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetDone {
		return ErrAlreadyReset
	}
	s.havePretend = false
	return s.tryToSendLocked()
}

// GetSACK reports the current cumulative ack and the out-of-order seq list,
// for emission in a type-4 frame.
func (s *Stream) GetSACK() (ackNumber uint64, sackList []uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incoming.GetSACK()
}

// SackReceived prunes acknowledged outbound boxes and clears any pending
// pretendAcked handoff, since a real SACK from the peer supersedes it.
func (s *Stream) SackReceived(ackNumber uint64, sackList []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resetDone {
		return ErrAlreadyReset
	}
	if err := s.outgoing.HandleSACK(ackNumber, sackList); err != nil {
		return err
	}
	s.havePretend = false
	s.lastActivity = s.now()
	return nil
}

// ResetFromClient tears the stream down because the peer sent a reset frame.
func (s *Stream) ResetFromClient() {
	s.Reset(appio.ResetClient)
}

// Reset tears the stream down exactly once: notifies every attached
// transport (not just the primary), releases the handler, wakes
// NotifyFinish waiters, and clears the transport set (spec.md §4.4).
func (s *Stream) Reset(reason appio.ResetReason) {
	s.mu.Lock()
	if s.resetDone {
		s.mu.Unlock()
		return
	}
	s.resetDone = true
	handler := s.handler
	s.handler = nil
	attached := make([]Transport, 0, len(s.transports))
	for t := range s.transports {
		attached = append(attached, t)
	}
	s.transports = make(map[Transport]struct{})
	s.transportsByNumber = make(map[uint64]Transport)
	s.primary = nil
	for p := range s.producers {
		p.Resume()
	}
	s.producers = make(map[Producer]struct{})
	close(s.resetCh)
	s.mu.Unlock()

	for _, t := range attached {
		_ = t.WriteReset(reason)
	}
	if handler != nil {
		handler.OnReset(s.id, reason)
	}
}

// NotifyFinish returns a channel closed exactly once, when the stream is
// reset, regardless of cause.
func (s *Stream) NotifyFinish() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetCh
}

// IsReset reports whether the stream has already been torn down.
func (s *Stream) IsReset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resetDone
}

// IdleDuration reports how long it has been since the stream last saw
// transport activity. The control plane reports it; no sweep resets streams
// on it.
func (s *Stream) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity)
}
