// Package tracker implements the StreamTracker directory: the process-wide
// registry mapping streamIDs to live Streams, with randomized lookup keys to
// resist hash-flooding and an observer mechanism for stream birth/death
// (spec.md §4.6).
package tracker

import (
	"crypto/rand"
	"errors"
	"sync"

	"minerva/broker/internal/appio"
	"minerva/broker/internal/logging"
	"minerva/broker/internal/stream"
)

// ErrNoSuchStream is returned by GetStream for an unknown id.
var ErrNoSuchStream = errors.New("tracker: no such stream")

// ErrStreamAlreadyExists is returned by BuildStream when the id is already
// registered.
var ErrStreamAlreadyExists = errors.New("tracker: stream already exists")

// Observer is notified of every stream birth and death. Notification is
// synchronous and happens under a snapshot copy of the observer set, so an
// observer may safely call back into Observe/Unobserve without deadlocking.
type Observer interface {
	StreamUp(s *stream.Stream)
	StreamDown(s *stream.Stream)
}

// Tracker is the process-wide stream directory, genuinely shared across
// every connection the process serves; like Stream, it guards its state
// with a plain mutex.
type Tracker struct {
	mu sync.Mutex

	prefix [3]byte
	suffix [3]byte

	streams   map[string]*stream.Stream
	observers map[Observer]struct{}

	logger *logging.Logger
}

// New constructs a Tracker with its own random prefix/suffix, drawn from
// crypto/rand on every call (main builds one Tracker per process), used to key the internal map so an attacker who knows streamIDs cannot
// predict (and flood) Go's map hash buckets.
func New(logger *logging.Logger) (*Tracker, error) {
	t := &Tracker{
		streams:   make(map[string]*stream.Stream),
		observers: make(map[Observer]struct{}),
		logger:    logger,
	}
	if t.logger == nil {
		t.logger = logging.NewTestLogger()
	}
	if _, err := rand.Read(t.prefix[:]); err != nil {
		return nil, err
	}
	if _, err := rand.Read(t.suffix[:]); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) key(streamID string) string {
	return string(t.prefix[:]) + streamID + string(t.suffix[:])
}

// GetStream looks up a previously built stream.
func (t *Tracker) GetStream(streamID string) (*stream.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.streams[t.key(streamID)]
	if !ok {
		return nil, ErrNoSuchStream
	}
	return s, nil
}

// BuildStream constructs and registers a new stream, notifying observers.
// If any observer panics, the stream is rolled back (removed from the
// directory and reset) before the error propagates — mirroring the teacher's
// snapshot-then-notify-then-rollback-on-failure pattern for subscriber
// registration. A stream that was built is removed once its NotifyFinish
// channel closes.
func (t *Tracker) BuildStream(streamID string, handler appio.Handler, opts ...stream.Option) (*stream.Stream, error) {
	t.mu.Lock()
	key := t.key(streamID)
	if _, exists := t.streams[key]; exists {
		t.mu.Unlock()
		return nil, ErrStreamAlreadyExists
	}
	s := stream.New(streamID, handler, opts...)
	t.streams[key] = s

	snapshot := make([]Observer, 0, len(t.observers))
	for obs := range t.observers {
		snapshot = append(snapshot, obs)
	}
	t.mu.Unlock()

	for _, obs := range snapshot {
		if err := t.notifyUpSafely(obs, s); err != nil {
			t.mu.Lock()
			delete(t.streams, key)
			t.mu.Unlock()
			s.Reset(appio.ResetApplication)
			return nil, err
		}
	}
	go func() {
		<-s.NotifyFinish()
		t.mu.Lock()
		current := t.streams[key]
		t.mu.Unlock()
		if current == s {
			t.RemoveStream(streamID)
		}
	}()
	return s, nil
}

func (t *Tracker) notifyUpSafely(obs Observer, s *stream.Stream) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("stream observer panicked on StreamUp", logging.String("stream_id", s.ID()))
			err = errNotifyFailed
		}
	}()
	obs.StreamUp(s)
	return nil
}

var errNotifyFailed = errors.New("tracker: observer rejected stream")

// RemoveStream deregisters a stream and notifies observers of its death.
// BuildStream calls it once the stream's NotifyFinish channel closes.
func (t *Tracker) RemoveStream(streamID string) {
	t.mu.Lock()
	key := t.key(streamID)
	s, ok := t.streams[key]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(t.streams, key)
	snapshot := make([]Observer, 0, len(t.observers))
	for obs := range t.observers {
		snapshot = append(snapshot, obs)
	}
	t.mu.Unlock()

	for _, obs := range snapshot {
		obs.StreamDown(s)
	}
}

// ObserveStreams registers an observer for future stream birth/death events.
func (t *Tracker) ObserveStreams(obs Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers[obs] = struct{}{}
}

// UnobserveStreams removes a previously registered observer.
func (t *Tracker) UnobserveStreams(obs Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.observers, obs)
}

// StreamCount reports how many streams are currently registered.
func (t *Tracker) StreamCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// Streams returns a snapshot slice of every currently registered stream, for
// idle-timeout sweeps and shutdown broadcasts.
func (t *Tracker) Streams() []*stream.Stream {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*stream.Stream, 0, len(t.streams))
	for _, s := range t.streams {
		out = append(out, s)
	}
	return out
}
