// Package appio defines the boundary between a Stream's reliable-delivery
// machinery and the application code consuming it: one Handler per stream,
// built by a Factory when a stream comes into existence (spec.md §2, §4.7).
package appio

import "encoding/json"

// Factory builds the application-level Handler for a newly created stream.
// Implementations typically close over whatever application state the
// handler needs (a session registry, a game-specific dispatcher, etc).
type Factory interface {
	// NewHandler is called once, synchronously, while a stream is being
	// built. Returning an error aborts stream creation.
	NewHandler(streamID string) (Handler, error)
}

// Handler receives the three notifications a Stream ever delivers to the
// application layer. Each callback runs on the goroutine of the call that
// triggered it (stream.New, Stream.BoxesReceived, Stream.Reset) and never
// while the stream's lock is held, so a handler may call back into the
// stream; it must not block for long.
type Handler interface {
	// OnStreamStarted fires once, from stream.New, when the stream is
	// constructed; it does not wait for a transport to attach.
	OnStreamStarted(streamID string)

	// OnMessages delivers one or more application messages in the exact
	// order they were sent, with no gaps — the Stream only ever calls this
	// with a contiguous run drained from its receive buffer.
	OnMessages(streamID string, messages []json.RawMessage)

	// OnReset fires exactly once per stream, whether the reset was
	// initiated by the application (via Stream.Reset), by the client, or
	// internally on resource exhaustion. Streams are not reset for
	// inactivity. No further callbacks follow for this streamID.
	OnReset(streamID string, reason ResetReason)
}

// ResetReason classifies why a stream was torn down.
type ResetReason string

const (
	ResetApplication        ResetReason = "application"
	ResetClient             ResetReason = "client"
	ResetIdleTimeout        ResetReason = "idle-timeout"
	ResetResourcesExhausted ResetReason = "resources-exhausted"
	ResetTransportProtocol  ResetReason = "transport-protocol-error"
)

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(streamID string) (Handler, error)

// NewHandler implements Factory.
func (f FactoryFunc) NewHandler(streamID string) (Handler, error) { return f(streamID) }

// HandlerFuncs adapts independent callback functions to Handler; any nil
// field is a no-op.
type HandlerFuncs struct {
	Started func(streamID string)
	Messages func(streamID string, messages []json.RawMessage)
	Reset    func(streamID string, reason ResetReason)
}

func (h HandlerFuncs) OnStreamStarted(streamID string) {
	if h.Started != nil {
		h.Started(streamID)
	}
}

func (h HandlerFuncs) OnMessages(streamID string, messages []json.RawMessage) {
	if h.Messages != nil {
		h.Messages(streamID, messages)
	}
}

func (h HandlerFuncs) OnReset(streamID string, reason ResetReason) {
	if h.Reset != nil {
		h.Reset(streamID, reason)
	}
}
