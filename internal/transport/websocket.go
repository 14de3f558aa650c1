package transport

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"minerva/broker/internal/appio"
	"minerva/broker/internal/frame"
	"minerva/broker/internal/logging"
	"minerva/broker/internal/tracker"
)

// WebSocketHandler implements the WebSocket transport mode: a single
// connection that is itself inherently ordered and reliable, so the Hello
// handshake's Stream identity (not fresh TCP framing detection) is the only
// protocol work a WebSocket connection needs before dispatch takes over.
// This mode is a supplement beyond the historical long-poll/socket variants,
// following the teacher's existing `serveWS` upgrade idiom.
type WebSocketHandler struct {
	tracker    *tracker.Tracker
	factory    appio.Factory
	dispatcher *Dispatcher
	logger     *logging.Logger
	upgrader   websocket.Upgrader
	readLimit  int64
	pingPeriod time.Duration
	authorizer Authorizer
}

// WebSocketOption configures a WebSocketHandler at construction time.
type WebSocketOption func(*WebSocketHandler)

// WithWebSocketLogger attaches a structured logger.
func WithWebSocketLogger(l *logging.Logger) WebSocketOption {
	return func(h *WebSocketHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithWebSocketOriginChecker overrides the upgrader's CheckOrigin.
func WithWebSocketOriginChecker(check func(*http.Request) bool) WebSocketOption {
	return func(h *WebSocketHandler) {
		if check != nil {
			h.upgrader.CheckOrigin = check
		}
	}
}

// WithWebSocketReadLimit bounds the maximum message size accepted.
func WithWebSocketReadLimit(limit int64) WebSocketOption {
	return func(h *WebSocketHandler) { h.readLimit = limit }
}

// WithWebSocketAuthorizer attaches a Hello credentialsData authorization
// check; without one, every Hello is accepted unconditionally.
func WithWebSocketAuthorizer(a Authorizer) WebSocketOption {
	return func(h *WebSocketHandler) {
		if a != nil {
			h.authorizer = a
		}
	}
}

// NewWebSocketHandler constructs the WebSocket transport handler.
func NewWebSocketHandler(t *tracker.Tracker, factory appio.Factory, opts ...WebSocketOption) *WebSocketHandler {
	h := &WebSocketHandler{
		tracker:    t,
		factory:    factory,
		dispatcher: NewDispatcher(nil),
		logger:     logging.NewTestLogger(),
		readLimit:  frame.DefaultMaxLength,
		pingPeriod: 30 * time.Second,
		authorizer: NoAuthorization,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(h.readLimit)

	messageType, payload, err := conn.ReadMessage()
	if err != nil || messageType != websocket.TextMessage {
		h.logger.Warn("websocket connection did not open with a text hello frame")
		return
	}
	helloFrame, err := frame.Parse(payload)
	if err != nil || helloFrame.Type != frame.TypeHello {
		h.writeTkFrame(conn, frame.TypeStreamAttachFailure)
		return
	}
	hello, err := frame.ParseHello(helloFrame.Args[0])
	if err != nil {
		h.writeTkFrame(conn, frame.TypeStreamAttachFailure)
		return
	}

	s, err := resolveStream(h.tracker, h.factory, h.authorizer, hello)
	if err != nil {
		h.writeTkFrame(conn, frame.TypeStreamAttachFailure)
		return
	}

	writer := &websocketFrameWriter{conn: conn}
	sink := NewSink(writer, conn.Close)
	s.TransportOnline(hello.TransportNumber, sink)
	defer s.TransportOffline(sink)

	if hello.SucceedsTransport != nil {
		pretendAcked, havePretend := uint64(0), false
		if prior, ok := priorSink(s, *hello.SucceedsTransport); ok {
			pretendAcked, havePretend = prior.LastSeq()
		}
		if err := s.SubscribeToBoxes(sink, pretendAcked, havePretend); err != nil {
			return
		}
	}

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		f, err := frame.Parse(payload)
		if err != nil {
			h.writeTkFrame(conn, frame.TypeIntraframeCorruption)
			continue
		}
		if err := h.dispatcher.Dispatch(s, sink, f, len(payload)); err != nil {
			if errors.Is(err, ErrUnsupportedFrame) {
				h.writeTkFrame(conn, frame.TypeInvalidFrameTypeOrArguments)
				continue
			}
			return
		}
		if s.IsReset() {
			return
		}
	}
}

func (h *WebSocketHandler) writeTkFrame(conn *websocket.Conn, t frame.Type) {
	payload, err := frame.Encode(frame.Frame{Type: t})
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, payload)
}

// websocketFrameWriter implements FrameWriter over a single WebSocket
// connection; each frame becomes one text message (no outer length-prefix
// framing is needed since WebSocket already delimits messages).
type websocketFrameWriter struct {
	conn *websocket.Conn
}

func (w *websocketFrameWriter) WriteFrame(payload []byte) error {
	return w.conn.WriteMessage(websocket.TextMessage, payload)
}
