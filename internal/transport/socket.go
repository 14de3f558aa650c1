package transport

import (
	"net"
	"time"

	"minerva/broker/internal/appio"
	"minerva/broker/internal/frame"
	"minerva/broker/internal/logging"
	"minerva/broker/internal/stream"
	"minerva/broker/internal/tracker"
)

// SocketServer accepts raw TCP connections and sniffs each one's framing
// mode before handing it to the shared Hello/dispatch machinery (spec.md
// §4.5, §6). Unlike HTTP and WebSocket, a raw socket's mode is not known
// until its first bytes arrive.
type SocketServer struct {
	tracker    *tracker.Tracker
	factory    appio.Factory
	dispatcher *Dispatcher
	logger     *logging.Logger
	readTimeout time.Duration
	authorizer Authorizer
}

// SocketServerOption configures a SocketServer at construction time.
type SocketServerOption func(*SocketServer)

// WithSocketLogger attaches a structured logger.
func WithSocketLogger(l *logging.Logger) SocketServerOption {
	return func(s *SocketServer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSocketReadTimeout bounds how long a read may block before the
// connection is dropped as unresponsive.
func WithSocketReadTimeout(d time.Duration) SocketServerOption {
	return func(s *SocketServer) { s.readTimeout = d }
}

// WithSocketAuthorizer attaches a Hello credentialsData authorization check;
// without one, every Hello is accepted unconditionally.
func WithSocketAuthorizer(a Authorizer) SocketServerOption {
	return func(s *SocketServer) {
		if a != nil {
			s.authorizer = a
		}
	}
}

// NewSocketServer constructs a raw-socket transport server.
func NewSocketServer(t *tracker.Tracker, factory appio.Factory, opts ...SocketServerOption) *SocketServer {
	s := &SocketServer{
		tracker:     t,
		factory:     factory,
		dispatcher:  NewDispatcher(nil),
		logger:      logging.NewTestLogger(),
		readTimeout: 5 * time.Minute,
		authorizer:  NoAuthorization,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Serve accepts connections on ln until it returns an error (typically from
// ln.Close during shutdown).
func (s *SocketServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *SocketServer) handleConn(conn net.Conn) {
	defer conn.Close()

	var sniffBuf []byte
	readBuf := make([]byte, 4096)
	var mode Mode
	for {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		n, err := conn.Read(readBuf)
		if err != nil {
			return
		}
		sniffBuf = append(sniffBuf, readBuf[:n]...)
		m, err := Sniff(sniffBuf)
		if err == nil {
			mode = m
			break
		}
		if err == ErrModeUnrecognized {
			return
		}
	}

	switch mode {
	case ModePolicyFile:
		s.writePolicyFile(conn)
		return
	case ModeLengthPrefixA:
		s.serveFramed(conn, sniffBuf[lenSentinelPrefix(sniffBuf):], frame.TrailerComma)
	case ModeLengthPrefixB:
		trailerStart := lenSentinelPrefix(sniffBuf)
		s.serveFramed(conn, sniffBuf[trailerStart:], frame.TrailerNone)
	default:
		return
	}
}

func lenSentinelPrefix(buf []byte) int {
	for _, sentinel := range []string{frame.SentinelBencode, frame.SentinelInt32} {
		if len(buf) >= len(sentinel) && string(buf[:len(sentinel)]) == sentinel {
			return len(sentinel)
		}
	}
	return 0
}

func (s *SocketServer) writePolicyFile(conn net.Conn) {
	const policy = `<?xml version="1.0"?><cross-domain-policy><allow-access-from domain="*" to-ports="*"/></cross-domain-policy>` + "\x00"
	_, _ = conn.Write([]byte(policy))
}

func (s *SocketServer) serveFramed(conn net.Conn, preread []byte, trailer frame.Trailer) {
	scanner := frame.NewScanner(trailer, 0)
	payloads, err := scanner.Feed(preread)
	if err != nil {
		return
	}

	var st *streamBinding
	readBuf := make([]byte, 4096)
	for {
		for _, payload := range payloads {
			if st == nil {
				st, err = s.openStream(conn, trailer, payload)
				if err != nil {
					return
				}
				continue
			}
			f, err := frame.Parse(payload)
			if err != nil {
				continue
			}
			if err := s.dispatcher.Dispatch(st.stream(), st.sink, f, len(payload)); err != nil {
				continue
			}
			if st.stream().IsReset() {
				return
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		n, readErr := conn.Read(readBuf)
		if readErr != nil {
			if st != nil {
				st.offline()
			}
			return
		}
		payloads, err = scanner.Feed(readBuf[:n])
		if err != nil {
			if st != nil {
				st.offline()
			}
			return
		}
	}
}

func (s *SocketServer) openStream(conn net.Conn, trailer frame.Trailer, helloPayload []byte) (*streamBinding, error) {
	helloFrame, err := frame.Parse(helloPayload)
	if err != nil || helloFrame.Type != frame.TypeHello {
		return nil, ErrStreamAttachFailure
	}
	hello, err := frame.ParseHello(helloFrame.Args[0])
	if err != nil {
		return nil, ErrInvalidHelloPayload
	}
	st, err := resolveStream(s.tracker, s.factory, s.authorizer, hello)
	if err != nil {
		return nil, err
	}
	writer := &socketFrameWriter{conn: conn, trailer: trailer}
	sink := NewSink(writer, conn.Close)
	st.TransportOnline(hello.TransportNumber, sink)
	if hello.SucceedsTransport != nil {
		pretendAcked, havePretend := uint64(0), false
		if prior, ok := priorSink(st, *hello.SucceedsTransport); ok {
			pretendAcked, havePretend = prior.LastSeq()
		}
		if err := st.SubscribeToBoxes(sink, pretendAcked, havePretend); err != nil {
			return nil, err
		}
	}
	return &streamBinding{s: st, sink: sink}, nil
}

// ErrInvalidHelloPayload signals a syntactically valid hello frame whose
// argument fails Hello validation.
var ErrInvalidHelloPayload = frame.ErrInvalidHello

type streamBinding struct {
	s    *stream.Stream
	sink *Sink
}

func (b *streamBinding) stream() *stream.Stream { return b.s }
func (b *streamBinding) offline()               { b.s.TransportOffline(b.sink) }

type socketFrameWriter struct {
	conn    net.Conn
	trailer frame.Trailer
}

func (w *socketFrameWriter) WriteFrame(payload []byte) error {
	_, err := w.conn.Write(frame.Write(w.trailer, payload))
	return err
}
