package transport

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"time"

	"minerva/broker/internal/appio"
	"minerva/broker/internal/frame"
	"minerva/broker/internal/logging"
	"minerva/broker/internal/stream"
	"minerva/broker/internal/tracker"
)

// helloPrelude is written before any frame on a forever-frame (HTMLFile)
// response: an endless-loop statement that makes the body useless when it
// is pulled in as a <script> from another page.
const helloPrelude = "for(;;);\n"

// HTTPHandler implements the `/minerva/stream` long-poll endpoint: one POST
// opens or resumes a stream via a leading Hello frame, then the response is
// held open until maxOpenTime elapses, the request ends, or the stream resets
// (spec.md §4.5, §6). The Hello's streamingResponse flag is parsed but not
// consulted: a response is not closed early after its first batch.
type HTTPHandler struct {
	tracker    *tracker.Tracker
	factory    appio.Factory
	dispatcher *Dispatcher
	logger     *logging.Logger
	trailer    frame.Trailer
	maxLength  int
	authorizer Authorizer
}

// HTTPHandlerOption configures an HTTPHandler at construction time.
type HTTPHandlerOption func(*HTTPHandler)

// WithHTTPLogger attaches a structured logger.
func WithHTTPLogger(l *logging.Logger) HTTPHandlerOption {
	return func(h *HTTPHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithHTTPMaxLength overrides the per-frame length cap.
func WithHTTPMaxLength(maxLength int) HTTPHandlerOption {
	return func(h *HTTPHandler) { h.maxLength = maxLength }
}

// WithHTTPAuthorizer attaches a Hello credentialsData authorization check;
// without one, every Hello is accepted unconditionally.
func WithHTTPAuthorizer(a Authorizer) HTTPHandlerOption {
	return func(h *HTTPHandler) {
		if a != nil {
			h.authorizer = a
		}
	}
}

// NewHTTPHandler constructs the long-poll endpoint handler.
func NewHTTPHandler(t *tracker.Tracker, factory appio.Factory, opts ...HTTPHandlerOption) *HTTPHandler {
	h := &HTTPHandler{
		tracker:    t,
		factory:    factory,
		dispatcher: NewDispatcher(nil),
		logger:     logging.NewTestLogger(),
		trailer:    frame.TrailerComma,
		authorizer: NoAuthorization,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, int64(h.effectiveMaxLength())*2))
	if err != nil {
		http.Error(w, "error reading body", http.StatusBadRequest)
		return
	}

	scanner := frame.NewScanner(h.trailer, h.effectiveMaxLength())
	payloads, err := scanner.Feed(body)
	if err != nil || len(payloads) == 0 {
		http.Error(w, "malformed frame stream", http.StatusBadRequest)
		return
	}

	helloFrame, err := frame.Parse(payloads[0])
	if err != nil || helloFrame.Type != frame.TypeHello {
		http.Error(w, "expected hello frame first", http.StatusBadRequest)
		return
	}
	hello, err := frame.ParseHello(helloFrame.Args[0])
	if err != nil {
		http.Error(w, "invalid hello", http.StatusBadRequest)
		return
	}

	s, err := h.resolveStream(hello)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	flusher, _ := w.(http.Flusher)
	writer := &httpFrameWriter{w: bufio.NewWriter(w), flusher: flusher}
	if hello.HasHTTPFormat && hello.HTTPFormat == frame.HTTPFormatHTMLFile {
		writer.w.WriteString(helloPrelude)
		writer.flush()
	}
	sink := NewSink(writer, func() error { return nil })
	s.TransportOnline(hello.TransportNumber, sink)
	defer s.TransportOffline(sink)

	if hello.SucceedsTransport != nil {
		pretendAcked, havePretend := uint64(0), false
		if prior, ok := priorSink(s, *hello.SucceedsTransport); ok {
			pretendAcked, havePretend = prior.LastSeq()
		}
		if err := s.SubscribeToBoxes(sink, pretendAcked, havePretend); err != nil {
			http.Error(w, "stream already reset", http.StatusGone)
			return
		}
	}

	for _, payload := range payloads[1:] {
		f, err := frame.Parse(payload)
		if err != nil {
			continue
		}
		_ = h.dispatcher.Dispatch(s, sink, f, len(payload))
	}

	h.holdOpen(r.Context(), s, hello)
	writer.flush()
}

func (h *HTTPHandler) resolveStream(hello frame.Hello) (*stream.Stream, error) {
	return resolveStream(h.tracker, h.factory, h.authorizer, hello)
}

func (h *HTTPHandler) holdOpen(ctx context.Context, s *stream.Stream, hello frame.Hello) {
	timeout := time.Duration(hello.MaxOpenTimeMillis) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.NotifyFinish():
	}
}

func (h *HTTPHandler) effectiveMaxLength() int {
	if h.maxLength > 0 {
		return h.maxLength
	}
	return frame.DefaultMaxLength
}

// httpFrameWriter implements FrameWriter over a buffered HTTP response body,
// flushing after every frame so streaming responses deliver boxes promptly.
type httpFrameWriter struct {
	w       *bufio.Writer
	flusher http.Flusher
}

func (f *httpFrameWriter) WriteFrame(payload []byte) error {
	if _, err := f.w.Write(frame.Write(frame.TrailerComma, payload)); err != nil {
		return err
	}
	return f.flush()
}

func (f *httpFrameWriter) flush() error {
	if err := f.w.Flush(); err != nil {
		return err
	}
	if f.flusher != nil {
		f.flusher.Flush()
	}
	return nil
}
