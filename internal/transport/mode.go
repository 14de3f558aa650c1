package transport

import (
	"bytes"
	"errors"

	"minerva/broker/internal/frame"
)

// Mode identifies how a raw socket connection's byte stream is framed, once
// sniffed (spec.md §4.5). HTTP and WebSocket connections never go through
// sniffing: their mode is fixed by which listener/handler accepted them.
type Mode int

const (
	ModeUnknown Mode = iota
	ModePolicyFile
	ModeLengthPrefixA
	ModeLengthPrefixB
	ModeHTTP
	ModeWebSocket
)

// ErrModeUndetermined is returned by Sniff while more bytes are needed
// before a sentinel can be matched.
var ErrModeUndetermined = errors.New("transport: mode not yet determined")

// ErrModeUnrecognized is returned by Sniff once MaxSniffBytes have been
// buffered without matching any known sentinel — the caller hard-closes.
var ErrModeUnrecognized = errors.New("transport: no sentinel matched within sniff window")

// Sniff inspects the bytes received so far on a fresh connection and
// determines its framing mode. It returns ErrModeUndetermined if buf is a
// valid prefix of some sentinel but not yet long enough to disambiguate, and
// ErrModeUnrecognized once buf exceeds frame.MaxSniffBytes without a match.
func Sniff(buf []byte) (Mode, error) {
	if bytes.HasPrefix([]byte(frame.SentinelPolicyFileRequest), buf) && len(buf) < len(frame.SentinelPolicyFileRequest) {
		return ModeUnknown, ErrModeUndetermined
	}
	if bytes.Equal(buf[:min(len(buf), len(frame.SentinelPolicyFileRequest))], []byte(frame.SentinelPolicyFileRequest)) && len(buf) >= len(frame.SentinelPolicyFileRequest) {
		return ModePolicyFile, nil
	}
	if bytes.HasPrefix([]byte(frame.SentinelBencode), buf) && len(buf) < len(frame.SentinelBencode) {
		return ModeUnknown, ErrModeUndetermined
	}
	if len(buf) >= len(frame.SentinelBencode) && bytes.Equal(buf[:len(frame.SentinelBencode)], []byte(frame.SentinelBencode)) {
		return ModeLengthPrefixB, nil
	}
	if bytes.HasPrefix([]byte(frame.SentinelInt32), buf) && len(buf) < len(frame.SentinelInt32) {
		return ModeUnknown, ErrModeUndetermined
	}
	if len(buf) >= len(frame.SentinelInt32) && bytes.Equal(buf[:len(frame.SentinelInt32)], []byte(frame.SentinelInt32)) {
		return ModeLengthPrefixA, nil
	}

	// Anything else arriving as a bare decimal-length prefix is
	// length-prefix-A, the default length-prefixed framing.
	if len(buf) > 0 && buf[0] >= '0' && buf[0] <= '9' {
		return ModeLengthPrefixA, nil
	}

	if len(buf) >= frame.MaxSniffBytes {
		return ModeUnknown, ErrModeUnrecognized
	}
	return ModeUnknown, ErrModeUndetermined
}
