package frame

import (
	"strconv"
)

// Mode sentinel byte sequences, checked against the first bytes a transport
// receives before any framing mode is chosen (spec.md §4.5, §6).
const (
	SentinelPolicyFileRequest = "<policy-file-request/>\x00"
	SentinelBencode           = "<bencode/>\n"
	SentinelInt32             = "<int32/>\n"
)

// MaxSniffBytes is how many buffered bytes a transport may accumulate before
// giving up on matching a mode sentinel and hard-closing the connection.
const MaxSniffBytes = 512

// Trailer distinguishes the two length-prefixed outer framings.
type Trailer int

const (
	// TrailerComma is length-prefix-A ("netstring-like"): length ':' payload ','.
	TrailerComma Trailer = iota
	// TrailerNone is length-prefix-B ("bencode-like"): length ':' payload, no trailer.
	TrailerNone
)

// Scanner incrementally extracts complete frame payloads from a byte stream
// framed as `<decimal-length>:<payload>[,]`, enforcing maxLength.
type Scanner struct {
	trailer   Trailer
	maxLength int
	buf       []byte
}

// NewScanner constructs a Scanner for the given trailer convention. A
// maxLength of 0 selects DefaultMaxLength; it is clamped to HardMaxLength.
func NewScanner(trailer Trailer, maxLength int) *Scanner {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	if maxLength > HardMaxLength {
		maxLength = HardMaxLength
	}
	return &Scanner{trailer: trailer, maxLength: maxLength}
}

// Feed appends newly received bytes and returns every complete frame payload
// now extractable from the buffer, draining them. It returns ErrFrameCorruption
// on a non-digit length prefix, a length exceeding maxLength, or a missing
// trailer where one is required.
func (s *Scanner) Feed(data []byte) ([][]byte, error) {
	s.buf = append(s.buf, data...)
	var payloads [][]byte
	for {
		payload, consumed, err := s.scanOne()
		if err != nil {
			return payloads, err
		}
		if !consumed {
			break
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

func (s *Scanner) scanOne() (payload []byte, consumed bool, err error) {
	colon := indexByte(s.buf, ':')
	if colon < 0 {
		if len(s.buf) > 20 {
			// A decimal length this long cannot fit in a sane payload; treat
			// it as corruption rather than buffering forever.
			return nil, false, ErrFrameCorruption
		}
		return nil, false, nil
	}
	lengthStr := string(s.buf[:colon])
	if lengthStr == "" {
		return nil, false, ErrFrameCorruption
	}
	length, err := strconv.Atoi(lengthStr)
	if err != nil || length < 0 {
		return nil, false, ErrFrameCorruption
	}
	if length > s.maxLength {
		return nil, false, ErrFrameCorruption
	}
	trailerLen := 0
	if s.trailer == TrailerComma {
		trailerLen = 1
	}
	total := colon + 1 + length + trailerLen
	if len(s.buf) < total {
		return nil, false, nil
	}
	body := s.buf[colon+1 : colon+1+length]
	if s.trailer == TrailerComma {
		if s.buf[total-1] != ',' {
			return nil, false, ErrFrameCorruption
		}
	}
	out := make([]byte, len(body))
	copy(out, body)
	s.buf = s.buf[total:]
	return out, true, nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// Write renders a frame payload with the scanner's outer framing.
func Write(trailer Trailer, payload []byte) []byte {
	prefix := strconv.Itoa(len(payload)) + ":"
	out := make([]byte, 0, len(prefix)+len(payload)+1)
	out = append(out, prefix...)
	out = append(out, payload...)
	if trailer == TrailerComma {
		out = append(out, ',')
	}
	return out
}
