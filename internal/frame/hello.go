package frame

import (
	"bytes"
	"encoding/json"
	"errors"
)

// HTTPFormat enumerates the "t" Hello field's recognized values.
type HTTPFormat int

const (
	HTTPFormatXHR      HTTPFormat = 2
	HTTPFormatHTMLFile HTTPFormat = 3
)

const (
	// ProtocolVersion is the only accepted value of Hello's "v" field.
	ProtocolVersion = 2
	// MaxNeedPaddingBytes bounds Hello's "p" field.
	MaxNeedPaddingBytes = 16 * 1024
	// StreamIDMinLength and StreamIDMaxLength bound Hello's "i" field.
	StreamIDMinLength = 20
	StreamIDMaxLength = 30
)

// ErrInvalidHello signals a Hello payload failing required-field or
// constraint validation (spec.md §4.5.1).
var ErrInvalidHello = errors.New("frame: invalid hello payload")

// Hello is the parsed, validated form of the hello-dict argument to a type-5
// frame.
type Hello struct {
	Version            int
	StreamID            string
	TransportNumber      uint64
	RequestNewStream     bool
	CredentialsData      json.RawMessage
	MaxReceiveBytes      uint64
	HasMaxReceiveBytes   bool
	MaxOpenTimeMillis    uint64
	HTTPFormat           HTTPFormat
	HasHTTPFormat        bool
	NeedPaddingBytes     int
	HasNeedPaddingBytes  bool
	SucceedsTransport    *uint64
	StreamingResponse    bool
	HasStreamingResponse bool
}

// wireHello mirrors the compact single-letter keys of the Hello dict.
type wireHello struct {
	V *json.Number    `json:"v"`
	I *string         `json:"i"`
	N *json.Number    `json:"n"`
	W *bool           `json:"w"`
	C json.RawMessage `json:"c"`
	R *json.Number    `json:"r"`
	M *json.Number    `json:"m"`
	T *json.Number    `json:"t"`
	P *json.Number    `json:"p"`
	G *json.RawMessage `json:"g"`
	S *bool           `json:"s"`
}

// ParseHello validates and decodes a Hello frame's single argument.
func ParseHello(raw json.RawMessage) (Hello, error) {
	var w wireHello
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Hello{}, ErrInvalidHello
	}

	if w.V == nil || w.I == nil || w.N == nil {
		return Hello{}, ErrInvalidHello
	}

	version, err := w.V.Int64()
	if err != nil || version != ProtocolVersion {
		return Hello{}, ErrInvalidHello
	}

	id := *w.I
	if len(id) < StreamIDMinLength || len(id) > StreamIDMaxLength {
		return Hello{}, ErrInvalidHello
	}
	for _, r := range id {
		if r > 127 {
			return Hello{}, ErrInvalidHello
		}
	}

	transportNumber, err := parseBoundedUint(w.N)
	if err != nil {
		return Hello{}, ErrInvalidHello
	}

	h := Hello{
		Version:         int(version),
		StreamID:        id,
		TransportNumber: transportNumber,
	}

	if w.W != nil {
		h.RequestNewStream = *w.W
	}

	if w.C != nil {
		if !isJSONObject(w.C) {
			return Hello{}, ErrInvalidHello
		}
		h.CredentialsData = w.C
	} else {
		h.CredentialsData = json.RawMessage("{}")
	}

	if w.R != nil {
		value, err := parseBoundedUint(w.R)
		if err != nil {
			return Hello{}, ErrInvalidHello
		}
		h.MaxReceiveBytes = value
		h.HasMaxReceiveBytes = true
	}

	if w.M == nil {
		return Hello{}, ErrInvalidHello
	}
	maxOpenTime, err := parseBoundedUint(w.M)
	if err != nil {
		return Hello{}, ErrInvalidHello
	}
	h.MaxOpenTimeMillis = maxOpenTime

	if w.T != nil {
		value, err := w.T.Int64()
		if err != nil {
			return Hello{}, ErrInvalidHello
		}
		switch HTTPFormat(value) {
		case HTTPFormatXHR, HTTPFormatHTMLFile:
			h.HTTPFormat = HTTPFormat(value)
			h.HasHTTPFormat = true
		default:
			return Hello{}, ErrInvalidHello
		}
	}

	if w.P != nil {
		value, err := w.P.Int64()
		if err != nil || value < 0 || value > MaxNeedPaddingBytes {
			return Hello{}, ErrInvalidHello
		}
		h.NeedPaddingBytes = int(value)
		h.HasNeedPaddingBytes = true
	}

	if w.G != nil {
		raw := *w.G
		if string(raw) == "null" {
			h.SucceedsTransport = nil
		} else {
			var num json.Number
			if err := json.Unmarshal(raw, &num); err != nil {
				return Hello{}, ErrInvalidHello
			}
			value, err := parseBoundedUint(&num)
			if err != nil {
				return Hello{}, ErrInvalidHello
			}
			h.SucceedsTransport = &value
		}
	}

	if w.S != nil {
		h.StreamingResponse = *w.S
		h.HasStreamingResponse = true
	}

	return h, nil
}

func parseBoundedUint(num *json.Number) (uint64, error) {
	if num == nil {
		return 0, ErrInvalidHello
	}
	f, err := num.Float64()
	if err != nil {
		return 0, ErrInvalidHello
	}
	if f < 0 {
		return 0, ErrInvalidHello
	}
	value, err := num.Int64()
	if err != nil || value < 0 {
		return 0, ErrInvalidHello
	}
	return uint64(value), nil
}

func isJSONObject(raw json.RawMessage) bool {
	var m map[string]json.RawMessage
	return json.Unmarshal(raw, &m) == nil
}
