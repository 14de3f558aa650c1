// Package frame implements Minerva's wire-framing layer: the numeric frame
// taxonomy, the two length-prefixed outer framings, and JSON-array encoding.
package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
)

// Type identifies a frame's numeric wire type.
type Type int

const (
	TypeBoxes       Type = 0
	TypeBox         Type = 1
	TypeSeqnum      Type = 2
	TypeSACK        Type = 4
	TypeHello       Type = 5
	TypeGimmeBoxes  Type = 6
	TypeReset       Type = 10
	TypeYouCloseIt  Type = 11
	TypePadding     Type = 20

	TypeStreamAttachFailure         Type = 601
	TypeAckedUnsentBoxes            Type = 602
	TypeInvalidFrameTypeOrArguments Type = 603
	TypeFrameCorruption             Type = 610
	TypeIntraframeCorruption        Type = 611
	TypeBRB                         Type = 650
)

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

var typeNames = map[Type]string{
	TypeBoxes:                       "boxes",
	TypeBox:                         "box",
	TypeSeqnum:                      "seqnum",
	TypeSACK:                        "sack",
	TypeHello:                       "hello",
	TypeGimmeBoxes:                  "gimme_boxes",
	TypeReset:                       "reset",
	TypeYouCloseIt:                  "you_close_it",
	TypePadding:                     "padding",
	TypeStreamAttachFailure:         "tk_stream_attach_failure",
	TypeAckedUnsentBoxes:            "tk_acked_unsent_boxes",
	TypeInvalidFrameTypeOrArguments: "tk_invalid_frame_type_or_arguments",
	TypeFrameCorruption:             "tk_frame_corruption",
	TypeIntraframeCorruption:        "tk_intraframe_corruption",
	TypeBRB:                         "tk_brb",
}

// arity records the inclusive [min, max] argument count accepted for a type.
type arity struct {
	min, max int
}

var arities = map[Type]arity{
	TypeBoxes:                       {1, 1},
	TypeBox:                         {1, 1},
	TypeSeqnum:                      {1, 1},
	TypeSACK:                        {2, 2},
	TypeHello:                       {1, 1},
	TypeGimmeBoxes:                  {1, 1},
	TypeReset:                       {2, 2},
	TypeYouCloseIt:                  {0, 0},
	TypePadding:                     {1, 1},
	TypeStreamAttachFailure:         {0, 0},
	TypeAckedUnsentBoxes:            {0, 0},
	TypeInvalidFrameTypeOrArguments: {0, 0},
	TypeFrameCorruption:             {0, 0},
	TypeIntraframeCorruption:        {0, 0},
	TypeBRB:                         {1, 1},
}

const (
	// DefaultMaxLength caps a single framed payload (spec.md §4.1).
	DefaultMaxLength = 1 << 20
	// HardMaxLength is the absolute ceiling a decoder will ever honor.
	HardMaxLength = 1 << 30
)

var (
	// ErrFrameCorruption signals a malformed outer length-prefix framing:
	// a non-digit length, an overflowing length, or MAX_LENGTH exceeded.
	ErrFrameCorruption = errors.New("frame: corrupt length-prefix framing")
	// ErrIntraframeCorruption signals a syntactically valid outer frame whose
	// payload is not exhaustively consumable JSON.
	ErrIntraframeCorruption = errors.New("frame: payload is not exhaustively consumable JSON")
	// ErrBadFrame signals an unknown type code or an arity outside range.
	ErrBadFrame = errors.New("frame: unknown type or wrong argument count")
)

// Frame is a parsed wire frame: a numeric type plus its raw JSON arguments.
type Frame struct {
	Type Type
	Args []json.RawMessage
}

// Encode renders a frame as a JSON array [type, ...args], rejecting NaN/Infinity
// (encoding/json already refuses these for float64 fields, so this only
// documents the contract — callers must not hand pre-marshaled NaN/Inf args).
func Encode(f Frame) ([]byte, error) {
	elems := make([]json.RawMessage, 0, len(f.Args)+1)
	typeBytes, err := json.Marshal(int(f.Type))
	if err != nil {
		return nil, err
	}
	elems = append(elems, typeBytes)
	elems = append(elems, f.Args...)
	out, err := json.Marshal(elems)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Parse decodes a single frame payload (the bytes between outer length-prefix
// delimiters) into a Frame, enforcing strict, exhaustive JSON consumption and
// arity rules.
func Parse(payload []byte) (Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrIntraframeCorruption, err)
	}
	if dec.More() {
		return Frame{}, ErrIntraframeCorruption
	}
	if len(raw) == 0 {
		return Frame{}, ErrBadFrame
	}
	var typeNum json.Number
	if err := json.Unmarshal(raw[0], &typeNum); err != nil {
		return Frame{}, ErrBadFrame
	}
	if err := rejectNonFinite(raw[0]); err != nil {
		return Frame{}, err
	}
	typeInt, err := typeNum.Int64()
	if err != nil {
		return Frame{}, ErrBadFrame
	}
	t := Type(typeInt)
	bounds, ok := arities[t]
	if !ok {
		return Frame{}, ErrBadFrame
	}
	args := raw[1:]
	if len(args) < bounds.min || len(args) > bounds.max {
		return Frame{}, ErrBadFrame
	}
	for _, arg := range args {
		if err := rejectNonFinite(arg); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: t, Args: args}, nil
}

// rejectNonFinite walks raw to reject any bare NaN/Infinity-like token; Go's
// encoding/json never emits these for numbers decoded via json.Number, but a
// hand-crafted payload could still smuggle the literal words in a non-numeric
// position, so this is a defense against a payload containing "NaN" outside
// quotes, which json.Number.Decode would otherwise surface as a parse error
// we want to attribute specifically to corruption rather than a generic one.
func rejectNonFinite(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(trimmed, []byte("NaN")):
		return ErrIntraframeCorruption
	case bytes.Equal(trimmed, []byte("Infinity")), bytes.Equal(trimmed, []byte("-Infinity")):
		return ErrIntraframeCorruption
	}
	return nil
}

// Int64Arg decodes a single integer argument, rejecting non-finite or
// out-of-range values (seq numbers and similar Hello fields live in
// [0, 2^64)).
func Int64Arg(raw json.RawMessage) (uint64, error) {
	var num json.Number
	if err := json.Unmarshal(raw, &num); err != nil {
		return 0, ErrIntraframeCorruption
	}
	f, err := num.Float64()
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, ErrIntraframeCorruption
	}
	value, err := strconv.ParseUint(num.String(), 10, 64)
	if err != nil {
		return 0, ErrIntraframeCorruption
	}
	return value, nil
}
