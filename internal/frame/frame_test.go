package frame

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRoundTripsBoxFrame(t *testing.T) {
	encoded, err := Encode(Frame{Type: TypeBox, Args: []json.RawMessage{[]byte(`"hello"`)}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	parsed, err := Parse(encoded)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed.Type != TypeBox {
		t.Fatalf("expected type box, got %v", parsed.Type)
	}
	if len(parsed.Args) != 1 || string(parsed.Args[0]) != `"hello"` {
		t.Fatalf("unexpected args: %v", parsed.Args)
	}
}

func TestParseRejectsTrailingGarbage(t *testing.T) {
	_, err := Parse([]byte(`[1,"a"] garbage`))
	if !errors.Is(err, ErrIntraframeCorruption) {
		t.Fatalf("expected ErrIntraframeCorruption, got %v", err)
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	_, err := Parse([]byte(`[9999]`))
	if !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame, got %v", err)
	}
}

func TestParseRejectsWrongArity(t *testing.T) {
	_, err := Parse([]byte(`[4,0]`))
	if !errors.Is(err, ErrBadFrame) {
		t.Fatalf("expected ErrBadFrame for sack with one arg, got %v", err)
	}
}

func TestParseRejectsNonFiniteArgument(t *testing.T) {
	_, err := Parse([]byte(`[1,NaN]`))
	if err == nil {
		t.Fatal("expected error for NaN argument")
	}
}

func TestInt64ArgRejectsNegative(t *testing.T) {
	_, err := Int64Arg(json.RawMessage(`-1`))
	if !errors.Is(err, ErrIntraframeCorruption) {
		t.Fatalf("expected corruption error for negative arg, got %v", err)
	}
}

func TestInt64ArgAcceptsLargeSeq(t *testing.T) {
	value, err := Int64Arg(json.RawMessage(`9007199254740993`))
	if err != nil {
		t.Fatalf("Int64Arg: %v", err)
	}
	if value != 9007199254740993 {
		t.Fatalf("unexpected value %d", value)
	}
}

func TestTypeStringKnownAndUnknown(t *testing.T) {
	if TypeSACK.String() != "sack" {
		t.Fatalf("unexpected name for sack: %s", TypeSACK.String())
	}
	if got := Type(42).String(); got != "unknown(42)" {
		t.Fatalf("unexpected name for unknown type: %s", got)
	}
}
