package sendqueue

import (
	"encoding/json"
	"errors"
	"testing"
)

func raw(s string) json.RawMessage { return json.RawMessage(`"` + s + `"`) }

func TestExtendAssignsSequentialSeqsFromOne(t *testing.T) {
	q := New()
	items := q.Extend([]json.RawMessage{raw("a"), raw("b")})
	if len(items) != 2 || items[0].Seq != 1 || items[1].Seq != 2 {
		t.Fatalf("unexpected items: %+v", items)
	}
	if q.Base() != 1 || q.Length() != 2 {
		t.Fatalf("unexpected base/length: %d/%d", q.Base(), q.Length())
	}
}

func TestIterItemsReturnsOrderedLiveItemsFromStart(t *testing.T) {
	q := New()
	q.Extend([]json.RawMessage{raw("a"), raw("b"), raw("c")})
	got := q.IterItems(2)
	if len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
		t.Fatalf("unexpected iter result: %+v", got)
	}
}

func TestHandleSACKPrunesAckedPrefixAndAdvancesBase(t *testing.T) {
	q := New()
	q.Extend([]json.RawMessage{raw("a"), raw("b"), raw("c")})
	if err := q.HandleSACK(2, nil); err != nil {
		t.Fatalf("HandleSACK: %v", err)
	}
	if q.Base() != 3 {
		t.Fatalf("expected base advanced to 3, got %d", q.Base())
	}
	remaining := q.IterItems(1)
	if len(remaining) != 1 || remaining[0].Seq != 3 {
		t.Fatalf("unexpected remaining items: %+v", remaining)
	}
}

func TestHandleSACKRemovesOutOfOrderSackListAsHoles(t *testing.T) {
	q := New()
	q.Extend([]json.RawMessage{raw("a"), raw("b"), raw("c")})
	if err := q.HandleSACK(0, []uint64{2}); err != nil {
		t.Fatalf("HandleSACK: %v", err)
	}
	if q.Base() != 1 {
		t.Fatalf("expected base unchanged at 1, got %d", q.Base())
	}
	remaining := q.IterItems(1)
	if len(remaining) != 2 || remaining[0].Seq != 1 || remaining[1].Seq != 3 {
		t.Fatalf("expected seq 2 removed as a hole, got %+v", remaining)
	}
}

func TestHandleSACKRejectsAckBeyondAssignedRange(t *testing.T) {
	q := New()
	q.Extend([]json.RawMessage{raw("a")})
	err := q.HandleSACK(5, nil)
	if !errors.Is(err, ErrInvalidSACK) {
		t.Fatalf("expected ErrInvalidSACK, got %v", err)
	}
}

func TestHandleSACKRejectsSackListMemberBeyondAssignedRange(t *testing.T) {
	q := New()
	q.Extend([]json.RawMessage{raw("a")})
	err := q.HandleSACK(0, []uint64{9})
	if !errors.Is(err, ErrInvalidSACK) {
		t.Fatalf("expected ErrInvalidSACK, got %v", err)
	}
}

func TestHandleSACKWithZeroAckOnEmptyQueueIsValidNoOp(t *testing.T) {
	q := New()
	if err := q.HandleSACK(0, nil); err != nil {
		t.Fatalf("expected zero-ack no-op to be valid, got %v", err)
	}
}

func TestSortedSackListOrdersAscending(t *testing.T) {
	got := SortedSackList([]uint64{5, 1, 3})
	if got[0] != 1 || got[1] != 3 || got[2] != 5 {
		t.Fatalf("unexpected order: %v", got)
	}
}
