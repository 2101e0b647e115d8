package wheel

import (
	"reflect"
	"testing"
)

func newTestEvent(id uint64, expiry int64) *event[int, int] {
	return &event[int, int]{id: id, expiry: expiry}
}

func TestBucket_InsertKeepsAscendingOrder(t *testing.T) {
	b := newBucket[int, int]()

	for i, expiry := range []int64{120, 60, 180, 0, 60, 121} {
		b.insert(newTestEvent(uint64(i+1), expiry))
	}

	want := []int64{0, 60, 60, 120, 121, 180}
	if got := b.expiries(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expiries = %v, want %v", got, want)
	}
}

func TestBucket_EqualExpiryIsFIFO(t *testing.T) {
	// WHAT: Two events with the same expiry
	// WHY: The one scheduled first must fire first

	b := newBucket[int, int]()
	first := newTestEvent(1, 42)
	second := newTestEvent(2, 42)
	b.insert(first)
	b.insert(second)

	if got := b.front(); got != first {
		t.Fatalf("front = event %d, want event 1", got.id)
	}
	b.remove(first)
	if got := b.front(); got != second {
		t.Fatalf("front = event %d, want event 2", got.id)
	}
}

func TestBucket_RemoveUnlinkedIsNoop(t *testing.T) {
	b := newBucket[int, int]()
	ev := newTestEvent(1, 10)

	if b.remove(nil) {
		t.Error("remove(nil) should report false")
	}
	if b.remove(ev) {
		t.Error("remove of an event never inserted should report false")
	}

	b.insert(ev)
	if !b.remove(ev) {
		t.Fatal("remove of a linked event should report true")
	}
	if b.remove(ev) {
		t.Error("second remove should report false")
	}
	if b.len() != 0 {
		t.Errorf("len = %d, want 0", b.len())
	}
}

func TestBucket_Reset(t *testing.T) {
	b := newBucket[int, int]()
	events := []*event[int, int]{newTestEvent(1, 1), newTestEvent(2, 2), newTestEvent(3, 3)}
	for _, ev := range events {
		b.insert(ev)
	}

	if n := b.reset(); n != 3 {
		t.Fatalf("reset dropped %d, want 3", n)
	}
	if b.front() != nil {
		t.Error("bucket should be empty after reset")
	}
	for _, ev := range events {
		if ev.elem != nil {
			t.Errorf("event %d still carries a list element", ev.id)
		}
	}
	if n := b.reset(); n != 0 {
		t.Errorf("reset on empty bucket dropped %d, want 0", n)
	}
}
