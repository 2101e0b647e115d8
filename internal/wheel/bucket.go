package wheel

import "container/list"

// event is one pending callback invocation. It lives in exactly one bucket
// chain between Schedule and fire/cancel/teardown.
type event[O, A any] struct {
	id       uint64
	expiry   int64
	callback Callback[O, A]
	owner    O
	arg      A

	// position in the wheel, for O(1) removal
	slot int
	elem *list.Element
}

// bucket is one slot of the wheel: a chain of events sorted ascending by
// expiry. Equal expiries keep insertion order.
type bucket[O, A any] struct {
	chain *list.List
}

func newBucket[O, A any]() *bucket[O, A] {
	return &bucket[O, A]{chain: list.New()}
}

// insert places ev after the last entry whose expiry is <= ev.expiry.
// The walk starts at the tail because most inserts carry the latest expiry.
func (b *bucket[O, A]) insert(ev *event[O, A]) {
	for e := b.chain.Back(); e != nil; e = e.Prev() {
		if e.Value.(*event[O, A]).expiry <= ev.expiry {
			ev.elem = b.chain.InsertAfter(ev, e)
			return
		}
	}
	ev.elem = b.chain.PushFront(ev)
}

// front returns the earliest-due event, or nil when the chain is empty.
func (b *bucket[O, A]) front() *event[O, A] {
	e := b.chain.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*event[O, A])
}

// nextDue returns the first event with expiry <= second and id <= maxID,
// skipping newer entries that sort ahead of it.
func (b *bucket[O, A]) nextDue(second int64, maxID uint64) *event[O, A] {
	for e := b.chain.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*event[O, A])
		if ev.expiry > second {
			return nil
		}
		if ev.id <= maxID {
			return ev
		}
	}
	return nil
}

// takeDue unlinks the head run with expiry <= second, in order.
func (b *bucket[O, A]) takeDue(second int64) []*event[O, A] {
	var out []*event[O, A]
	for e := b.chain.Front(); e != nil; {
		ev := e.Value.(*event[O, A])
		if ev.expiry > second {
			break
		}
		next := e.Next()
		b.chain.Remove(e)
		ev.elem = nil
		out = append(out, ev)
		e = next
	}
	return out
}

// remove unlinks ev. Removing an event that is not linked is a no-op that
// reports false.
func (b *bucket[O, A]) remove(ev *event[O, A]) bool {
	if ev == nil || ev.elem == nil {
		return false
	}
	b.chain.Remove(ev.elem)
	ev.elem = nil
	return true
}

func (b *bucket[O, A]) len() int {
	return b.chain.Len()
}

// reset drops every event without firing it and returns how many were dropped.
func (b *bucket[O, A]) reset() int {
	n := b.chain.Len()
	for e := b.chain.Front(); e != nil; e = e.Next() {
		e.Value.(*event[O, A]).elem = nil
	}
	b.chain.Init()
	return n
}

// expiries lists the chain's expiry values in order.
func (b *bucket[O, A]) expiries() []int64 {
	out := make([]int64, 0, b.chain.Len())
	for e := b.chain.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*event[O, A]).expiry)
	}
	return out
}
