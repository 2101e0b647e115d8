package wheel

import "time"

// Observer receives wheel lifecycle notifications. Implementations must be
// cheap and safe for concurrent use; most calls happen with the gate held.
type Observer interface {
	// EventScheduled is called once per accepted Schedule.
	EventScheduled()

	// EventFired is called after a callback returns (or panics).
	// lateness is wall-clock now minus the event's expiry second.
	EventFired(lateness time.Duration, status int)

	// CallbackPanicked is called when a callback panic is recovered.
	CallbackPanicked()

	// EventCancelled is called once per successful Cancel.
	EventCancelled()

	// EventsDiscarded is called by Close with the number of dropped events.
	EventsDiscarded(n int)

	// CursorAdvanced is called on every catch-up step with the remaining
	// lag in seconds.
	CursorAdvanced(lag int64)
}

type nopObserver struct{}

func (nopObserver) EventScheduled()               {}
func (nopObserver) EventFired(time.Duration, int) {}
func (nopObserver) CallbackPanicked()             {}
func (nopObserver) EventCancelled()               {}
func (nopObserver) EventsDiscarded(int)           {}
func (nopObserver) CursorAdvanced(int64)          {}
