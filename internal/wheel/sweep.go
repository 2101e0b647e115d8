package wheel

import "time"

// =============================================================================
// SWEEPER
// =============================================================================

// run is the sweeper goroutine: one tick per poll interval until Close.
func (w *Wheel[O, A]) run() {
	defer w.wg.Done()

	ticker := w.clock.Ticker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick fires what is due in the cursor bucket, then advances the cursor by at
// most one second.
func (w *Wheel[O, A]) tick() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed.Load() {
		return
	}

	w.fireDueLocked()
	w.advanceLocked()
}

// fireDueLocked fires the cursor bucket's due events in order. Only events
// that were already scheduled when the sweep began are fired; anything a
// callback schedules for the current second waits for the next tick. The
// gate is released around each callback.
func (w *Wheel[O, A]) fireDueLocked() {
	limit := w.nextID
	for {
		if w.closed.Load() {
			return
		}

		ev := w.buckets[w.cursor].nextDue(w.tracked, limit)
		if ev == nil {
			return
		}
		w.inflight.Add(1)
		w.unlinkLocked(ev)

		w.mu.Unlock()
		status, panicked := w.invoke(ev)
		w.mu.Lock()

		w.totalFired.Add(1)
		switch {
		case panicked:
			w.totalPanics.Add(1)
			w.totalFailures.Add(1)
		case status != 0:
			w.totalFailures.Add(1)
			w.logger.Debug("callback returned non-zero status",
				"event_id", ev.id,
				"expiry", ev.expiry,
				"status", status)
		}
		w.inflight.Add(-1)
	}
}

// invoke runs the callback and reports its status. A panic is recovered so a
// misbehaving callback cannot take the sweeper down.
func (w *Wheel[O, A]) invoke(ev *event[O, A]) (status int, panicked bool) {
	lateness := w.clock.Now().Sub(time.Unix(ev.expiry, 0))

	defer func() {
		if r := recover(); r != nil {
			panicked = true
			status = -1
			w.logger.Error("callback panic recovered",
				"event_id", ev.id,
				"expiry", ev.expiry,
				"panic", r)
			w.observer.CallbackPanicked()
		}
		w.observer.EventFired(lateness, status)
	}()

	return ev.callback(ev.owner, ev.arg), false
}

// advanceLocked is the catch-up step. If the wall clock is past the tracked
// second, the tracked second moves forward by exactly one. Due events left in
// the old cursor bucket (scheduled by callbacks during this sweep) move with
// the cursor so the next tick fires them.
func (w *Wheel[O, A]) advanceLocked() {
	now := w.clock.Now().Unix()
	if now > w.tracked {
		carried := w.buckets[w.cursor].takeDue(w.tracked)
		w.tracked++
		w.cursor = w.slotOf(w.tracked)
		for _, ev := range carried {
			ev.slot = w.cursor
			w.buckets[w.cursor].insert(ev)
		}
	}

	lag := now - w.tracked
	if lag < 0 {
		lag = 0
	}
	if lag > 1 && w.lastLag.Load() <= 1 {
		w.logger.Warn("timer wheel lagging behind wall clock",
			"tracked", w.tracked,
			"wall", now,
			"lag_seconds", lag)
	}
	w.lastLag.Store(lag)
	w.observer.CursorAdvanced(lag)
}
