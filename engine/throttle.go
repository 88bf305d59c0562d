package engine

import "time"

// throttle runs fn at most once per window: the first trigger of a quiet
// window runs at once, later triggers inside it collapse into a single
// trailing run at the window's end. It is confined to the page loop; the
// timer callback only hands the trailing run back to the loop through post.
type throttle struct {
	clock  Clock
	window time.Duration
	post   func(func())
	fn     func()

	last    time.Time
	started bool
	timer   Timer
	stopped bool
}

func newThrottle(clock Clock, window time.Duration, post func(func()), fn func()) *throttle {
	return &throttle{clock: clock, window: window, post: post, fn: fn}
}

func (t *throttle) trigger() {
	if t.stopped {
		return
	}
	now := t.clock.Now()
	elapsed := now.Sub(t.last)
	if !t.started || elapsed >= t.window {
		t.started = true
		t.last = now
		t.fn()
		return
	}
	if t.timer != nil {
		return
	}
	t.timer = t.clock.AfterFunc(t.window-elapsed, func() {
		t.post(t.trailing)
	})
}

func (t *throttle) trailing() {
	if t.stopped {
		return
	}
	t.timer = nil
	t.last = t.clock.Now()
	t.fn()
}

// stop cancels a pending trailing run. A callback that already fired and is
// queued on the loop finds stopped set and does nothing.
func (t *throttle) stop() {
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
