package countdown

import "time"

type State int

const (
	Idle State = iota
	Active
	Paused
	Expired
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Timer counts one message down in whole ticks.
//
// A Timer is not safe for concurrent use. Every method, and every callback,
// runs on the owner's event loop: scheduled ticks are handed to post rather
// than executed on the clock's goroutine.
type Timer struct {
	initial  int
	interval time.Duration
	clock    Clock
	post     func(func())

	remaining int
	state     State
	gen       uint64
	pending   Stopper
	fired     bool

	autoStart bool
	onTick    func(remaining int)
	onExpire  func()
}

type Option func(*Timer)

// WithRemaining starts the countdown below the initial value, clamped to
// [0, initial].
func WithRemaining(n int) Option {
	return func(t *Timer) {
		t.remaining = clamp(n, 0, t.initial)
	}
}

func WithAutoStart(start bool) Option {
	return func(t *Timer) { t.autoStart = start }
}

func OnTick(f func(remaining int)) Option {
	return func(t *Timer) { t.onTick = f }
}

func OnExpire(f func()) Option {
	return func(t *Timer) { t.onExpire = f }
}

func New(initial int, interval time.Duration, clock Clock, post func(func()), opts ...Option) *Timer {
	if initial < 0 {
		initial = 0
	}
	t := &Timer{
		initial:   initial,
		interval:  interval,
		clock:     clock,
		post:      post,
		remaining: initial,
		autoStart: true,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.autoStart {
		t.Start()
	}
	return t
}

func (t *Timer) Remaining() int { return t.remaining }

func (t *Timer) State() State { return t.state }

func (t *Timer) Start() bool {
	if t.state != Idle {
		return false
	}
	return t.activate()
}

func (t *Timer) Pause() bool {
	if t.state != Active {
		return false
	}
	t.halt()
	t.state = Paused
	return true
}

// Resume continues a paused timer. An idle timer is started.
func (t *Timer) Resume() bool {
	if t.state != Paused && t.state != Idle {
		return false
	}
	return t.activate()
}

// Reset returns the timer to Idle with the initial countdown. onExpire still
// fires at most once over the timer's lifetime.
func (t *Timer) Reset() {
	t.halt()
	t.remaining = t.initial
	t.state = Idle
}

// SendNow forces the countdown to zero and runs the expiry path immediately.
func (t *Timer) SendNow() bool {
	switch t.state {
	case Idle, Active, Paused:
		t.expire()
		return true
	default:
		return false
	}
}

// Cancel deactivates the timer without running onExpire.
func (t *Timer) Cancel() bool {
	if t.state == Expired || t.state == Cancelled {
		return false
	}
	t.halt()
	t.remaining = 0
	t.state = Cancelled
	return true
}

// Stop tears the timer down keeping its remaining count. No callback runs
// after Stop returns.
func (t *Timer) Stop() {
	t.halt()
	if t.state != Expired {
		t.state = Cancelled
	}
}

func (t *Timer) activate() bool {
	if t.remaining <= 0 {
		t.expire()
		return true
	}
	t.state = Active
	t.schedule()
	return true
}

func (t *Timer) schedule() {
	gen := t.gen
	t.pending = t.clock.AfterFunc(t.interval, func() {
		t.post(func() { t.tick(gen) })
	})
}

func (t *Timer) tick(gen uint64) {
	if gen != t.gen || t.state != Active {
		return
	}
	t.pending = nil

	t.remaining--
	if t.remaining < 0 {
		t.remaining = 0
	}
	if t.onTick != nil {
		t.onTick(t.remaining)
	}
	// onTick may have cancelled or paused us.
	if gen != t.gen || t.state != Active {
		return
	}
	if t.remaining == 0 {
		t.expire()
		return
	}
	t.schedule()
}

func (t *Timer) expire() {
	t.halt()
	t.remaining = 0
	t.state = Expired
	if t.fired {
		return
	}
	t.fired = true
	if t.onExpire != nil {
		t.onExpire()
	}
}

func (t *Timer) halt() {
	t.gen++
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
