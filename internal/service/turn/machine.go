package turn

import (
	"time"

	"speech-relay-service/internal/models"
)

// DefaultSilenceWindow is the debounce applied after the latest final.
const DefaultSilenceWindow = 2 * time.Second

// Expiry identifies one armed silence timer. Generation lets the owner tell
// a live timer from one that was superseded after it already fired.
type Expiry struct {
	Role       models.Role
	Generation uint64
}

// Pending is the text held for a role when its window closes.
type Pending struct {
	Role      models.Role
	Text      string
	TimeRange models.TimeRange
}

// Machine is the turn state of one role. It is not safe for concurrent use:
// the relay loop owns it, and timer expiries are reported through notify so
// they can be applied on that same goroutine via Expire.
//
// State transitions:
//
//	IDLE ──Partial──→ ACCUMULATING ──Final──→ AWAITING_SILENCE ──Expire──→ IDLE
//	                                             │      ↑
//	                                             └Final─┘ (timer restarted)
//
// Rules:
//   - Partials never touch the held text or the timer.
//   - A non-empty final replaces the held text and restarts the timer.
//   - An empty final is ignored.
//   - Terminate discards the held text without emitting it.
type Machine struct {
	role   models.Role
	window time.Duration
	clock  Clock
	notify func(Expiry)

	state     State
	live      string
	liveRange models.TimeRange
	timer     Timer
	gen       uint64
}

// NewMachine creates an idle machine. notify is called from the clock's
// goroutine when a timer fires; it must not block.
func NewMachine(role models.Role, window time.Duration, clock Clock, notify func(Expiry)) *Machine {
	if window <= 0 {
		window = DefaultSilenceWindow
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Machine{
		role:   role,
		window: window,
		clock:  clock,
		notify: notify,
	}
}

// Role returns the role this machine tracks.
func (m *Machine) Role() models.Role { return m.role }

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Live returns the text awaiting silence confirmation, if any.
func (m *Machine) Live() string { return m.live }

// Armed reports whether a silence timer is scheduled.
func (m *Machine) Armed() bool { return m.timer != nil }

// ApplyPartial records that speech is in progress.
func (m *Machine) ApplyPartial() {
	m.state = StateAccumulating
}

// ApplyFinal holds text and restarts the silence timer. restarted is true
// when an armed timer was replaced.
func (m *Machine) ApplyFinal(text string, rng models.TimeRange) (restarted bool, err error) {
	if text == "" {
		return false, ErrEmptyTranscript
	}

	restarted = m.cancel()
	m.live = text
	m.liveRange = rng
	m.state = StateAwaitingSilence

	exp := Expiry{Role: m.role, Generation: m.gen}
	notify := m.notify
	m.timer = m.clock.AfterFunc(m.window, func() {
		if notify != nil {
			notify(exp)
		}
	})
	return restarted, nil
}

// Expire applies a fired timer. It returns the held text when gen is the
// current generation; the held text is cleared.
func (m *Machine) Expire(gen uint64) (Pending, error) {
	if m.timer == nil || gen != m.gen {
		return Pending{}, ErrStaleTimer
	}
	m.timer = nil
	m.gen++

	if m.live == "" {
		m.state = StateIdle
		return Pending{}, ErrNoPendingTurn
	}

	p := m.take()
	// A partial after the final means the next utterance already started.
	if m.state == StateAwaitingSilence {
		m.state = StateIdle
	}
	return p, nil
}

// Terminate cancels the timer and discards held text. dropped is true when
// there was text to discard.
func (m *Machine) Terminate() (dropped bool) {
	m.cancel()
	dropped = m.live != ""
	m.live = ""
	m.liveRange = models.TimeRange{}
	m.state = StateIdle
	return dropped
}

// Flush cancels the timer and returns held text for immediate delivery.
func (m *Machine) Flush() (Pending, bool) {
	m.cancel()
	if m.live == "" {
		m.state = StateIdle
		return Pending{}, false
	}
	p := m.take()
	m.state = StateIdle
	return p, true
}

// cancel stops the armed timer, if any, and invalidates its generation.
func (m *Machine) cancel() bool {
	if m.timer == nil {
		return false
	}
	m.timer.Stop()
	m.timer = nil
	m.gen++
	return true
}

func (m *Machine) take() Pending {
	p := Pending{Role: m.role, Text: m.live, TimeRange: m.liveRange}
	m.live = ""
	m.liveRange = models.TimeRange{}
	return p
}
