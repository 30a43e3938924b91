package fault

import (
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenShotCore/internal/errcode"
	"go.uber.org/zap"
)

// State of one monitored signal.
type State string

const (
	StateUnarmed State = "unarmed"
	StateArmed   State = "armed"
	StateFaulted State = "faulted"
)

// Event is emitted once when a signal exceeds its missing-sample budget.
type Event struct {
	Signal     string    `json:"signal"`
	Missing    int       `json:"missing"`
	MaxMissing int       `json:"max_missing"`
	Ticks      uint64    `json:"ticks"`
	At         time.Time `json:"at"`
}

// Status is a snapshot of one signal's counters.
type Status struct {
	Signal     string `json:"signal"`
	State      State  `json:"state"`
	Missing    int    `json:"missing"`
	MaxMissing int    `json:"max_missing"`
	Ticks      uint64 `json:"ticks"`
}

type counter struct {
	state   State
	missing int
	max     int
	ticks   uint64
}

// Monitor counts missing samples per signal within one shot.
type Monitor struct {
	logger  *zap.Logger
	onFault func(Event)

	mu      sync.Mutex
	signals map[string]*counter
}

// NewMonitor creates a monitor; onFault may be nil.
func NewMonitor(logger *zap.Logger, onFault func(Event)) *Monitor {
	return &Monitor{
		logger:  logger,
		onFault: onFault,
		signals: make(map[string]*counter),
	}
}

// Arm resets the signal's counter and records its threshold. Arming a
// faulted signal clears the fault.
func (m *Monitor) Arm(signal string, maxMissing int) {
	if maxMissing < 0 {
		maxMissing = 0
	}
	m.mu.Lock()
	m.signals[signal] = &counter{state: StateArmed, max: maxMissing}
	m.mu.Unlock()
}

// Tick accounts one sampling instant. It returns true only on the tick
// that moves the signal into the faulted state.
func (m *Monitor) Tick(signal string, present bool) (bool, error) {
	m.mu.Lock()
	c, ok := m.signals[signal]
	if !ok {
		m.mu.Unlock()
		return false, errcode.New(errcode.InvalidTransition, "fault.Tick", "signal %s is not armed", signal)
	}

	c.ticks++
	if present {
		m.mu.Unlock()
		return false, nil
	}
	c.missing++
	if c.state != StateArmed || c.missing <= c.max {
		m.mu.Unlock()
		return false, nil
	}

	c.state = StateFaulted
	ev := Event{
		Signal:     signal,
		Missing:    c.missing,
		MaxMissing: c.max,
		Ticks:      c.ticks,
		At:         time.Now(),
	}
	m.mu.Unlock()

	m.logger.Warn("Signal faulted: too many missing samples",
		zap.String("signal", signal),
		zap.Int("missing", ev.Missing),
		zap.Int("max_missing", ev.MaxMissing))

	if m.onFault != nil {
		m.onFault(ev)
	}
	return true, nil
}

// Disarm discards the signal's counter.
func (m *Monitor) Disarm(signal string) {
	m.mu.Lock()
	delete(m.signals, signal)
	m.mu.Unlock()
}

// DisarmAll discards every counter.
func (m *Monitor) DisarmAll() {
	m.mu.Lock()
	m.signals = make(map[string]*counter)
	m.mu.Unlock()
}

// State returns the signal's state; unknown signals are unarmed.
func (m *Monitor) State(signal string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.signals[signal]; ok {
		return c.state
	}
	return StateUnarmed
}

// Snapshot returns the counters of every armed signal, sorted by name.
func (m *Monitor) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.signals))
	for name, c := range m.signals {
		out = append(out, Status{
			Signal:     name,
			State:      c.state,
			Missing:    c.missing,
			MaxMissing: c.max,
			Ticks:      c.ticks,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signal < out[j].Signal })
	return out
}
