package relay

import (
	"sync"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/logger"
)

// State is the logical relay state, independent of line polarity.
type State bool

const (
	Off State = false
	On  State = true
)

func (s State) String() string {
	if s {
		return "ON"
	}
	return "OFF"
}

type Config struct {
	Pin       int
	ActiveLow bool
}

// Statistics describes actuator wear and duty.
type Statistics struct {
	State          State         `json:"state"`
	SwitchCount    uint64        `json:"switch_count"`
	OnTime         time.Duration `json:"on_time"`
	Uptime         time.Duration `json:"uptime"`
	OnTimeFraction float64       `json:"on_time_fraction"`
	LastChange     time.Time     `json:"last_change"`
}

type Option func(*Actuator)

func WithClock(now func() time.Time) Option {
	return func(a *Actuator) { a.now = now }
}

func WithLogger(log logger.Logger) Option {
	return func(a *Actuator) { a.log = log }
}

// Actuator owns one relay output line.
type Actuator struct {
	line      Line
	activeLow bool
	now       func() time.Time
	log       logger.Logger

	mu          sync.Mutex
	state       State
	switchCount uint64
	onSince     time.Time
	totalOn     time.Duration
	lastChange  time.Time
	created     time.Time
	releaseTo   State
	closed      bool
}

// Open claims the configured GPIO line and returns an actuator driving it.
func Open(cfg Config, opts ...Option) (*Actuator, error) {
	line, err := OpenRPIOLine(cfg.Pin)
	if err != nil {
		return nil, err
	}

	a, err := New(line, cfg.ActiveLow, opts...)
	if err != nil {
		_ = line.Close()
		return nil, err
	}
	return a, nil
}

// New takes ownership of line and drives it OFF.
func New(line Line, activeLow bool, opts ...Option) (*Actuator, error) {
	a := &Actuator{
		line:      line,
		activeLow: activeLow,
		now:       time.Now,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := line.Write(a.level(Off)); err != nil {
		return nil, errors.New().Wrap(ErrLineClaim, err)
	}

	a.created = a.now()
	a.lastChange = a.created

	a.log.Debug().Bool("active_low", activeLow).Msg("Relay line claimed, output OFF")

	return a, nil
}

func (a *Actuator) TurnOn() error  { return a.Set(On) }
func (a *Actuator) TurnOff() error { return a.Set(Off) }

func (a *Actuator) Toggle() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setLocked(!a.state)
}

// Set drives the relay to s. Setting the current state is a no-op and does
// not count as a switch.
func (a *Actuator) Set(s State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.setLocked(s)
}

func (a *Actuator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Actuator) Statistics() Statistics {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	onTime := a.totalOn
	if a.state == On {
		onTime += now.Sub(a.onSince)
	}
	uptime := now.Sub(a.created)

	var fraction float64
	if uptime > 0 {
		fraction = float64(onTime) / float64(uptime)
	}

	return Statistics{
		State:          a.state,
		SwitchCount:    a.switchCount,
		OnTime:         onTime,
		Uptime:         uptime,
		OnTimeFraction: fraction,
		LastChange:     a.lastChange,
	}
}

// SetReleaseState selects the state written when the actuator is closed.
func (a *Actuator) SetReleaseState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releaseTo = s
}

// Close drives the line to the release state and releases it. Further
// operations fail with ErrClosed.
func (a *Actuator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	writeErr := a.setLocked(a.releaseTo)
	a.closed = true

	if err := a.line.Close(); err != nil {
		return errors.New().Wrap(ErrLineRelease, err)
	}
	if writeErr != nil {
		return writeErr
	}

	a.log.Info().Str("state", a.state.String()).Uint64("switch_count", a.switchCount).Msg("Relay line released")
	return nil
}

func (a *Actuator) setLocked(s State) error {
	if a.closed {
		return errors.New().New(ErrClosed)
	}
	if s == a.state {
		return nil
	}

	if err := a.line.Write(a.level(s)); err != nil {
		return errors.New().Wrap(ErrLineWrite, err)
	}

	now := a.now()
	if s == On {
		a.onSince = now
	} else {
		a.totalOn += now.Sub(a.onSince)
	}
	a.state = s
	a.switchCount++
	a.lastChange = now

	a.log.Debug().Str("state", s.String()).Uint64("switch_count", a.switchCount).Msg("Relay switched")

	return nil
}

func (a *Actuator) level(s State) bool {
	return bool(s) != a.activeLow
}
