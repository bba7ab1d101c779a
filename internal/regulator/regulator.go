// Package regulator turns coolant temperature samples into valve commands.
//
// The regulator is a hysteresis state machine with safety overrides. It
// subscribes to temperature and settings entries in the coordination store,
// drives the relay, and publishes its status and valve position back into
// the store. Every decision that changes or refuses to change the valve is
// written to the journal.
//
// Lock order is regulator then store slot. Subscribers of SYSTEM_STATUS,
// VALVE_POSITION and ERROR must not call the regulator's mutating methods
// from their callbacks.
package regulator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/journal"
	"codeberg.org/mutker/coolantctl/internal/logger"
	"codeberg.org/mutker/coolantctl/internal/model"
	"codeberg.org/mutker/coolantctl/internal/relay"
	"codeberg.org/mutker/coolantctl/internal/store"
)

const source = "regulator"

// Actuator is the part of the relay the regulator commands.
type Actuator interface {
	Set(s relay.State) error
	State() relay.State
	SetReleaseState(s relay.State)
}

// Journal receives regulator decisions and supplies the switch history the
// hourly budget is seeded from.
type Journal interface {
	Record(ctx context.Context, e journal.Event) error
	SwitchesSince(ctx context.Context, since time.Time) ([]model.SwitchEvent, error)
}

type Option func(*Regulator)

func WithClock(now func() time.Time) Option {
	return func(r *Regulator) { r.now = now }
}

func WithLogger(log logger.Logger) Option {
	return func(r *Regulator) { r.log = log }
}

func WithJournal(j Journal) Option {
	return func(r *Regulator) { r.journal = j }
}

type Regulator struct {
	store   *store.Store
	act     Actuator
	cfg     Config
	journal Journal
	log     logger.Logger
	now     func() time.Time
	started time.Time

	mu           sync.Mutex
	state        model.RegulatorState
	settings     model.TemperatureSettings
	critical     bool
	alarm        bool
	reason       string
	lastDenial   string
	temp         float64
	hasTemp      bool
	lastValid    time.Time
	lastSwitch   time.Time
	coolingSince time.Time
	switches     []model.SwitchEvent
	failed       error

	status  atomic.Pointer[model.Status]
	running atomic.Bool
	subsMu  sync.Mutex
	subs    []store.Subscription
}

// New builds a regulator in IDLE with the valve closed. It refuses to start
// when the store holds no temperature settings or when they are
// inconsistent with the configured limits.
func New(st *store.Store, act Actuator, cfg Config, opts ...Option) (*Regulator, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	entry, ok := store.Current(st, store.TemperatureSettings)
	if !ok {
		return nil, errFactory.New(ErrMissingSettings)
	}
	if err := entry.Value.Validate(cfg.Limits.Critical); err != nil {
		return nil, errFactory.Wrap(ErrInvalidSettings, err)
	}

	r := &Regulator{
		store:    st,
		act:      act,
		cfg:      cfg,
		journal:  nopJournal{},
		log:      logger.Nop(),
		now:      time.Now,
		state:    model.StateIdle,
		settings: entry.Value,
	}
	for _, opt := range opts {
		opt(r)
	}

	if act.State() == relay.On {
		if err := act.Set(relay.Off); err != nil {
			return nil, errFactory.Wrap(ErrActuator, err)
		}
	}
	act.SetReleaseState(relay.Off)

	r.started = r.now()
	st0 := r.snapshotLocked(r.started)
	r.status.Store(&st0)

	r.log.Info().
		Float64("max_temp", r.settings.MaxTemp).
		Float64("min_temp", r.settings.MinTemp).
		Float64("critical_temp", cfg.Limits.Critical).
		Float64("emergency_temp", cfg.Limits.Emergency).
		Int("max_switches_per_hour", cfg.MaxSwitchesPerHour).
		Msg("Regulator initialized")

	return r, nil
}

// Start seeds the switch window from the journal and subscribes to the
// store. It is a no-op when already started.
func (r *Regulator) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}

	r.seedSwitches(ctx)

	r.subsMu.Lock()
	r.subs = append(r.subs,
		store.Subscribe(r.store, store.TemperatureSettings, r.handleSettings),
		store.Subscribe(r.store, store.Temperature, func(e store.Entry[model.TemperatureSample]) {
			r.HandleSample(e.Value)
		}),
	)
	r.subsMu.Unlock()

	r.mu.Lock()
	r.publishStatusLocked(r.now())
	r.mu.Unlock()

	return nil
}

// Stop drops the store subscriptions. The valve stays where it is.
func (r *Regulator) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}

	r.subsMu.Lock()
	subs := r.subs
	r.subs = nil
	r.subsMu.Unlock()

	for _, sub := range subs {
		r.store.Unsubscribe(sub)
	}
}

// Run starts the regulator and checks telemetry staleness on every tick
// until ctx is done. It returns early with the error that left the valve
// uncommandable.
func (r *Regulator) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	defer r.Stop()

	ticker := time.NewTicker(r.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.CheckStaleness(); err != nil {
				return err
			}
		}
	}
}

// HandleSample applies one temperature sample to the state machine.
func (r *Regulator) HandleSample(s model.TemperatureSample) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed != nil {
		return
	}
	if !s.Valid || math.IsNaN(s.Value) {
		r.log.Debug().Float64("temperature", s.Value).Msg("Ignoring invalid sample")
		return
	}

	now := r.now()
	ts := s.Timestamp
	if ts.IsZero() {
		ts = now
	}
	fresh := now.Sub(ts) <= r.cfg.StaleMaxAge

	// A stale reading still counts when it demands emergency cooling.
	if !fresh && s.Value < r.cfg.Limits.Emergency {
		r.log.Debug().
			Float64("temperature", s.Value).
			Dur("age", now.Sub(ts)).
			Msg("Ignoring stale sample")
		return
	}
	if fresh {
		r.lastValid = ts
	}
	r.temp, r.hasTemp = s.Value, true

	r.evaluate(now, s.Value)
	r.publishStatusLocked(now)
}

// CheckStaleness forces EMERGENCY once no fresh temperature has been seen
// for longer than the stale grace period. It returns the actuator failure,
// if any, that stopped the regulator.
func (r *Regulator) CheckStaleness() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed != nil {
		return r.failed
	}

	now := r.now()
	if r.state == model.StateEmergency || r.isFreshLocked(now) {
		return nil
	}

	from := r.lastValid
	if from.IsZero() {
		from = r.started
	}
	if now.Sub(from.Add(r.cfg.StaleMaxAge)) <= r.cfg.StaleGrace {
		return nil
	}

	r.enterEmergency(now, r.temp,
		fmt.Sprintf("no fresh temperature for %s", now.Sub(from).Round(time.Second)))
	r.publishStatusLocked(now)

	return r.failed
}

// SetManual suspends automatic control and drives the valve directly.
// Manual switches ignore the cycle time and hourly budget but are counted
// toward the budget. Manual control is refused during EMERGENCY.
func (r *Regulator) SetManual(open bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.manualLocked(relay.State(open))
}

// ToggleManual is SetManual with the opposite of the current valve state.
func (r *Regulator) ToggleManual() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.manualLocked(!r.act.State())
}

// Resume returns from MANUAL_OVERRIDE or FAULT to automatic control,
// starting from whatever the valve is currently doing.
func (r *Regulator) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failed != nil {
		return r.failed
	}
	if r.state != model.StateManualOverride && r.state != model.StateFault {
		return nil
	}

	now := r.now()
	valve := r.act.State()
	target := model.StateIdle
	if valve == relay.On {
		target = model.StateCooling
		if r.state == model.StateFault {
			r.coolingSince = now
		}
	}

	r.transition(now, r.temp, target, valve, journal.KindResume, "automatic control resumed")
	if r.failed == nil && r.hasTemp && r.isFreshLocked(now) {
		r.evaluate(now, r.temp)
	}
	r.publishStatusLocked(now)

	return r.failed
}

// Status returns the most recently computed status snapshot.
func (r *Regulator) Status() model.Status {
	return *r.status.Load()
}

func (r *Regulator) Limits() model.Limits {
	return r.cfg.Limits
}

func (r *Regulator) Settings() model.TemperatureSettings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings
}

// Switches returns the switch events in the trailing hour, oldest first.
func (r *Regulator) Switches() []model.SwitchEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.countSwitches(r.now())
	out := make([]model.SwitchEvent, len(r.switches))
	copy(out, r.switches)
	return out
}

func (r *Regulator) seedSwitches(ctx context.Context) {
	now := r.now()
	events, err := r.journal.SwitchesSince(ctx, now.Add(-switchWindow))
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to load switch history, starting with an empty window")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range events {
		if now.Sub(e.Timestamp) < switchWindow {
			r.switches = append(r.switches, e)
			if e.Timestamp.After(r.lastSwitch) {
				r.lastSwitch = e.Timestamp
			}
		}
	}

	if len(r.switches) > 0 {
		r.log.Info().
			Int("switches_last_hour", len(r.switches)).
			Time("last_switch", r.lastSwitch).
			Msg("Seeded switch window from journal")
	}
}

func (r *Regulator) handleSettings(e store.Entry[model.TemperatureSettings]) {
	if err := e.Value.Validate(r.cfg.Limits.Critical); err != nil {
		r.log.Warn().
			Err(err).
			Str("source", e.Source).
			Msg("Rejected temperature settings, keeping previous values")
		r.report(ErrInvalidSettings, err.Error(), e.Timestamp)
		return
	}

	r.mu.Lock()
	r.settings = e.Value
	r.mu.Unlock()

	r.log.Info().
		Float64("max_temp", e.Value.MaxTemp).
		Float64("min_temp", e.Value.MinTemp).
		Str("source", e.Source).
		Msg("Temperature settings updated")
}
