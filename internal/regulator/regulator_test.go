package regulator

import (
	"context"
	stderrors "errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/journal"
	"codeberg.org/mutker/coolantctl/internal/model"
	"codeberg.org/mutker/coolantctl/internal/relay"
	"codeberg.org/mutker/coolantctl/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeActuator struct {
	mu      sync.Mutex
	state   relay.State
	release relay.State
	sets    int
	err     error
}

func (f *fakeActuator) Set(s relay.State) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sets++
	f.state = s
	return nil
}

func (f *fakeActuator) State() relay.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeActuator) SetReleaseState(s relay.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.release = s
}

func (f *fakeActuator) releaseTo() relay.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.release
}

func (f *fakeActuator) setCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets
}

func (f *fakeActuator) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeJournal struct {
	mu      sync.Mutex
	events  []journal.Event
	seed    []model.SwitchEvent
	seedErr error
}

func (j *fakeJournal) Record(_ context.Context, e journal.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, e)
	return nil
}

func (j *fakeJournal) SwitchesSince(context.Context, time.Time) ([]model.SwitchEvent, error) {
	return j.seed, j.seedErr
}

func (j *fakeJournal) kinds(k journal.Kind) []journal.Event {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []journal.Event
	for _, e := range j.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	t   *testing.T
	r   *Regulator
	st  *store.Store
	act *fakeActuator
	clk *clock
	jr  *fakeJournal
}

func testConfig() Config {
	return Config{
		Limits:             model.Limits{Critical: 60, Emergency: 65},
		MinCycleTime:       0,
		MaxSwitchesPerHour: 100,
		MaxCoolingTime:     time.Hour,
		StaleMaxAge:        10 * time.Second,
		StaleGrace:         5 * time.Second,
		Tick:               time.Second,
	}
}

func newHarness(t *testing.T, mutate func(*Config), seed ...model.SwitchEvent) *harness {
	t.Helper()

	clk := &clock{t: epoch}
	st, err := store.New(store.Config{HistorySize: 100}, store.WithClock(clk.Now))
	require.NoError(t, err)
	require.NoError(t, store.Publish(st, store.TemperatureSettings,
		model.TemperatureSettings{MaxTemp: 55, MinTemp: 45}, "test"))

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	act := &fakeActuator{}
	jr := &fakeJournal{seed: seed}
	r, err := New(st, act, cfg, WithClock(clk.Now), WithJournal(jr))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)

	return &harness{t: t, r: r, st: st, act: act, clk: clk, jr: jr}
}

// feed publishes a fresh sample one second after the previous one.
func (h *harness) feed(v float64) model.RegulatorState {
	h.t.Helper()
	h.clk.Advance(time.Second)
	require.NoError(h.t, store.Publish(h.st, store.Temperature,
		model.TemperatureSample{Value: v, Timestamp: h.clk.Now(), Valid: true}, "test"))
	return h.r.Status().State
}

func (h *harness) valve() relay.State { return h.act.State() }

func TestScenarioHysteresisCycle(t *testing.T) {
	h := newHarness(t, nil)

	var states []model.RegulatorState
	for _, v := range []float64{50, 56, 50, 44} {
		states = append(states, h.feed(v))
	}

	assert.Equal(t, []model.RegulatorState{
		model.StateIdle, model.StateCooling, model.StateCooling, model.StateIdle,
	}, states)
	assert.Equal(t, relay.Off, h.valve())
	assert.Equal(t, 2, h.act.setCount())
	assert.Equal(t, 2, h.r.Status().SwitchesLastHour)
}

func TestScenarioCriticalWhileCooling(t *testing.T) {
	h := newHarness(t, nil)

	require.Equal(t, model.StateCooling, h.feed(56))
	require.Equal(t, model.StateCooling, h.feed(61))

	st := h.r.Status()
	assert.True(t, st.Critical)
	assert.False(t, st.Alarm)
	assert.True(t, st.ValveOpen)
	assert.Equal(t, relay.On, h.valve())
	assert.Len(t, h.jr.kinds(journal.KindCritical), 1)

	rep, ok := store.Current(h.st, store.Error)
	require.True(t, ok)
	assert.Equal(t, string(ErrCritical), rep.Value.Code)
	assert.Equal(t, "regulator", rep.Value.Source)

	h.feed(62)
	assert.Len(t, h.jr.kinds(journal.KindCritical), 1, "critical is flagged on the rising edge only")

	h.feed(58)
	assert.False(t, h.r.Status().Critical)
}

func TestScenarioEmergencyIgnoresRateLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxSwitchesPerHour = 2 })

	h.feed(56)
	h.feed(44)
	require.Equal(t, model.StateIdle, h.feed(56), "third switch is over budget")
	require.Equal(t, relay.Off, h.valve())

	assert.Equal(t, model.StateEmergency, h.feed(66))
	assert.Equal(t, relay.On, h.valve())
	assert.True(t, h.r.Status().Alarm)
	assert.Equal(t, relay.On, h.act.release)
	assert.Len(t, h.jr.kinds(journal.KindEmergency), 1)

	rep, ok := store.Current(h.st, store.Error)
	require.True(t, ok)
	assert.Equal(t, string(ErrEmergency), rep.Value.Code)
}

func TestEmergencyFromEveryState(t *testing.T) {
	drive := map[string]func(h *harness){
		"idle":    func(h *harness) { h.feed(50) },
		"cooling": func(h *harness) { h.feed(56) },
		"manual": func(h *harness) {
			require.NoError(h.t, h.r.SetManual(false))
		},
		"fault": func(h *harness) {
			h.feed(56)
			h.clk.Advance(2 * time.Minute)
			require.Equal(h.t, model.StateFault, h.feed(50))
		},
	}

	for name, setup := range drive {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.MaxCoolingTime = time.Minute })
			setup(h)

			assert.Equal(t, model.StateEmergency, h.feed(66))
			assert.Equal(t, relay.On, h.valve())
		})
	}
}

func TestScenarioSwitchBudgetDenial(t *testing.T) {
	var seed []model.SwitchEvent
	for i := 0; i < 10; i++ {
		state := model.StateCooling
		if i%2 == 1 {
			state = model.StateIdle
		}
		seed = append(seed, model.SwitchEvent{
			Timestamp: epoch.Add(-50*time.Minute + time.Duration(i)*time.Minute),
			State:     state,
		})
	}

	h := newHarness(t, func(c *Config) { c.MaxSwitchesPerHour = 10 }, seed...)
	require.Equal(t, 10, h.r.Status().SwitchesLastHour)

	assert.Equal(t, model.StateIdle, h.feed(56))
	assert.Equal(t, relay.Off, h.valve())
	assert.Equal(t, 0, h.act.setCount())

	denied := h.jr.kinds(journal.KindDenied)
	require.Len(t, denied, 1)
	assert.Contains(t, denied[0].Reason, "switch budget exhausted")
	assert.Equal(t, 10, denied[0].SwitchesLastHour)
	assert.Contains(t, h.r.Status().Reason, "denied")

	// Oldest seeded switch leaves the window after 10 more minutes.
	h.clk.Advance(10 * time.Minute)
	assert.Equal(t, model.StateCooling, h.feed(56))
}

func TestScenarioStaleTelemetry(t *testing.T) {
	h := newHarness(t, nil)

	h.clk.Advance(14 * time.Second)
	require.NoError(t, h.r.CheckStaleness())
	assert.Equal(t, model.StateIdle, h.r.Status().State)

	h.clk.Advance(2 * time.Second)
	require.NoError(t, h.r.CheckStaleness())
	assert.Equal(t, model.StateEmergency, h.r.Status().State)
	assert.Equal(t, relay.On, h.valve())
	assert.True(t, h.r.Status().Alarm)
}

func TestStaleAfterSamplesStopThenRecover(t *testing.T) {
	h := newHarness(t, nil)
	h.feed(50)

	h.clk.Advance(15 * time.Second)
	require.NoError(t, h.r.CheckStaleness())
	assert.Equal(t, model.StateIdle, h.r.Status().State)

	h.clk.Advance(time.Second)
	require.NoError(t, h.r.CheckStaleness())
	require.Equal(t, model.StateEmergency, h.r.Status().State)

	assert.Equal(t, model.StateCooling, h.feed(50))
	assert.Equal(t, model.StateIdle, h.feed(44))
	assert.Equal(t, relay.Off, h.valve())
}

func TestEmergencyExitsThroughCooling(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, model.StateEmergency, h.feed(66))
	assert.Equal(t, model.StateEmergency, h.feed(62))
	assert.Equal(t, model.StateCooling, h.feed(59))
	assert.False(t, h.r.Status().Alarm)
	assert.Equal(t, relay.Off, h.act.release)
	assert.Equal(t, model.StateIdle, h.feed(44))
}

func TestMinCycleTimeDenial(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MinCycleTime = 30 * time.Second })

	require.Equal(t, model.StateCooling, h.feed(56))
	assert.Equal(t, model.StateCooling, h.feed(44))
	assert.Equal(t, model.StateCooling, h.feed(44))
	assert.Contains(t, h.r.Status().Reason, "min cycle time")
	assert.Len(t, h.jr.kinds(journal.KindDenied), 1, "repeated denials are journaled once")

	h.clk.Advance(30 * time.Second)
	assert.Equal(t, model.StateIdle, h.feed(44))
}

func TestCoolingTimeFault(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxCoolingTime = 10 * time.Second })

	require.Equal(t, model.StateCooling, h.feed(56))
	h.clk.Advance(10 * time.Second)
	require.Equal(t, model.StateFault, h.feed(50))

	st := h.r.Status()
	assert.True(t, st.Alarm)
	assert.True(t, st.ValveOpen)
	assert.Equal(t, relay.On, h.act.release)
	assert.Len(t, h.jr.kinds(journal.KindFault), 1)

	rep, ok := store.Current(h.st, store.Error)
	require.True(t, ok)
	assert.Equal(t, string(ErrFault), rep.Value.Code)

	assert.Equal(t, model.StateFault, h.feed(50))
	assert.Equal(t, model.StateIdle, h.feed(44))
	assert.Equal(t, relay.Off, h.valve())
	assert.Equal(t, relay.Off, h.act.release)
	assert.False(t, h.r.Status().Alarm)
}

func TestResumeFromFault(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxCoolingTime = 10 * time.Second })

	h.feed(56)
	h.clk.Advance(10 * time.Second)
	require.Equal(t, model.StateFault, h.feed(50))

	require.NoError(t, h.r.Resume())
	assert.Equal(t, model.StateCooling, h.r.Status().State)
	assert.Equal(t, relay.On, h.valve())
	assert.Len(t, h.jr.kinds(journal.KindResume), 1)

	assert.Equal(t, model.StateCooling, h.feed(50), "cooling timer restarts on resume")
}

func TestManualOverride(t *testing.T) {
	h := newHarness(t, nil)
	h.feed(50)

	require.NoError(t, h.r.SetManual(true))
	st := h.r.Status()
	assert.Equal(t, model.StateManualOverride, st.State)
	assert.False(t, st.Automatic)
	assert.True(t, st.ValveOpen)
	assert.Equal(t, 1, st.SwitchesLastHour, "manual switches are counted")
	assert.Len(t, h.jr.kinds(journal.KindManual), 1)

	assert.Equal(t, model.StateManualOverride, h.feed(44))
	assert.Equal(t, relay.On, h.valve())
	assert.InDelta(t, 44.0, h.r.Status().Temperature, 1e-9)

	require.NoError(t, h.r.Resume())
	st = h.r.Status()
	assert.Equal(t, model.StateIdle, st.State, "resume re-evaluates the last reading")
	assert.True(t, st.Automatic)
	assert.Equal(t, relay.Off, h.valve())
}

func TestManualBypassesRateLimits(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MinCycleTime = time.Hour
		c.MaxSwitchesPerHour = 1
	})

	require.NoError(t, h.r.SetManual(true))
	require.NoError(t, h.r.ToggleManual())
	require.NoError(t, h.r.ToggleManual())
	assert.Equal(t, relay.On, h.valve())
	assert.Equal(t, 3, h.r.Status().SwitchesLastHour)
}

func TestEmergencyPreemptsManual(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, h.r.SetManual(false))
	assert.Equal(t, model.StateEmergency, h.feed(66))

	err := h.r.SetManual(false)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrEmergency))
	assert.Equal(t, relay.On, h.valve())

	assert.Equal(t, model.StateCooling, h.feed(50))
	assert.True(t, h.r.Status().Automatic)
}

func TestResumeOutsideOverrideIsNoop(t *testing.T) {
	h := newHarness(t, nil)
	h.feed(56)

	require.NoError(t, h.r.Resume())
	assert.Equal(t, model.StateCooling, h.r.Status().State)
	assert.Empty(t, h.jr.kinds(journal.KindResume))
}

func TestInvalidAndStaleSamples(t *testing.T) {
	h := newHarness(t, nil)

	h.clk.Advance(time.Second)
	require.NoError(t, store.Publish(h.st, store.Temperature,
		model.TemperatureSample{Value: 70, Timestamp: h.clk.Now(), Valid: false}, "test"))
	assert.Equal(t, model.StateIdle, h.r.Status().State)
	assert.False(t, h.r.Status().HasTemperature)

	old := h.clk.Now().Add(-time.Minute)
	h.r.HandleSample(model.TemperatureSample{Value: 56, Timestamp: old, Valid: true})
	assert.Equal(t, model.StateIdle, h.r.Status().State)

	h.r.HandleSample(model.TemperatureSample{Value: 70, Timestamp: old, Valid: true})
	assert.Equal(t, model.StateEmergency, h.r.Status().State, "stale emergency readings still count")
}

func TestSettingsUpdates(t *testing.T) {
	h := newHarness(t, nil)

	require.NoError(t, store.Publish(h.st, store.TemperatureSettings,
		model.TemperatureSettings{MaxTemp: 50, MinTemp: 40}, "api"))
	assert.Equal(t, model.TemperatureSettings{MaxTemp: 50, MinTemp: 40}, h.r.Settings())
	assert.Equal(t, model.StateCooling, h.feed(51))

	require.NoError(t, store.Publish(h.st, store.TemperatureSettings,
		model.TemperatureSettings{MaxTemp: 62, MinTemp: 40}, "api"))
	assert.Equal(t, model.TemperatureSettings{MaxTemp: 50, MinTemp: 40}, h.r.Settings())

	rep, ok := store.Current(h.st, store.Error)
	require.True(t, ok)
	assert.Equal(t, string(ErrInvalidSettings), rep.Value.Code)
}

func TestNewRefusesWithoutValidSettings(t *testing.T) {
	st, err := store.New(store.Config{})
	require.NoError(t, err)

	_, err = New(st, &fakeActuator{}, testConfig())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrMissingSettings))

	require.NoError(t, store.Publish(st, store.TemperatureSettings,
		model.TemperatureSettings{MaxTemp: 45, MinTemp: 55}, "test"))
	_, err = New(st, &fakeActuator{}, testConfig())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidSettings))

	cfg := testConfig()
	cfg.Limits.Emergency = cfg.Limits.Critical
	_, err = New(st, &fakeActuator{}, cfg)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrInvalidConfig))
}

func TestNewClosesValve(t *testing.T) {
	st, err := store.New(store.Config{})
	require.NoError(t, err)
	require.NoError(t, store.Publish(st, store.TemperatureSettings,
		model.TemperatureSettings{MaxTemp: 55, MinTemp: 45}, "test"))

	act := &fakeActuator{state: relay.On, release: relay.On}
	r, err := New(st, act, testConfig())
	require.NoError(t, err)
	assert.Equal(t, relay.Off, act.State())
	assert.Equal(t, relay.Off, act.release)
	assert.Equal(t, model.StateIdle, r.Status().State)
}

func TestActuatorFailureStopsRegulator(t *testing.T) {
	h := newHarness(t, nil)
	h.act.fail(stderrors.New("gpio gone"))

	h.feed(56)
	assert.Equal(t, model.StateIdle, h.r.Status().State)

	err := h.r.CheckStaleness()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, ErrActuator))

	err = h.r.SetManual(true)
	assert.True(t, errors.HasCode(err, ErrActuator))

	rep, ok := store.Current(h.st, store.Error)
	require.True(t, ok)
	assert.Equal(t, string(ErrActuator), rep.Value.Code)
}

func TestFailedEmergencyWriteStillReleasesOpen(t *testing.T) {
	h := newHarness(t, nil)
	require.Equal(t, relay.Off, h.act.releaseTo())
	h.act.fail(stderrors.New("gpio gone"))

	h.feed(66)
	assert.Equal(t, relay.On, h.act.releaseTo())
	assert.Equal(t, relay.Off, h.valve())

	err := h.r.CheckStaleness()
	assert.True(t, errors.HasCode(err, ErrActuator))
}

func TestSeedFailureStartsEmpty(t *testing.T) {
	clk := &clock{t: epoch}
	st, err := store.New(store.Config{}, store.WithClock(clk.Now))
	require.NoError(t, err)
	require.NoError(t, store.Publish(st, store.TemperatureSettings,
		model.TemperatureSettings{MaxTemp: 55, MinTemp: 45}, "test"))

	jr := &fakeJournal{seedErr: stderrors.New("disk")}
	r, err := New(st, &fakeActuator{}, testConfig(), WithClock(clk.Now), WithJournal(jr))
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	assert.Empty(t, r.Switches())
}

func TestStatusAndValvePublished(t *testing.T) {
	h := newHarness(t, nil)
	h.feed(56)

	st, ok := store.Current(h.st, store.SystemStatus)
	require.True(t, ok)
	assert.Equal(t, model.StateCooling, st.Value.State)
	assert.Equal(t, "regulator", st.Source)

	vp, ok := store.Current(h.st, store.ValvePosition)
	require.True(t, ok)
	assert.True(t, vp.Value.Open)

	sw := h.r.Switches()
	require.Len(t, sw, 1)
	assert.Equal(t, model.StateCooling, sw[0].State)
}

func TestStopUnsubscribes(t *testing.T) {
	h := newHarness(t, nil)
	h.r.Stop()

	h.feed(56)
	assert.Equal(t, model.StateIdle, h.r.Status().State)
}

func TestRunChecksStaleness(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Tick = 5 * time.Millisecond })
	h.r.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx) }()

	h.clk.Advance(20 * time.Second)
	assert.Eventually(t, func() bool {
		return h.r.Status().State == model.StateEmergency
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunReturnsActuatorFailure(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Tick = 5 * time.Millisecond })
	h.r.Stop()
	h.act.fail(stderrors.New("line released"))

	done := make(chan error, 1)
	go func() { done <- h.r.Run(context.Background()) }()

	h.clk.Advance(20 * time.Second)
	select {
	case err := <-done:
		assert.True(t, errors.HasCode(err, ErrActuator))
	case <-time.After(time.Second):
		t.Fatal("Run did not return on actuator failure")
	}
}

// Randomized walk below and around the limits, checked against the
// transition table with rate limits out of the way.
func TestRandomSequencesFollowHysteresis(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.MaxSwitchesPerHour = 1 << 20
		c.MaxCoolingTime = 24 * time.Hour
	})
	rng := rand.New(rand.NewSource(42))

	want := model.StateIdle
	temp := 50.0
	for i := 0; i < 3000; i++ {
		temp += rng.Float64()*6 - 3
		temp = max(30, min(70, temp))

		switch {
		case temp >= 65:
			want = model.StateEmergency
		case want == model.StateEmergency && temp < 60:
			want = model.StateCooling
		case want == model.StateIdle && temp >= 55:
			want = model.StateCooling
		case want == model.StateCooling && temp <= 45:
			want = model.StateIdle
		}

		got := h.feed(temp)
		require.Equal(t, want, got, "step %d temp %.2f", i, temp)
		require.Equal(t, want != model.StateIdle, h.valve() == relay.On, "step %d", i)
	}
}

func TestSwitchBudgetProperty(t *testing.T) {
	for _, budget := range []int{1, 2, 5, 9} {
		h := newHarness(t, func(c *Config) { c.MaxSwitchesPerHour = budget })

		temps := []float64{56, 44}
		for i := 0; i < budget; i++ {
			h.feed(temps[i%2])
		}
		require.Equal(t, budget, h.act.setCount())

		before := h.r.Status().State
		valve := h.valve()
		h.feed(temps[budget%2])

		assert.Equal(t, before, h.r.Status().State, "budget %d", budget)
		assert.Equal(t, valve, h.valve(), "budget %d", budget)
		assert.Equal(t, budget, h.act.setCount(), "budget %d", budget)
	}
}
