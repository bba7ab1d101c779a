package regulator

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/journal"
	"codeberg.org/mutker/coolantctl/internal/model"
	"codeberg.org/mutker/coolantctl/internal/relay"
	"codeberg.org/mutker/coolantctl/internal/store"
)

// evaluate applies the transition rules for temperature t. Caller holds r.mu.
func (r *Regulator) evaluate(now time.Time, t float64) {
	lim := r.cfg.Limits
	wasCritical := r.critical
	r.critical = t >= lim.Critical

	if t >= lim.Emergency {
		r.enterEmergency(now, t, fmt.Sprintf("temperature %.1f at or above emergency %.1f", t, lim.Emergency))
		return
	}

	switch r.state {
	case model.StateManualOverride:
		// Samples are still recorded while suspended.

	case model.StateEmergency:
		if t < lim.Critical {
			r.transition(now, t, model.StateCooling, relay.On, journal.KindTransition,
				fmt.Sprintf("temperature %.1f below critical %.1f", t, lim.Critical))
		}

	case model.StateIdle:
		if t >= r.settings.MaxTemp {
			r.candidate(now, t, model.StateCooling, relay.On,
				fmt.Sprintf("temperature %.1f at or above max %.1f", t, r.settings.MaxTemp))
		}

	case model.StateCooling:
		switch {
		case t <= r.settings.MinTemp:
			r.candidate(now, t, model.StateIdle, relay.Off,
				fmt.Sprintf("temperature %.1f at or below min %.1f", t, r.settings.MinTemp))
		case r.coolingExceeded(now):
			r.enterFault(now, t)
		case r.critical && !wasCritical:
			r.flagCritical(now, t)
		}

	case model.StateFault:
		if t <= r.settings.MinTemp {
			r.candidate(now, t, model.StateIdle, relay.Off,
				fmt.Sprintf("temperature %.1f at or below min %.1f", t, r.settings.MinTemp))
		}
	}
}

// candidate performs a rate-limited transition. A denial leaves the state
// and the valve untouched.
func (r *Regulator) candidate(now time.Time, t float64, target model.RegulatorState, want relay.State, reason string) {
	if limit, denial, ok := r.admit(now); !ok {
		r.deny(now, t, target, limit, denial)
		return
	}
	r.transition(now, t, target, want, journal.KindTransition, reason)
}

// admit reports which limit, if any, blocks a switch right now.
func (r *Regulator) admit(now time.Time) (limit, reason string, ok bool) {
	if !r.lastSwitch.IsZero() && now.Sub(r.lastSwitch) < r.cfg.MinCycleTime {
		return "min_cycle_time", fmt.Sprintf("min cycle time: %s since last switch, need %s",
			now.Sub(r.lastSwitch).Round(time.Millisecond), r.cfg.MinCycleTime), false
	}
	if n := r.countSwitches(now); n >= r.cfg.MaxSwitchesPerHour {
		return "max_switches_per_hour", fmt.Sprintf("switch budget exhausted: %d switches in the last hour (max %d)",
			n, r.cfg.MaxSwitchesPerHour), false
	}
	return "", "", true
}

func (r *Regulator) deny(now time.Time, t float64, target model.RegulatorState, limit, reason string) {
	n := r.countSwitches(now)
	r.reason = "denied: " + reason

	r.log.Info().
		Str("state", r.state.String()).
		Str("target", target.String()).
		Float64("temperature", t).
		Int("switches_last_hour", n).
		Str("limit", limit).
		Str("reason", reason).
		Msg("Transition denied by rate limit")

	// Journal each distinct denial once until the next switch.
	key := target.String() + "/" + limit
	if key == r.lastDenial {
		return
	}
	r.lastDenial = key

	r.record(journal.Event{
		Time:             now,
		Kind:             journal.KindDenied,
		State:            r.state,
		PriorState:       r.state,
		Temperature:      t,
		ValveOpen:        r.act.State() == relay.On,
		SwitchesLastHour: n,
		Reason:           fmt.Sprintf("%s -> %s: %s", r.state, target, reason),
	})
}

// transition moves to target and drives the valve to want. Caller holds r.mu.
func (r *Regulator) transition(now time.Time, t float64, target model.RegulatorState, want relay.State, kind journal.Kind, reason string) {
	prior := r.state
	switched := false

	// Armed before the write so a failed Set still releases the line open.
	if releaseState(target) == relay.On {
		r.act.SetReleaseState(relay.On)
	}

	if r.act.State() != want {
		if err := r.act.Set(want); err != nil {
			r.fail(now, t, err)
			return
		}
		switched = true
		r.recordSwitch(now, target, want)
	}

	r.state = target
	r.reason = reason
	r.alarm = target == model.StateEmergency || target == model.StateFault
	r.act.SetReleaseState(releaseState(target))

	n := r.countSwitches(now)
	r.record(journal.Event{
		Time:             now,
		Kind:             kind,
		State:            target,
		PriorState:       prior,
		Temperature:      t,
		ValveOpen:        want == relay.On,
		Switched:         switched,
		SwitchesLastHour: n,
		Reason:           reason,
	})

	if prior != target || switched {
		r.log.Info().
			Str("from", prior.String()).
			Str("to", target.String()).
			Float64("temperature", t).
			Str("valve", want.String()).
			Int("switches_last_hour", n).
			Str("reason", reason).
			Msg("Regulator transition")
	}
}

func (r *Regulator) recordSwitch(now time.Time, target model.RegulatorState, want relay.State) {
	r.switches = append(r.switches, model.SwitchEvent{Timestamp: now, State: target})
	r.lastSwitch = now
	r.lastDenial = ""

	if want == relay.On {
		r.coolingSince = now
	} else {
		r.coolingSince = time.Time{}
	}

	if err := store.Publish(r.store, store.ValvePosition,
		model.ValvePosition{Open: want == relay.On, Timestamp: now}, source); err != nil {
		r.log.Debug().Err(err).Msg("Valve position not published")
	}
}

// enterEmergency forces the valve open regardless of rate limits.
func (r *Regulator) enterEmergency(now time.Time, t float64, reason string) {
	if r.state == model.StateEmergency {
		if r.act.State() != relay.On {
			r.transition(now, t, model.StateEmergency, relay.On, journal.KindEmergency, reason)
		}
		return
	}

	prior := r.state
	r.transition(now, t, model.StateEmergency, relay.On, journal.KindEmergency, reason)
	if r.failed != nil {
		return
	}

	r.log.Error().
		Str("prior_state", prior.String()).
		Float64("temperature", t).
		Int("switches_last_hour", r.countSwitches(now)).
		Str("reason", reason).
		Msg("Cooling emergency")
	r.report(ErrEmergency, reason, now)
}

// enterFault holds the valve open after cooling ran longer than allowed
// without reaching the minimum temperature.
func (r *Regulator) enterFault(now time.Time, t float64) {
	prior := r.state
	reason := fmt.Sprintf("cooling on for %s (max %s) at %.1f, above min %.1f",
		now.Sub(r.coolingSince).Round(time.Second), r.cfg.MaxCoolingTime, t, r.settings.MinTemp)

	r.transition(now, t, model.StateFault, relay.On, journal.KindFault, reason)
	if r.failed != nil {
		return
	}

	r.log.Error().
		Str("prior_state", prior.String()).
		Float64("temperature", t).
		Int("switches_last_hour", r.countSwitches(now)).
		Str("reason", reason).
		Msg("Cooling fault")
	r.report(ErrFault, reason, now)
}

func (r *Regulator) flagCritical(now time.Time, t float64) {
	reason := fmt.Sprintf("temperature %.1f at or above critical %.1f", t, r.cfg.Limits.Critical)
	r.reason = reason

	r.log.Warn().
		Str("state", r.state.String()).
		Float64("temperature", t).
		Int("switches_last_hour", r.countSwitches(now)).
		Msg("Coolant temperature critical")

	r.record(journal.Event{
		Time:             now,
		Kind:             journal.KindCritical,
		State:            r.state,
		PriorState:       r.state,
		Temperature:      t,
		ValveOpen:        r.act.State() == relay.On,
		SwitchesLastHour: r.countSwitches(now),
		Reason:           reason,
	})
	r.report(ErrCritical, reason, now)
}

func (r *Regulator) manualLocked(want relay.State) error {
	if r.failed != nil {
		return r.failed
	}
	if r.state == model.StateEmergency {
		return errors.New().WithMessage(ErrEmergency, "manual control refused during emergency")
	}

	now := r.now()
	r.transition(now, r.temp, model.StateManualOverride, want, journal.KindManual,
		fmt.Sprintf("operator set valve %s", want))
	r.publishStatusLocked(now)

	return r.failed
}

func (r *Regulator) fail(now time.Time, t float64, err error) {
	r.failed = errors.New().Wrap(ErrActuator, err)

	r.log.Error().
		Err(err).
		Str("state", r.state.String()).
		Float64("temperature", t).
		Msg("Failed to command cooling valve")
	r.report(ErrActuator, err.Error(), now)
}

func (r *Regulator) coolingExceeded(now time.Time) bool {
	return r.act.State() == relay.On &&
		!r.coolingSince.IsZero() &&
		now.Sub(r.coolingSince) > r.cfg.MaxCoolingTime
}

// countSwitches prunes the window to the trailing hour and returns its size.
func (r *Regulator) countSwitches(now time.Time) int {
	i := 0
	for i < len(r.switches) && now.Sub(r.switches[i].Timestamp) >= switchWindow {
		i++
	}
	if i > 0 {
		r.switches = append(r.switches[:0], r.switches[i:]...)
	}
	return len(r.switches)
}

func (r *Regulator) isFreshLocked(now time.Time) bool {
	return !r.lastValid.IsZero() &&
		r.store.IsFresh(store.Temperature, r.cfg.StaleMaxAge) &&
		now.Sub(r.lastValid) <= r.cfg.StaleMaxAge
}

func (r *Regulator) snapshotLocked(now time.Time) model.Status {
	return model.Status{
		State:            r.state,
		ValveOpen:        r.act.State() == relay.On,
		Critical:         r.critical,
		Alarm:            r.alarm,
		Automatic:        r.state != model.StateManualOverride,
		Temperature:      r.temp,
		HasTemperature:   r.hasTemp,
		SwitchesLastHour: r.countSwitches(now),
		Reason:           r.reason,
		UpdatedAt:        now,
	}
}

func (r *Regulator) publishStatusLocked(now time.Time) {
	st := r.snapshotLocked(now)
	r.status.Store(&st)

	if err := store.Publish(r.store, store.SystemStatus, st, source); err != nil {
		r.log.Debug().Err(err).Msg("Status not published")
	}
}

func (r *Regulator) report(code errors.ErrorCode, msg string, now time.Time) {
	if err := store.Publish(r.store, store.Error, model.ErrorReport{
		Source:  source,
		Code:    string(code),
		Message: msg,
		Time:    now,
	}, source); err != nil {
		r.log.Debug().Err(err).Msg("Error report not published")
	}
}

func (r *Regulator) record(e journal.Event) {
	if err := r.journal.Record(context.Background(), e); err != nil {
		r.log.Warn().Err(err).Str("kind", string(e.Kind)).Msg("Failed to journal regulator event")
	}
}

func releaseState(s model.RegulatorState) relay.State {
	if s == model.StateEmergency || s == model.StateFault {
		return relay.On
	}
	return relay.Off
}

type nopJournal struct{}

func (nopJournal) Record(context.Context, journal.Event) error { return nil }

func (nopJournal) SwitchesSince(context.Context, time.Time) ([]model.SwitchEvent, error) {
	return nil, nil
}
