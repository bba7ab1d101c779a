// Package model holds the value types exchanged between the acquisition,
// coordination and regulation components. All types are plain values and
// are safe to copy.
package model

import (
	"fmt"
	"time"
)

// TemperatureSample is one coolant temperature reading in °C.
type TemperatureSample struct {
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
	Valid     bool      `json:"valid"`
}

// TemperatureSettings are the runtime-mutable hysteresis thresholds.
type TemperatureSettings struct {
	MaxTemp float64 `json:"max_temp"`
	MinTemp float64 `json:"min_temp"`
}

// Hysteresis returns the dead-band width.
func (s TemperatureSettings) Hysteresis() float64 {
	return s.MaxTemp - s.MinTemp
}

// Validate checks max > min and, when critical is non-zero, max < critical.
func (s TemperatureSettings) Validate(critical float64) error {
	if s.Hysteresis() <= 0 {
		return fmt.Errorf("max_temp (%.1f) must be greater than min_temp (%.1f)", s.MaxTemp, s.MinTemp)
	}
	if critical != 0 && s.MaxTemp >= critical {
		return fmt.Errorf("max_temp (%.1f) must be below critical_temp (%.1f)", s.MaxTemp, critical)
	}
	return nil
}

// Limits are the safety thresholds fixed at regulator construction.
type Limits struct {
	Critical  float64 `json:"critical_temp"`
	Emergency float64 `json:"emergency_temp"`
}

// RegulatorState is the regulator's state machine position.
type RegulatorState int

const (
	StateIdle RegulatorState = iota
	StateCooling
	StateEmergency
	StateManualOverride
	StateFault
)

var stateNames = [...]string{"IDLE", "COOLING", "EMERGENCY", "MANUAL_OVERRIDE", "FAULT"}

func (s RegulatorState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("RegulatorState(%d)", int(s))
	}
	return stateNames[s]
}

// ParseRegulatorState is the inverse of String.
func ParseRegulatorState(name string) (RegulatorState, error) {
	for i, n := range stateNames {
		if n == name {
			return RegulatorState(i), nil
		}
	}
	return 0, fmt.Errorf("unknown regulator state %q", name)
}

func (s RegulatorState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *RegulatorState) UnmarshalText(b []byte) error {
	v, err := ParseRegulatorState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ValvePosition is the logical actuator state published for observers.
type ValvePosition struct {
	Open      bool      `json:"open"`
	Timestamp time.Time `json:"timestamp"`
}

// SwitchEvent is one actuator state change, kept for rate-limit accounting.
type SwitchEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	State     RegulatorState `json:"state"`
}

// Status is the regulator's externally visible snapshot.
type Status struct {
	State            RegulatorState `json:"state"`
	ValveOpen        bool           `json:"valve_open"`
	Critical         bool           `json:"critical"`
	Alarm            bool           `json:"alarm"`
	Automatic        bool           `json:"automatic"`
	Temperature      float64        `json:"temperature"`
	HasTemperature   bool           `json:"has_temperature"`
	SwitchesLastHour int            `json:"switches_last_hour"`
	Reason           string         `json:"reason,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ErrorReport is published under the ERROR key.
type ErrorReport struct {
	Source  string    `json:"source"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// TemperatureStatus is a coarse classification for display.
type TemperatureStatus string

const (
	TemperatureNormal   TemperatureStatus = "normal"
	TemperatureWarning  TemperatureStatus = "warning"
	TemperatureCritical TemperatureStatus = "critical"
)

const (
	warningThreshold  = 55.0
	criticalThreshold = 60.0
)

// ClassifyTemperature buckets a reading for observers.
func ClassifyTemperature(t float64) TemperatureStatus {
	switch {
	case t < warningThreshold:
		return TemperatureNormal
	case t < criticalThreshold:
		return TemperatureWarning
	default:
		return TemperatureCritical
	}
}
