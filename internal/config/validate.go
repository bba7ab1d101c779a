package config

import (
	"fmt"
	"net/url"

	"codeberg.org/mutker/coolantctl/internal/errors"
)

// FieldError describes one invalid configuration value.
type FieldError struct {
	field  string
	value  any
	reason string
}

func (e FieldError) Field() string  { return e.field }
func (e FieldError) Value() any     { return e.value }
func (e FieldError) Reason() string { return e.reason }

func (e FieldError) String() string {
	return fmt.Sprintf("%s=%v: %s", e.field, e.value, e.reason)
}

func invalid(field string, value any, reason string) error {
	return errors.New().WithData(errors.ErrInvalidConfig, FieldError{field: field, value: value, reason: reason})
}

// Validate checks cross-field consistency. It runs once, at load.
func (c *Config) Validate() error {
	if !LogLevel(c.LogLevel).IsValid() {
		return errors.New().WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	r := c.Regulator
	switch {
	case r.MaxTemp <= r.MinTemp:
		return invalid("regulator.max_temp", r.MaxTemp, "must be greater than min_temp")
	case r.CriticalTemp <= r.MaxTemp:
		return invalid("regulator.critical_temp", r.CriticalTemp, "must be greater than max_temp")
	case r.EmergencyTemp <= r.CriticalTemp:
		return invalid("regulator.emergency_temp", r.EmergencyTemp, "must be greater than critical_temp")
	case r.MinCycleTime < 0:
		return invalid("regulator.min_cycle_time", r.MinCycleTime, "must not be negative")
	case r.MaxSwitchesPerHour <= 0:
		return invalid("regulator.max_switches_per_hour", r.MaxSwitchesPerHour, "must be positive")
	case r.MaxCoolingTime <= 0:
		return invalid("regulator.max_cooling_time", r.MaxCoolingTime, "must be positive")
	case r.StaleMaxAge <= 0:
		return invalid("regulator.stale_max_age", r.StaleMaxAge, "must be positive")
	case r.StaleGrace < 0:
		return invalid("regulator.stale_grace", r.StaleGrace, "must not be negative")
	case r.Tick <= 0:
		return errors.New().WithData(errors.ErrInvalidInterval, FieldError{field: "regulator.tick", value: r.Tick, reason: "must be positive"})
	}

	d := c.Device
	switch {
	case d.Port <= 0 || d.Port > 65535:
		return invalid("device.port", d.Port, "out of range")
	case d.ConnectTimeout <= 0:
		return invalid("device.connect_timeout", d.ConnectTimeout, "must be positive")
	case d.ReadTimeout <= 0:
		return invalid("device.read_timeout", d.ReadTimeout, "must be positive")
	}

	if c.Acquisition.Interval <= 0 {
		return errors.New().WithData(errors.ErrInvalidInterval, FieldError{field: "acquisition.interval", value: c.Acquisition.Interval, reason: "must be positive"})
	}
	if c.Acquisition.BackoffMax < c.Acquisition.Interval {
		return invalid("acquisition.backoff_max", c.Acquisition.BackoffMax, "must not be shorter than the interval")
	}

	if c.Relay.Pin < 1 || c.Relay.Pin > 40 {
		return invalid("relay.pin", c.Relay.Pin, "must be between 1 and 40")
	}
	if c.Store.HistorySize <= 0 {
		return invalid("store.history_size", c.Store.HistorySize, "must be positive")
	}

	if c.Journal.Enabled {
		if c.Journal.DBPath == "" {
			return invalid("journal.db_path", c.Journal.DBPath, "required when the journal is enabled")
		}
		if c.Journal.BatchSize <= 0 || c.Journal.FlushInterval <= 0 {
			return invalid("journal.batch_size", c.Journal.BatchSize, "batching must be positive")
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return invalid("mqtt.broker", c.MQTT.Broker, "required when MQTT is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return invalid("mqtt.qos", c.MQTT.QoS, "must be 0, 1 or 2")
		}
	}

	if c.API.Enabled {
		if c.API.Listen == "" {
			return invalid("api.listen", c.API.Listen, "required when the API is enabled")
		}
		if c.API.JWTSecret != "" && c.API.PasswordHash == "" {
			return invalid("api.password_hash", "", "required when jwt_secret is set")
		}
		for _, origin := range c.API.AllowedOrigins {
			if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
				return invalid("api.allowed_origins", origin, "must be scheme://host[:port]")
			}
		}
	}

	return nil
}
