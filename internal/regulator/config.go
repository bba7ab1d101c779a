package regulator

import (
	"time"

	"codeberg.org/mutker/coolantctl/internal/errors"
	"codeberg.org/mutker/coolantctl/internal/model"
)

const switchWindow = time.Hour

type Config struct {
	Limits             model.Limits
	MinCycleTime       time.Duration
	MaxSwitchesPerHour int
	MaxCoolingTime     time.Duration
	StaleMaxAge        time.Duration
	StaleGrace         time.Duration
	Tick               time.Duration
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Limits.Emergency <= c.Limits.Critical:
		return errFactory.WithData(ErrInvalidConfig, "emergency_temp must be greater than critical_temp")
	case c.MinCycleTime < 0:
		return errFactory.WithData(ErrInvalidConfig, "min_cycle_time must not be negative")
	case c.MaxSwitchesPerHour <= 0:
		return errFactory.WithData(ErrInvalidConfig, "max_switches_per_hour must be positive")
	case c.MaxCoolingTime <= 0:
		return errFactory.WithData(ErrInvalidConfig, "max_cooling_time must be positive")
	case c.StaleMaxAge <= 0 || c.StaleGrace < 0:
		return errFactory.WithData(ErrInvalidConfig, "staleness thresholds must be positive")
	case c.Tick <= 0:
		return errFactory.WithData(ErrInvalidConfig, "tick must be positive")
	}
	return nil
}
