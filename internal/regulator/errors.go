package regulator

import "codeberg.org/mutker/coolantctl/internal/errors"

const (
	ErrInvalidConfig   = errors.ErrInvalidConfig
	ErrMissingSettings = errors.ErrorCode("regulator_missing_settings")
	ErrInvalidSettings = errors.ErrorCode("regulator_invalid_settings")
	ErrActuator        = errors.ErrorCode("regulator_actuator_failed")
	ErrEmergency       = errors.ErrorCode("regulator_emergency")
	ErrFault           = errors.ErrorCode("regulator_fault")
	ErrCritical        = errors.ErrorCode("regulator_critical")
)

func init() {
	errors.RegisterMessage(ErrMissingSettings, "No temperature settings published; refusing automatic control")
	errors.RegisterMessage(ErrInvalidSettings, "Temperature settings are inconsistent")
	errors.RegisterMessage(ErrActuator, "Failed to command the cooling valve")
	errors.RegisterMessage(ErrEmergency, "Cooling emergency")
	errors.RegisterMessage(ErrFault, "Cooling fault")
	errors.RegisterMessage(ErrCritical, "Coolant temperature critical")
}
