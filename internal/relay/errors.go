package relay

import "codeberg.org/mutker/coolantctl/internal/errors"

const (
	ErrInvalidPin  = errors.ErrorCode("relay_invalid_pin")
	ErrLineClaim   = errors.ErrorCode("relay_line_claim_failed")
	ErrLineWrite   = errors.ErrorCode("relay_line_write_failed")
	ErrReadback    = errors.ErrorCode("relay_readback_mismatch")
	ErrClosed      = errors.ErrorCode("relay_closed")
	ErrLineRelease = errors.ErrorCode("relay_line_release_failed")
)

func init() {
	errors.RegisterMessage(ErrInvalidPin, "Relay pin out of range")
	errors.RegisterMessage(ErrLineClaim, "Failed to claim relay output line")
	errors.RegisterMessage(ErrLineWrite, "Failed to drive relay output line")
	errors.RegisterMessage(ErrReadback, "Relay line did not read back the written level")
	errors.RegisterMessage(ErrClosed, "Relay actuator is closed")
	errors.RegisterMessage(ErrLineRelease, "Failed to release relay output line")
}
