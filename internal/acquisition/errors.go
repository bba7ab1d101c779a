package acquisition

import "codeberg.org/mutker/coolantctl/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrFetchFailed   = errors.ErrorCode("acquisition_fetch_failed")
)

func init() {
	errors.RegisterMessage(ErrFetchFailed, "Failed to fetch coolant temperature")
}
