package store

import "codeberg.org/mutker/coolantctl/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrShutdown      = errors.ErrorCode("store_shut_down")
	ErrShutdownClose = errors.ErrShutdownFailed
)

func init() {
	errors.RegisterMessage(ErrShutdown, "Coordination store is shut down")
}
