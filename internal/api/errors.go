package api

import "codeberg.org/mutker/coolantctl/internal/errors"

const (
	ErrInvalidConfig  = errors.ErrInvalidConfig
	ErrInvalidRequest = errors.ErrorCode("api_invalid_request")
	ErrUnauthorized   = errors.ErrorCode("api_unauthorized")
	ErrInvalidToken   = errors.ErrorCode("api_invalid_token")
	ErrServeFailed    = errors.ErrorCode("api_serve_failed")
	ErrShutdownFailed = errors.ErrShutdownFailed
)

func init() {
	errors.RegisterMessage(ErrInvalidRequest, "Invalid API request")
	errors.RegisterMessage(ErrUnauthorized, "Invalid credentials")
	errors.RegisterMessage(ErrInvalidToken, "Invalid or expired token")
	errors.RegisterMessage(ErrServeFailed, "HTTP server failed")
}
