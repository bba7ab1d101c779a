package whatsminer

import "codeberg.org/mutker/coolantctl/internal/errors"

const (
	ErrConnection      = errors.ErrorCode("whatsminer_connection_failed")
	ErrTimeout         = errors.ErrorCode("whatsminer_timeout")
	ErrDataUnavailable = errors.ErrorCode("whatsminer_data_unavailable")
	ErrProtocol        = errors.ErrorCode("whatsminer_protocol_error")
	ErrDecode          = errors.ErrorCode("whatsminer_decode_failed")
	ErrAuth            = errors.ErrorCode("whatsminer_auth_failed")
	ErrCanceled        = errors.ErrorCode("whatsminer_canceled")
	ErrInvalidConfig   = errors.ErrInvalidConfig
)

func init() {
	errors.RegisterMessage(ErrConnection, "Device connection failed")
	errors.RegisterMessage(ErrTimeout, "Device did not answer in time")
	errors.RegisterMessage(ErrDataUnavailable, "Device does not report liquid temperature")
	errors.RegisterMessage(ErrProtocol, "Device rejected command")
	errors.RegisterMessage(ErrDecode, "Failed to decode device response")
	errors.RegisterMessage(ErrAuth, "Failed to establish device session")
	errors.RegisterMessage(ErrCanceled, "Device exchange canceled")
}

// Response codes returned by the device.
const (
	CodeSuccess          = 0
	CodeInvalidParameter = -1
	CodeUnknownCommand   = -2
)

// CodeError is attached as data to ErrProtocol errors.
type CodeError struct {
	Command string
	Code    int
}

func (e CodeError) String() string {
	switch e.Code {
	case CodeInvalidParameter:
		return e.Command + ": invalid parameter"
	case CodeUnknownCommand:
		return e.Command + ": unknown command"
	default:
		return e.Command + ": unexpected code"
	}
}
