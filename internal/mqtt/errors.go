package mqtt

import "codeberg.org/mutker/coolantctl/internal/errors"

const (
	ErrInvalidConfig    = errors.ErrInvalidConfig
	ErrConnectionFailed = errors.ErrorCode("mqtt_connection_failed")
	ErrNotConnected     = errors.ErrorCode("mqtt_not_connected")
	ErrPublishFailed    = errors.ErrorCode("mqtt_publish_failed")
	ErrSubscribeFailed  = errors.ErrorCode("mqtt_subscribe_failed")
	ErrInvalidCommand   = errors.ErrorCode("mqtt_invalid_command")
	ErrTimeout          = errors.ErrTimeout
)

func init() {
	errors.RegisterMessage(ErrConnectionFailed, "Failed to connect to MQTT broker")
	errors.RegisterMessage(ErrNotConnected, "MQTT client is not connected")
	errors.RegisterMessage(ErrPublishFailed, "Failed to publish MQTT message")
	errors.RegisterMessage(ErrSubscribeFailed, "Failed to subscribe to MQTT topic")
	errors.RegisterMessage(ErrInvalidCommand, "Invalid operator command")
}
