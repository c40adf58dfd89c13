// Package gateway implements the wire codec: message types, decoding,
// encoding, error codes and close codes. The connection shell that
// bridges a transport to a client session lives in src/transports.
package gateway

import "fmt"

// ErrorCode is the stable identifier carried on every Error wire
// message.
type ErrorCode string

const (
	ErrProtocol          ErrorCode = "PROTOCOL"
	ErrConfig            ErrorCode = "CONFIG"
	ErrProviderTransient ErrorCode = "PROVIDER_TRANSIENT"
	ErrProviderPermanent ErrorCode = "PROVIDER_PERMANENT"
	ErrTTSStall          ErrorCode = "TTS_STALL"
	ErrSlowClient        ErrorCode = "SLOW_CLIENT"
	ErrInternal          ErrorCode = "INTERNAL"
)

// GatewayError is the concrete error type propagated through the
// session core and rendered onto the wire as an `error` control
// message.
type GatewayError struct {
	Code        ErrorCode
	Message     string
	Details     map[string]interface{}
	Recoverable bool
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewGatewayError(code ErrorCode, message string, recoverable bool) *GatewayError {
	return &GatewayError{Code: code, Message: message, Recoverable: recoverable}
}

func (e *GatewayError) WithDetails(details map[string]interface{}) *GatewayError {
	e.Details = details
	return e
}

// CloseCode is the WebSocket close code the connection shell sends for
// each terminal condition.
type CloseCode int

const (
	CloseNormal         CloseCode = 1000
	CloseIdle           CloseCode = 4001
	CloseHeartbeatLost  CloseCode = 4002
	CloseSlowClient     CloseCode = 4003
	CloseAuth           CloseCode = 4010
	CloseProtocol       CloseCode = 4040
	CloseOverload       CloseCode = 4090
)
