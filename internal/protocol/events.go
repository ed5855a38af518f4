package protocol

// Event is a wire event name. The set below is the whole catalogue shared with
// clients; names must not change.
type Event string

// Client -> server
const (
	RequestPrimaryConnect               Event = "primary-connect"
	RequestPrimaryFreshToken            Event = "primary-fresh-token"
	RequestSecondaryConnectByQR         Event = "secondary-connect-by-qr"
	RequestDeviceReconnect              Event = "device-reconnect"
	RequestPrimaryManualCode            Event = "primary-manual-code"
	RequestSecondaryConnectByManualCode Event = "secondary-connect-by-manual-code"
	RequestSecondaryManualCodeHandshake Event = "secondary-manualcode-handshake"
	RequestPrimaryManualCodeConfirmed   Event = "primary-manualcode-confirmed"
	RequestToggleDirection              Event = "toggle-direction"
	SendData                            Event = "send-data"
	DataReceived                        Event = "data-received"
)

// Server -> client
const (
	Connected                            Event = "connected"
	UpdatePrimaryConnected               Event = "update-primary-connected"
	UpdatePrimaryFreshToken              Event = "update-primary-fresh-token"
	UpdateSecondaryConnectedByQR         Event = "update-secondary-connected-by-qr"
	UpdateOtherConnected                 Event = "update-other-connected"
	UpdatePrimaryManualCode              Event = "update-primary-manualcode"
	UpdateSecondaryManualCodeAccepted    Event = "update-secondary-manualcode-accepted"
	RequestPrimaryManualCodeConfirmation Event = "request-primary-manualcode-confirmation"
	UpdateSecondaryConnectedByManualCode Event = "update-secondary-connected-by-manualcode"
	UpdateDeviceReconnected              Event = "update-device-reconnected"
	UpdateOtherReconnected               Event = "update-other-reconnected"
	UpdateToggleDirection                Event = "update-toggle-direction"
	Data                                 Event = "data"

	ErrorSecondaryConnectByQRTokenNotFound         Event = "error-secondary-connect-by-qr-token-not-found"
	ErrorSecondaryConnectByManualCodeTokenNotFound Event = "error-secondary-connect-by-manualcode-token-not-found"
	ErrorDeviceReconnectDeviceIDNotFound           Event = "error-device-reconnect-deviceid-not-found"
	ErrorPrimaryManualCodeSecondaryNotFound        Event = "error-primary-manualcode-secondary-not-found"
	ErrorInvalidPayload                            Event = "error-invalid-payload"
	ErrorRateLimited                               Event = "error-rate-limited"
)

var inbound = map[Event]struct{}{
	RequestPrimaryConnect:               {},
	RequestPrimaryFreshToken:            {},
	RequestSecondaryConnectByQR:         {},
	RequestDeviceReconnect:              {},
	RequestPrimaryManualCode:            {},
	RequestSecondaryConnectByManualCode: {},
	RequestSecondaryManualCodeHandshake: {},
	RequestPrimaryManualCodeConfirmed:   {},
	RequestToggleDirection:              {},
	SendData:                            {},
	DataReceived:                        {},
}

// IsInbound reports whether clients are allowed to send e.
func (e Event) IsInbound() bool {
	_, ok := inbound[e]
	return ok
}

func (e Event) String() string {
	return string(e)
}
