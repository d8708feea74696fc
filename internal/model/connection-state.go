package model

// ConnectionState is the WiFi + broker session lifecycle.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateWifiConnecting
	StateWifiConnected
	StateBrokerConnecting
	StateReady
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateWifiConnecting:
		return "wifi_connecting"
	case StateWifiConnected:
		return "wifi_connected"
	case StateBrokerConnecting:
		return "broker_connecting"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}
