package model

import "fmt"

// SensorError is returned when the I2C device does not acknowledge or
// reports a value outside its measurement range. Recovered by skipping the cycle.
type SensorError struct {
	Op  string
	Err error
}

func (e *SensorError) Error() string { return fmt.Sprintf("sensor %s: %v", e.Op, e.Err) }
func (e *SensorError) Unwrap() error { return e.Err }

// NetworkError covers WiFi association, broker handshake and
// publish-while-not-ready failures. Never fatal.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return fmt.Sprintf("network %s: %v", e.Op, e.Err) }
func (e *NetworkError) Unwrap() error { return e.Err }

// ConfigError is fatal at startup.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config %s: %v", e.Field, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }
