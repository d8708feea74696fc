package model

import "fmt"

// SensorModel selects the register map used by the reader.
type SensorModel string

const (
	ModelINA219 SensorModel = "ina219"
	ModelINA228 SensorModel = "ina228"
	ModelSim    SensorModel = "sim" // bus simulato, niente hardware
)

// Sensor identifies the power monitor on the bus.
type Sensor struct {
	ID      string      `json:"id"`
	Model   SensorModel `json:"model"`
	Bus     string      `json:"bus"`
	Address uint16      `json:"address"`
}

func (s Sensor) String() string {
	return fmt.Sprintf("%s@%s/0x%02x", s.Model, s.Bus, s.Address)
}
