package sensor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

const (
	ina228RegShuntCal = 0x02
	ina228RegVBus     = 0x05
	ina228RegCurrent  = 0x07
	ina228RegDiag     = 0x0B
	ina228RegMfrID    = 0x3E

	ina228MfrTI     = 0x5449
	ina228BusLSB    = 195.3125e-6 // V
	ina228MaxVolts  = 85.0
	ina228MathOF    = 1 << 9
	ina228CalFactor = 13107.2e6
)

type ina228 struct {
	currentLSB float64
	cal        uint16
}

func newINA228(c Calibration) (*ina228, error) {
	if c.ShuntOhms <= 0 || c.MaxCurrent <= 0 {
		return nil, &model.ConfigError{Field: "i2c", Err: errors.New("shunt and max current must be positive")}
	}
	lsb := c.MaxCurrent / (1 << 19)
	cal := math.Trunc(ina228CalFactor * lsb * c.ShuntOhms)
	if cal < 1 || cal > 0x7FFF {
		return nil, &model.ConfigError{Field: "i2c", Err: errors.Errorf("shunt calibration %v does not fit the register", cal)}
	}
	return &ina228{currentLSB: cal / (ina228CalFactor * c.ShuntOhms), cal: uint16(cal)}, nil
}

func (c *ina228) setup(d *i2c.Dev) error {
	b, err := readReg(d, ina228RegMfrID, 2, "identify")
	if err != nil {
		return err
	}
	if id := binary.BigEndian.Uint16(b); id != ina228MfrTI {
		return &model.SensorError{Op: "identify", Err: errors.Errorf("unexpected manufacturer id 0x%04x", id)}
	}
	return writeReg16(d, ina228RegShuntCal, c.cal, "calibrate")
}

// 24-bit registers carry a 20-bit value in bits 23..4.
func decode20(b []byte) int32 {
	raw := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	return int32(raw<<8) >> 12
}

func (c *ina228) measure(d *i2c.Dev) (float64, float64, error) {
	b, err := readReg(d, ina228RegDiag, 2, "read diagnostics")
	if err != nil {
		return 0, 0, err
	}
	if diag := binary.BigEndian.Uint16(b); diag&ina228MathOF != 0 {
		return 0, 0, outOfRange("read diagnostics", "math overflow flag set (diag 0x%04x)", diag)
	}

	b, err = readReg(d, ina228RegVBus, 3, "read bus voltage")
	if err != nil {
		return 0, 0, err
	}
	raw := decode20(b)
	volts := float64(raw) * ina228BusLSB
	if raw < 0 || volts > ina228MaxVolts {
		return 0, 0, outOfRange("read bus voltage", "%.3fV outside 0..%.0fV", volts, ina228MaxVolts)
	}

	b, err = readReg(d, ina228RegCurrent, 3, "read current")
	if err != nil {
		return 0, 0, err
	}
	return volts, float64(decode20(b)) * c.currentLSB, nil
}
