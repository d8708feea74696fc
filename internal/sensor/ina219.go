package sensor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

const (
	ina219RegConfig      = 0x00
	ina219RegShunt       = 0x01
	ina219RegBus         = 0x02
	ina219RegCurrent     = 0x04
	ina219RegCalibration = 0x05

	// 32V range, /8 gain (±320mV), 12-bit bus and shunt ADC, continuous.
	ina219Config = 0x399F

	ina219BusLSB    = 0.004 // V
	ina219MaxVolts  = 32.0
	ina219OVF       = 0x0001
	ina219CalFactor = 0.04096
)

type ina219 struct {
	currentLSB float64 // A per count
	cal        uint16
}

func newINA219(c Calibration) (*ina219, error) {
	if c.ShuntOhms <= 0 || c.MaxCurrent <= 0 {
		return nil, &model.ConfigError{Field: "i2c", Err: errors.New("shunt and max current must be positive")}
	}
	lsb := c.MaxCurrent / 32768
	cal := math.Trunc(ina219CalFactor / (lsb * c.ShuntOhms))
	if cal < 1 || cal > 0xFFFE {
		return nil, &model.ConfigError{Field: "i2c", Err: errors.Errorf("calibration %v does not fit the register", cal)}
	}
	// il chip usa il valore troncato: ricalcolo l'LSB effettivo
	return &ina219{
		currentLSB: ina219CalFactor / (cal * c.ShuntOhms),
		cal:        uint16(cal),
	}, nil
}

func (c *ina219) setup(d *i2c.Dev) error {
	if err := writeReg16(d, ina219RegConfig, ina219Config, "configure"); err != nil {
		return err
	}
	return writeReg16(d, ina219RegCalibration, c.cal, "calibrate")
}

func (c *ina219) measure(d *i2c.Dev) (float64, float64, error) {
	b, err := readReg(d, ina219RegBus, 2, "read bus voltage")
	if err != nil {
		return 0, 0, err
	}
	raw := binary.BigEndian.Uint16(b)
	if raw&ina219OVF != 0 {
		return 0, 0, outOfRange("read bus voltage", "math overflow flag set (raw 0x%04x)", raw)
	}
	volts := float64(raw>>3) * ina219BusLSB
	if volts > ina219MaxVolts {
		return 0, 0, outOfRange("read bus voltage", "%.3fV above %.0fV range", volts, ina219MaxVolts)
	}

	b, err = readReg(d, ina219RegCurrent, 2, "read current")
	if err != nil {
		return 0, 0, err
	}
	amps := float64(int16(binary.BigEndian.Uint16(b))) * c.currentLSB
	return volts, amps, nil
}
