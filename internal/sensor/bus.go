package sensor

import (
	"log"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

// Pins is the SDA/SCL pair the bus is expected to use.
type Pins struct {
	SDA int
	SCL int
}

// OpenBus initialises the host drivers and opens the named I2C bus. When
// the driver exposes its pins they must match want.
func OpenBus(name string, want Pins) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, &model.SensorError{Op: "host init", Err: errors.Wrap(err, "periph")}
	}
	bus, err := i2creg.Open(name)
	if err != nil {
		return nil, &model.SensorError{Op: "open bus", Err: errors.Wrapf(err, "i2c bus %q", name)}
	}
	if err := checkPins(bus, want); err != nil {
		_ = bus.Close()
		return nil, err
	}
	log.Printf("info: sensor: opened i2c bus %s", bus)
	return bus, nil
}

func checkPins(bus i2c.Bus, want Pins) error {
	p, ok := bus.(i2c.Pins)
	if !ok {
		log.Printf("debug: sensor: bus %s does not report its pins, skipping check", bus)
		return nil
	}
	sda, scl := p.SDA().Number(), p.SCL().Number()
	if sda < 0 || scl < 0 {
		return nil
	}
	if sda != want.SDA || scl != want.SCL {
		return &model.ConfigError{
			Field: "i2c",
			Err:   errors.Errorf("bus %s uses sda=%d scl=%d, configured sda=%d scl=%d", bus, sda, scl, want.SDA, want.SCL),
		}
	}
	return nil
}
