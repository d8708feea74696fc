// Package sensor reads bus voltage and current from a TI INA2xx power
// monitor over I2C and converts register counts to physical units.
package sensor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

// ErrBusBusy is returned while a timed-out transaction still holds the bus.
var ErrBusBusy = errors.New("previous transaction still in progress")

// chip is the register model of one monitor family.
type chip interface {
	// setup writes configuration and calibration; called once.
	setup(d *i2c.Dev) error
	// measure returns volts and amps from one register pass.
	measure(d *i2c.Dev) (float64, float64, error)
}

// Calibration is the sizing of the shunt circuit.
type Calibration struct {
	ShuntOhms  float64
	MaxCurrent float64 // A
}

type Reader struct {
	dev     *i2c.Dev
	chip    chip
	sensor  model.Sensor
	timeout time.Duration
	now     func() time.Time
	busy    atomic.Bool
}

// NewReader programs the device and returns a reader bound to it. A device
// that does not answer here fails the same way a read would.
func NewReader(bus i2c.Bus, s model.Sensor, cal Calibration, timeout time.Duration) (*Reader, error) {
	var c chip
	switch s.Model {
	case model.ModelINA219, model.ModelSim:
		c219, err := newINA219(cal)
		if err != nil {
			return nil, err
		}
		c = c219
	case model.ModelINA228:
		c228, err := newINA228(cal)
		if err != nil {
			return nil, err
		}
		c = c228
	default:
		return nil, &model.ConfigError{Field: "i2c.model", Err: errors.Errorf("unsupported model %q", s.Model)}
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	r := &Reader{
		dev:     &i2c.Dev{Bus: bus, Addr: s.Address},
		chip:    c,
		sensor:  s,
		timeout: timeout,
		now:     time.Now,
	}
	if err := c.setup(r.dev); err != nil {
		return nil, err
	}
	return r, nil
}

// Sensor returns the identity the reader was built with.
func (r *Reader) Sensor() model.Sensor { return r.sensor }

// Read performs one measurement, bounded by the reader timeout.
func (r *Reader) Read(ctx context.Context) (model.Reading, error) {
	if !r.busy.CompareAndSwap(false, true) {
		return model.Reading{}, &model.SensorError{Op: "read", Err: ErrBusBusy}
	}

	type result struct {
		v, i float64
		err  error
	}
	done := make(chan result, 1)
	go func() {
		defer r.busy.Store(false)
		v, i, err := r.chip.measure(r.dev)
		done <- result{v, i, err}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	select {
	case <-ctx.Done():
		return model.Reading{}, &model.SensorError{Op: "read", Err: errors.Wrap(ctx.Err(), r.sensor.String())}
	case res := <-done:
		if res.err != nil {
			return model.Reading{}, res.err
		}
		return model.Reading{
			Voltage:   res.v,
			Current:   res.i,
			Power:     res.v * res.i,
			Timestamp: r.now(),
		}, nil
	}
}

func readReg(d *i2c.Dev, reg byte, n int, what string) ([]byte, error) {
	buf := make([]byte, n)
	if err := d.Tx([]byte{reg}, buf); err != nil {
		return nil, &model.SensorError{Op: what, Err: errors.Wrapf(err, "register 0x%02x", reg)}
	}
	return buf, nil
}

func writeReg16(d *i2c.Dev, reg byte, v uint16, what string) error {
	if err := d.Tx([]byte{reg, byte(v >> 8), byte(v)}, nil); err != nil {
		return &model.SensorError{Op: what, Err: errors.Wrapf(err, "register 0x%02x", reg)}
	}
	return nil
}

func outOfRange(what, format string, args ...interface{}) error {
	return &model.SensorError{Op: what, Err: errors.Errorf(format, args...)}
}
