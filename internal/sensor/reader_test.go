package sensor

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

var errNACK = errors.New("i2c: no ACK")

// fakeBus serves a register map; writes update it.
type fakeBus struct {
	mu     sync.Mutex
	regs   map[byte][]byte
	nack   bool
	block  chan struct{}
	writes [][]byte
}

func newFakeBus() *fakeBus { return &fakeBus{regs: map[byte][]byte{}} }

func (b *fakeBus) String() string                  { return "fake" }
func (b *fakeBus) SetSpeed(physic.Frequency) error { return nil }

func (b *fakeBus) Tx(_ uint16, w, r []byte) error {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nack {
		return errNACK
	}
	if len(r) == 0 {
		b.writes = append(b.writes, append([]byte(nil), w...))
		b.regs[w[0]] = append([]byte(nil), w[1:]...)
		return nil
	}
	copy(r, b.regs[w[0]])
	return nil
}

func (b *fakeBus) set16(reg byte, v uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	b.regs[reg] = buf
}

func (b *fakeBus) set24(reg byte, v int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := uint32(v<<4) & 0xFFFFFF
	b.regs[reg] = []byte{byte(u >> 16), byte(u >> 8), byte(u)}
}

func (b *fakeBus) setNACK(v bool) {
	b.mu.Lock()
	b.nack = v
	b.mu.Unlock()
}

var (
	ina219Sensor = model.Sensor{ID: "t", Model: model.ModelINA219, Bus: "fake", Address: 0x40}
	ina228Sensor = model.Sensor{ID: "t", Model: model.ModelINA228, Bus: "fake", Address: 0x40}
	defaultCal   = Calibration{ShuntOhms: 0.1, MaxCurrent: 3.2}
)

func TestNewReader_INA219Calibration(t *testing.T) {
	bus := newFakeBus()
	if _, err := NewReader(bus, ina219Sensor, defaultCal, time.Second); err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	if got := binary.BigEndian.Uint16(bus.regs[ina219RegConfig]); got != ina219Config {
		t.Errorf("config register = 0x%04x, want 0x%04x", got, ina219Config)
	}
	if got := binary.BigEndian.Uint16(bus.regs[ina219RegCalibration]); got != 4194 {
		t.Errorf("calibration register = %d, want 4194", got)
	}
}

func TestRead_INA219PowerIsVoltageTimesCurrent(t *testing.T) {
	bus := newFakeBus()
	r, err := NewReader(bus, ina219Sensor, defaultCal, time.Second)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	lsb := r.chip.(*ina219).currentLSB

	for _, raw := range []struct {
		bus     uint16
		current int16
	}{
		{0, 0},
		{3000, 5120},  // 12V, ~0.5A
		{7000, -2048}, // 28V, reverse current
		{1250, 32767}, // full scale
		{1, -32768},
	} {
		bus.set16(ina219RegBus, raw.bus<<3|0x2)
		bus.set16(ina219RegCurrent, uint16(raw.current))

		got, err := r.Read(context.Background())
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		wantV := float64(raw.bus) * 0.004
		wantI := float64(raw.current) * lsb
		if math.Abs(got.Voltage-wantV) > 1e-9 {
			t.Errorf("Voltage = %v, want %v", got.Voltage, wantV)
		}
		if math.Abs(got.Current-wantI) > 1e-9 {
			t.Errorf("Current = %v, want %v", got.Current, wantI)
		}
		if math.Abs(got.Power-got.Voltage*got.Current) > 1e-9 {
			t.Errorf("Power = %v, want %v", got.Power, got.Voltage*got.Current)
		}
		if got.Timestamp.IsZero() {
			t.Error("Timestamp is zero")
		}
	}
}

func TestRead_INA219Overflow(t *testing.T) {
	bus := newFakeBus()
	r, err := NewReader(bus, ina219Sensor, defaultCal, time.Second)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	bus.set16(ina219RegBus, 3000<<3|ina219OVF)

	_, err = r.Read(context.Background())
	var serr *model.SensorError
	if !errors.As(err, &serr) {
		t.Fatalf("Read() error = %v, want *model.SensorError", err)
	}
}

func TestRead_NACK(t *testing.T) {
	bus := newFakeBus()
	r, err := NewReader(bus, ina219Sensor, defaultCal, time.Second)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	bus.setNACK(true)

	_, err = r.Read(context.Background())
	var serr *model.SensorError
	if !errors.As(err, &serr) {
		t.Fatalf("Read() error = %v, want *model.SensorError", err)
	}
	if !errors.Is(err, errNACK) {
		t.Errorf("Read() error = %v, want wrapped NACK", err)
	}
}

func TestNewReader_NACK(t *testing.T) {
	bus := newFakeBus()
	bus.nack = true
	_, err := NewReader(bus, ina219Sensor, defaultCal, time.Second)
	var serr *model.SensorError
	if !errors.As(err, &serr) {
		t.Fatalf("NewReader() error = %v, want *model.SensorError", err)
	}
}

func TestRead_Timeout(t *testing.T) {
	bus := newFakeBus()
	r, err := NewReader(bus, ina219Sensor, defaultCal, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	bus.block = make(chan struct{})
	defer close(bus.block)

	start := time.Now()
	_, err = r.Read(context.Background())
	if err == nil {
		t.Fatal("Read() error = nil, want timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Read() error = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Read() took %v, want bounded by timeout", elapsed)
	}

	// il bus è ancora occupato dalla transazione precedente
	if _, err := r.Read(context.Background()); !errors.Is(err, ErrBusBusy) {
		t.Errorf("second Read() error = %v, want ErrBusBusy", err)
	}
}

func TestNewReader_CalibrationOutOfRange(t *testing.T) {
	_, err := NewReader(newFakeBus(), ina219Sensor, Calibration{ShuntOhms: 0.0001, MaxCurrent: 0.001}, time.Second)
	var cerr *model.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("NewReader() error = %v, want *model.ConfigError", err)
	}
}

func TestINA228_ReadAndIdentify(t *testing.T) {
	bus := newFakeBus()
	bus.set16(ina228RegMfrID, ina228MfrTI)

	r, err := NewReader(bus, ina228Sensor, defaultCal, time.Second)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	if got := binary.BigEndian.Uint16(bus.regs[ina228RegShuntCal]); got != 8000 {
		t.Errorf("SHUNT_CAL = %d, want 8000", got)
	}

	bus.set16(ina228RegDiag, 0)
	bus.set24(ina228RegVBus, 61440)     // 12V
	bus.set24(ina228RegCurrent, -81920) // -0.5A
	got, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if math.Abs(got.Voltage-12.0) > 1e-6 {
		t.Errorf("Voltage = %v, want 12", got.Voltage)
	}
	if math.Abs(got.Current-(-0.5)) > 1e-3 {
		t.Errorf("Current = %v, want -0.5", got.Current)
	}
	if math.Abs(got.Power-got.Voltage*got.Current) > 1e-9 {
		t.Errorf("Power = %v, want V*I", got.Power)
	}

	bus.set16(ina228RegDiag, ina228MathOF)
	if _, err := r.Read(context.Background()); err == nil {
		t.Error("Read() with MATHOF = nil error, want SensorError")
	}
}

func TestINA228_WrongManufacturer(t *testing.T) {
	bus := newFakeBus()
	bus.set16(ina228RegMfrID, 0x1234)
	if _, err := NewReader(bus, ina228Sensor, defaultCal, time.Second); err == nil {
		t.Fatal("NewReader() error = nil, want identify failure")
	}
}

func TestDecode20(t *testing.T) {
	for _, test := range []struct {
		in   []byte
		want int32
	}{
		{[]byte{0x00, 0x00, 0x10}, 1},
		{[]byte{0x7F, 0xFF, 0xF0}, 524287},
		{[]byte{0xFF, 0xFF, 0xF0}, -1},
		{[]byte{0x80, 0x00, 0x00}, -524288},
		{[]byte{0x00, 0x00, 0x0F}, 0}, // reserved bits
	} {
		if got := decode20(test.in); got != test.want {
			t.Errorf("decode20(% x) = %d, want %d", test.in, got, test.want)
		}
	}
}

func TestSimBus_ProducesPlausibleReadings(t *testing.T) {
	sim := NewSimBus(0.1, 12, 0.5)
	s := ina219Sensor
	s.Model = model.ModelSim
	r, err := NewReader(sim, s, defaultCal, time.Second)
	if err != nil {
		t.Fatalf("NewReader() error = %v", err)
	}
	got, err := r.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if got.Voltage < 11 || got.Voltage > 13 {
		t.Errorf("Voltage = %v, want ~12", got.Voltage)
	}
	if got.Current < 0 || got.Current > 1 {
		t.Errorf("Current = %v, want ~0.5", got.Current)
	}
}
