package sensor

import (
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/physic"
)

// SimBus answers like an INA219 driving a slowly varying DC load, for
// development hosts without the chip.
type SimBus struct {
	mu        sync.Mutex
	shuntOhms float64
	cal       uint16
	baseVolts float64
	load      float64 // A, random walk
	start     time.Time
	rnd       *rand.Rand
}

func NewSimBus(shuntOhms, baseVolts, load float64) *SimBus {
	return &SimBus{
		shuntOhms: shuntOhms,
		baseVolts: baseVolts,
		load:      load,
		start:     time.Now(),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimBus) String() string { return "sim-ina219" }

func (s *SimBus) SetSpeed(physic.Frequency) error { return nil }

func (s *SimBus) Close() error { return nil }

func (s *SimBus) Tx(_ uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(w) == 0 {
		return errors.New("sim: empty write")
	}
	switch {
	case len(w) == 3 && w[0] == ina219RegCalibration:
		s.cal = binary.BigEndian.Uint16(w[1:])
		return nil
	case len(w) == 3:
		return nil
	case len(r) != 2:
		return errors.Errorf("sim: unsupported read of %d bytes", len(r))
	}

	switch w[0] {
	case ina219RegBus:
		// ripple lenta ±2%
		t := time.Since(s.start).Minutes()
		v := s.baseVolts * (1 + 0.02*math.Sin(2*math.Pi*t/10))
		binary.BigEndian.PutUint16(r, uint16(v/ina219BusLSB)<<3|0x2)
	case ina219RegCurrent:
		if s.cal == 0 {
			binary.BigEndian.PutUint16(r, 0)
			return nil
		}
		s.load = math.Max(0, s.load+s.rnd.NormFloat64()*0.01)
		lsb := ina219CalFactor / (float64(s.cal) * s.shuntOhms)
		binary.BigEndian.PutUint16(r, uint16(int16(math.Round(s.load/lsb))))
	default:
		binary.BigEndian.PutUint16(r, 0)
	}
	return nil
}
