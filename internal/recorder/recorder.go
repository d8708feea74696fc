// Package recorder mirrors readings into InfluxDB behind a circuit breaker,
// so an unreachable database costs one fast failure per cycle at most.
package recorder

import (
	"context"
	"log"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/LeonardoBeccarini/powermon/internal/model"
)

// Configurazione Influx
type Config struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	Timeout     time.Duration
}

type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

type Recorder struct {
	client      influxdb2.Client
	writeAPI    pointWriter
	cb          *gobreaker.CircuitBreaker
	sensor      model.Sensor
	measurement string
	timeout     time.Duration
	onError     func()

	mu      sync.RWMutex
	lastErr time.Time
}

func New(cfg Config, sensor model.Sensor) (*Recorder, error) {
	if cfg.URL == "" || cfg.Token == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, &model.ConfigError{Field: "influx", Err: errors.New("influx config incomplete")}
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	r := newRecorder(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg, sensor)
	r.client = client
	return r, nil
}

func newRecorder(w pointWriter, cfg Config, sensor model.Sensor) *Recorder {
	if cfg.Measurement == "" {
		cfg.Measurement = "power"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	r := &Recorder{
		writeAPI:    w,
		sensor:      sensor,
		measurement: cfg.Measurement,
		timeout:     cfg.Timeout,
		lastErr:     time.Now().Add(-24 * time.Hour), // di default "lontano nel tempo"
	}
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "influx",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("warning: recorder: breaker %s %s -> %s", name, from, to)
		},
	})
	return r
}

// OnError registers a callback for every failed or rejected write.
func (r *Recorder) OnError(fn func()) { r.onError = fn }

// Record writes one reading as a point.
func (r *Recorder) Record(ctx context.Context, rd model.Reading) error {
	tags := map[string]string{
		"sensor": r.sensor.ID,
		"model":  string(r.sensor.Model),
	}
	fields := map[string]interface{}{
		"voltage": rd.Voltage,
		"current": rd.Current,
		"power":   rd.Power,
	}
	t := rd.Timestamp
	if t.IsZero() {
		t = time.Now()
	}
	point := influxdb2.NewPoint(r.measurement, tags, fields, t)

	_, err := r.cb.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()
		return nil, r.writeAPI.WritePoint(wctx, point)
	})
	if err != nil {
		r.mu.Lock()
		r.lastErr = time.Now()
		r.mu.Unlock()
		if r.onError != nil {
			r.onError()
		}
		return errors.Wrap(err, "influx write")
	}
	return nil
}

// LastErrorAge ritorna da quanto tempo non si verificano errori di scrittura.
// A nil Recorder (disabled) reports 0.
func (r *Recorder) LastErrorAge() time.Duration {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	t := r.lastErr
	r.mu.RUnlock()
	return time.Since(t)
}

// BreakerState is the gobreaker state name, for /healthz.
func (r *Recorder) BreakerState() string {
	if r == nil {
		return "disabled"
	}
	return r.cb.State().String()
}

func (r *Recorder) Close() {
	if r != nil && r.client != nil {
		r.client.Close()
	}
}
