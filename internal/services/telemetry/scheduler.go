// Package telemetry runs the agent's cooperative loop: it keeps the
// connection state machine moving and, once per period, reads the sensor and
// publishes each quantity to its own topic.
package telemetry

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/LeonardoBeccarini/powermon/internal/connection"
	"github.com/LeonardoBeccarini/powermon/internal/metrics"
	"github.com/LeonardoBeccarini/powermon/internal/model"
	"github.com/LeonardoBeccarini/powermon/pkg/broker"
)

type SensorReader interface {
	Read(ctx context.Context) (model.Reading, error)
}

// Connection is the part of connection.Manager the loop drives.
type Connection interface {
	broker.Sink
	Tick(ctx context.Context)
	State() model.ConnectionState
}

type SolarSource interface {
	Today(now time.Time) model.SolarTimes
	IsDaylight(now time.Time) bool
}

type Recorder interface {
	Record(ctx context.Context, r model.Reading) error
}

type Topics struct {
	Voltage string
	Current string
	Power   string
	Sunrise string
	Sunset  string
}

type Options struct {
	Period       time.Duration
	NetTick      time.Duration
	DaylightOnly bool
	MaxPause     time.Duration
	Now          func() time.Time
}

// CycleResult summarises one telemetry cycle.
type CycleResult struct {
	Read      bool
	Skipped   string // reason the cycle published nothing
	Published int
	Failed    int
}

type Scheduler struct {
	reader SensorReader
	conn   Connection
	opts   Options

	voltage, current, power broker.IPublisher
	sunrise, sunset         broker.IPublisher

	solar    SolarSource
	recorder Recorder
	metrics  *metrics.Metrics

	pausedUntil atomic.Int64 // unix nanos, 0 = not paused
	lastReading atomic.Int64 // unix nanos of the last good read
}

func NewScheduler(reader SensorReader, conn Connection, topics Topics, opts Options) *Scheduler {
	if opts.Period <= 0 {
		opts.Period = 10 * time.Second
	}
	if opts.NetTick <= 0 || opts.NetTick > opts.Period {
		opts.NetTick = opts.Period
	}
	if opts.MaxPause <= 0 {
		opts.MaxPause = 10 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Scheduler{
		reader:  reader,
		conn:    conn,
		opts:    opts,
		voltage: broker.NewPublisher(conn, topics.Voltage),
		current: broker.NewPublisher(conn, topics.Current),
		power:   broker.NewPublisher(conn, topics.Power),
	}
	if topics.Sunrise != "" && topics.Sunset != "" {
		s.sunrise = broker.NewPublisher(conn, topics.Sunrise)
		s.sunset = broker.NewPublisher(conn, topics.Sunset)
	}
	return s
}

// WithSolar enables solar publication (when sunrise/sunset topics are set)
// and daylight gating.
func (s *Scheduler) WithSolar(src SolarSource) *Scheduler { s.solar = src; return s }

func (s *Scheduler) WithRecorder(r Recorder) *Scheduler { s.recorder = r; return s }

func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler { s.metrics = m; return s }

// Run drives the loop until ctx is cancelled. Errors inside a cycle never
// end it.
func (s *Scheduler) Run(ctx context.Context) error {
	net := time.NewTicker(s.opts.NetTick)
	defer net.Stop()
	period := time.NewTicker(s.opts.Period)
	defer period.Stop()

	log.Printf("info: telemetry: loop started (period %s, net tick %s)", s.opts.Period, s.opts.NetTick)
	s.conn.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("info: telemetry: loop stopped")
			return ctx.Err()
		case <-net.C:
			s.conn.Tick(ctx)
		case <-period.C:
			s.Cycle(ctx)
		}
	}
}

// Cycle runs one read-and-publish pass.
func (s *Scheduler) Cycle(ctx context.Context) CycleResult {
	var res CycleResult
	now := s.opts.Now()

	if s.Paused() {
		res.Skipped = "paused for update"
		log.Printf("debug: telemetry: %s, cycle skipped", res.Skipped)
		return res
	}

	rd, err := s.reader.Read(ctx)
	if err != nil {
		s.metrics.SensorError()
		var serr *model.SensorError
		if errors.As(err, &serr) {
			log.Printf("warning: telemetry: %v, cycle skipped", err)
		} else {
			log.Printf("error: telemetry: sensor read: %v, cycle skipped", err)
		}
		res.Skipped = "sensor error"
		return res
	}
	res.Read = true
	s.lastReading.Store(rd.Timestamp.UnixNano())
	s.metrics.ObserveReading(rd)

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, rd); err != nil {
			log.Printf("warning: telemetry: %v", err)
		}
	}

	if s.solar != nil && s.sunrise != nil {
		st := s.solar.Today(now)
		if st.HasSunrise() {
			s.publish(ctx, &res, s.sunrise, broker.FormatUnix(st.Sunrise.Unix()))
			s.publish(ctx, &res, s.sunset, broker.FormatUnix(st.Sunset.Unix()))
		} else {
			log.Printf("debug: telemetry: no sunrise/sunset today (%s)", st.Condition)
		}
	}

	if s.opts.DaylightOnly && s.solar != nil && !s.solar.IsDaylight(now) {
		if res.Published == 0 {
			res.Skipped = "night"
		}
		log.Printf("debug: telemetry: outside daylight, telemetry not published")
		return res
	}

	s.publish(ctx, &res, s.voltage, broker.FormatFloat(rd.Voltage))
	s.publish(ctx, &res, s.current, broker.FormatFloat(rd.Current))
	s.publish(ctx, &res, s.power, broker.FormatFloat(rd.Power))
	return res
}

// publish sends one value; failures are counted and do not stop the others.
func (s *Scheduler) publish(ctx context.Context, res *CycleResult, p broker.IPublisher, value string) {
	err := p.PublishMessage(ctx, value)
	switch {
	case err == nil:
		res.Published++
		s.metrics.Published(p.Topic())
	case errors.Is(err, connection.ErrNotReady):
		res.Failed++
		s.metrics.Dropped(p.Topic())
	default:
		res.Failed++
		s.metrics.PublishFailed(p.Topic())
		log.Printf("warning: telemetry: %v", err)
	}
}

// Pause holds telemetry publication until Resume or until the maximum
// pause elapses.
func (s *Scheduler) Pause(reason string) {
	until := s.opts.Now().Add(s.opts.MaxPause)
	s.pausedUntil.Store(until.UnixNano())
	s.metrics.Paused(true)
	log.Printf("info: telemetry: paused (%s) until %s at the latest", reason, until.Format(time.RFC3339))
}

func (s *Scheduler) Resume() {
	if s.pausedUntil.Swap(0) != 0 {
		log.Printf("info: telemetry: resumed")
	}
	s.metrics.Paused(false)
}

func (s *Scheduler) Paused() bool {
	until := s.pausedUntil.Load()
	if until == 0 {
		return false
	}
	if s.opts.Now().UnixNano() >= until {
		log.Printf("warning: telemetry: update pause expired, resuming")
		s.Resume()
		return false
	}
	return true
}

// LastReadingAge returns the time since the last successful read, or a
// negative duration when none happened yet.
func (s *Scheduler) LastReadingAge() time.Duration {
	ts := s.lastReading.Load()
	if ts == 0 {
		return -1
	}
	return s.opts.Now().Sub(time.Unix(0, ts))
}
