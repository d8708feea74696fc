// Package connection owns the WiFi link and the MQTT session and drives
// them through a tick-based state machine with bounded, backed-off retries.
package connection

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/LeonardoBeccarini/powermon/internal/model"
	"github.com/LeonardoBeccarini/powermon/pkg/broker"
)

// ErrNotReady is wrapped in the NetworkError returned by Publish outside Ready.
var ErrNotReady = errors.New("connection not ready")

// Handler receives messages of a subscribed topic.
type Handler = broker.Handler

// Session is the broker side of the connection.
type Session interface {
	Connect(ctx context.Context) error
	// Connected turns false once the keepalive/ping timeout declares the
	// connection lost.
	Connected() bool
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, h Handler) error
	Disconnect()
}

// QoSPolicy fixes qos and retain flag per topic.
type QoSPolicy func(topic string) (qos byte, retain bool)

type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Cooldown       time.Duration
	AttemptTimeout time.Duration
	// Jitter is the backoff randomization factor, 0 for a fixed schedule.
	Jitter        float64
	Policy        QoSPolicy
	OnStateChange func(from, to model.ConnectionState)
	Now           func() time.Time
}

type subscription struct {
	topic   string
	qos     byte
	handler Handler
}

// Manager is not safe for concurrent Tick/Publish; both run on the
// scheduler loop. State may be read from any goroutine.
type Manager struct {
	link    Link
	session Session
	opts    Options

	state       atomic.Int32
	bo          backoff.BackOff
	attempts    int
	nextAttempt time.Time
	errorSince  time.Time

	// link losses before the broker was reached; reset only on Ready or
	// after the Error cooldown
	dropBo   backoff.BackOff
	drops    int
	resumeAt time.Time

	subMu sync.Mutex
	subs  []subscription
}

func NewManager(link Link, session Session, opts Options) *Manager {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 10 * time.Second
	}
	if opts.Policy == nil {
		opts.Policy = func(string) (byte, bool) { return 0, false }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Manager{
		link:    link,
		session: session,
		opts:    opts,
		bo:      newBackOff(opts),
		dropBo:  newBackOff(opts),
	}
	m.state.Store(int32(model.StateDisconnected))
	return m
}

func newBackOff(opts Options) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = opts.InitialBackoff
	eb.MaxInterval = opts.MaxBackoff
	eb.RandomizationFactor = opts.Jitter
	eb.Multiplier = 2
	eb.MaxElapsedTime = 0 // il limite è sul numero di tentativi, non sul tempo
	return eb
}

// State returns the current connection state.
func (m *Manager) State() model.ConnectionState {
	return model.ConnectionState(m.state.Load())
}

func (m *Manager) Ready() bool { return m.State() == model.StateReady }

func (m *Manager) setState(to model.ConnectionState) {
	from := m.State()
	if from == to {
		return
	}
	m.state.Store(int32(to))
	log.Printf("debug: connection: %s -> %s", from, to)
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(from, to)
	}
}

// beginPhase resets the attempt budget for WiFi or broker connection.
func (m *Manager) beginPhase(to model.ConnectionState, now time.Time) {
	m.bo.Reset()
	m.attempts = 0
	m.nextAttempt = now
	m.setState(to)
}

// Tick advances the state machine by at most one connection attempt.
func (m *Manager) Tick(ctx context.Context) {
	now := m.opts.Now()

	switch m.State() {
	case model.StateDisconnected:
		m.session.Disconnect()
		m.beginPhase(model.StateWifiConnecting, now)
		if m.resumeAt.After(now) {
			m.nextAttempt = m.resumeAt
		}

	case model.StateWifiConnecting:
		if now.Before(m.nextAttempt) {
			return
		}
		if err := m.attempt(ctx, m.link.Associate); err != nil {
			m.failed(now, &model.NetworkError{Op: "wifi associate", Err: err})
			return
		}
		log.Printf("info: connection: wifi link up")
		m.setState(model.StateWifiConnected)
		m.beginPhase(model.StateBrokerConnecting, now)

	case model.StateWifiConnected:
		m.beginPhase(model.StateBrokerConnecting, now)

	case model.StateBrokerConnecting:
		if !m.link.Up() {
			m.linkDropped(now)
			return
		}
		if now.Before(m.nextAttempt) {
			return
		}
		if err := m.attempt(ctx, m.session.Connect); err != nil {
			m.failed(now, &model.NetworkError{Op: "broker handshake", Err: err})
			return
		}
		log.Printf("info: connection: broker session established")
		m.resetDrops()
		m.setState(model.StateReady)
		m.resubscribe(ctx)

	case model.StateReady:
		switch {
		case !m.link.Up():
			log.Printf("warning: connection: wifi link lost")
			m.setState(model.StateDisconnected)
		case !m.session.Connected():
			log.Printf("warning: connection: broker connection lost")
			m.setState(model.StateDisconnected)
		}

	case model.StateError:
		if now.Sub(m.errorSince) >= m.opts.Cooldown {
			log.Printf("info: connection: cooldown over, retrying")
			m.resetDrops()
			m.setState(model.StateDisconnected)
		}
	}
}

func (m *Manager) attempt(ctx context.Context, fn func(context.Context) error) error {
	actx, cancel := context.WithTimeout(ctx, m.opts.AttemptTimeout)
	defer cancel()
	m.attempts++
	return fn(actx)
}

func (m *Manager) failed(now time.Time, err error) {
	d := m.bo.NextBackOff()
	if m.attempts >= m.opts.MaxAttempts || d == backoff.Stop {
		log.Printf("error: connection: %v (giving up after %d attempts, cooldown %s)", err, m.attempts, m.opts.Cooldown)
		m.errorSince = now
		m.setState(model.StateError)
		return
	}
	log.Printf("warning: connection: %v (attempt %d/%d, retry in %s)", err, m.attempts, m.opts.MaxAttempts, d)
	m.nextAttempt = now.Add(d)
}

// linkDropped handles a link that reported down after association but before
// the broker handshake. The losses share one budget across reassociations,
// so a flapping link ends in Error instead of cycling.
func (m *Manager) linkDropped(now time.Time) {
	m.drops++
	d := m.dropBo.NextBackOff()
	if m.drops >= m.opts.MaxAttempts || d == backoff.Stop {
		log.Printf("error: connection: wifi lost %d times before reaching the broker (cooldown %s)", m.drops, m.opts.Cooldown)
		m.errorSince = now
		m.setState(model.StateError)
		return
	}
	log.Printf("warning: connection: wifi lost while connecting to broker (%d/%d, retry in %s)", m.drops, m.opts.MaxAttempts, d)
	m.resumeAt = now.Add(d)
	m.setState(model.StateDisconnected)
}

func (m *Manager) resetDrops() {
	m.drops = 0
	m.dropBo.Reset()
	m.resumeAt = time.Time{}
}

// Publish sends payload when Ready. Outside Ready the message is dropped and
// a NetworkError wrapping ErrNotReady is returned; it never blocks on the
// connection.
func (m *Manager) Publish(ctx context.Context, topic string, payload []byte) error {
	if st := m.State(); st != model.StateReady {
		log.Printf("debug: connection: dropped publish to %s (state %s)", topic, st)
		return &model.NetworkError{Op: "publish " + topic, Err: ErrNotReady}
	}
	qos, retain := m.opts.Policy(topic)
	pctx, cancel := context.WithTimeout(ctx, m.opts.AttemptTimeout)
	defer cancel()
	if err := m.session.Publish(pctx, topic, qos, retain, payload); err != nil {
		return &model.NetworkError{Op: "publish " + topic, Err: err}
	}
	return nil
}

// Subscribe registers h for topic. The subscription is applied now when
// Ready and again after every reconnect.
func (m *Manager) Subscribe(ctx context.Context, topic string, qos byte, h Handler) error {
	m.subMu.Lock()
	m.subs = append(m.subs, subscription{topic: topic, qos: qos, handler: h})
	m.subMu.Unlock()

	if !m.Ready() {
		return nil
	}
	if err := m.session.Subscribe(ctx, topic, qos, h); err != nil {
		return &model.NetworkError{Op: "subscribe " + topic, Err: err}
	}
	return nil
}

func (m *Manager) resubscribe(ctx context.Context) {
	m.subMu.Lock()
	subs := append([]subscription(nil), m.subs...)
	m.subMu.Unlock()

	for _, s := range subs {
		if err := m.session.Subscribe(ctx, s.topic, s.qos, s.handler); err != nil {
			log.Printf("error: connection: subscribe %s: %v", s.topic, err)
			continue
		}
		log.Printf("info: connection: subscribed to %s", s.topic)
	}
}

// Close ends the broker session.
func (m *Manager) Close() {
	m.session.Disconnect()
	m.setState(model.StateDisconnected)
}
