package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
)

// Handler receives the payload of a message on topic.
type Handler func(topic string, payload []byte)

type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	ClientID       string
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
}

// Session is one MQTT client connection. Reconnection is left to the
// caller: auto-reconnect is off and a lost connection stays lost.
type Session struct {
	cfg Config

	mu     sync.Mutex
	client mqtt.Client
	lost   atomic.Bool
}

func NewSession(cfg Config) *Session {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Session{cfg: cfg}
}

func (s *Session) options() *mqtt.ClientOptions {
	connAddr := fmt.Sprintf("tcp://%s:%d", s.cfg.Host, s.cfg.Port)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(connAddr)
	if s.cfg.User != "" {
		opts.SetUsername(s.cfg.User)
	}
	if s.cfg.Password != "" {
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetClientID(s.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetKeepAlive(s.cfg.KeepAlive)
	opts.SetPingTimeout(s.cfg.KeepAlive / 2)
	opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	opts.SetWriteTimeout(s.cfg.ConnectTimeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("warning: broker: connection to %s lost: %v", connAddr, err)
		s.lost.Store(true)
	})
	return opts
}

func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect performs the broker handshake, with user/password when configured.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil && s.client.IsConnectionOpen() {
		s.client.Disconnect(250)
	}
	client := mqtt.NewClient(s.options())
	if err := wait(ctx, client.Connect()); err != nil {
		return errors.Wrapf(err, "connect %s:%d", s.cfg.Host, s.cfg.Port)
	}
	s.client = client
	s.lost.Store(false)
	log.Printf("info: broker: connected to %s:%d as %s", s.cfg.Host, s.cfg.Port, s.cfg.ClientID)
	return nil
}

func (s *Session) current() mqtt.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) Connected() bool {
	c := s.current()
	return c != nil && !s.lost.Load() && c.IsConnectionOpen()
}

func (s *Session) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	c := s.current()
	if c == nil {
		return errors.New("no client")
	}
	if err := wait(ctx, c.Publish(topic, qos, retain, payload)); err != nil {
		return errors.Wrapf(err, "publish %s", topic)
	}
	return nil
}

func (s *Session) Subscribe(ctx context.Context, topic string, qos byte, h Handler) error {
	c := s.current()
	if c == nil {
		return errors.New("no client")
	}
	tok := c.Subscribe(topic, qos, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	if err := wait(ctx, tok); err != nil {
		return errors.Wrapf(err, "subscribe %s", topic)
	}
	return nil
}

// Disconnect closes the client if one is open. Safe to call repeatedly.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return
	}
	if s.client.IsConnectionOpen() {
		s.client.Disconnect(250)
		log.Println("info: broker: MQTT client disconnected")
	}
	s.client = nil
}
