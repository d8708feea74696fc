package broker

import (
	"context"
	"crypto/sha256"
	"log"
	"sync"
	"time"

	"github.com/LeonardoBeccarini/powermon/pkg/dedup"
)

// Subscriber registers a handler for a topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, qos byte, h Handler) error
}

// MessageID extracts the sender's message id from a payload, "" when the
// payload carries none.
type MessageID func(payload []byte) string

// Consumer dispatches messages of one topic to a handler, dropping QoS 1
// redeliveries. Messages with an id are deduplicated on it; without one only
// an immediate repeat of the last payload within the window is dropped, so
// alternating commands always get through.
type Consumer struct {
	sub     Subscriber
	topic   string
	qos     byte
	handler func(topic string, payload []byte) error
	msgID   MessageID
	deduper *dedup.Deduper
	window  time.Duration
	now     func() time.Time

	mu     sync.Mutex
	last   [sha256.Size]byte
	lastAt time.Time
}

func NewConsumer(sub Subscriber, topic string, qos byte, handler func(topic string, payload []byte) error) *Consumer {
	return &Consumer{
		sub:     sub,
		topic:   topic,
		qos:     qos,
		handler: handler,
		deduper: dedup.New(2*time.Minute, 1000),
		window:  2 * time.Minute,
		now:     time.Now,
	}
}

// WithMessageID enables deduplication on the sender's message id.
func (c *Consumer) WithMessageID(fn MessageID) *Consumer { c.msgID = fn; return c }

// Start subscribes; the subscription survives reconnects of the subscriber.
func (c *Consumer) Start(ctx context.Context) error {
	return c.sub.Subscribe(ctx, c.topic, c.qos, c.dispatch)
}

func (c *Consumer) duplicate(payload []byte) bool {
	if c.msgID != nil {
		if id := c.msgID(payload); id != "" {
			return !c.deduper.ShouldProcess(id)
		}
	}
	sum := sha256.Sum256(payload)
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastAt.IsZero() && sum == c.last && now.Sub(c.lastAt) < c.window {
		return true
	}
	c.last, c.lastAt = sum, now
	return false
}

func (c *Consumer) dispatch(topic string, payload []byte) {
	if c.duplicate(payload) {
		log.Printf("debug: broker: duplicate message on %s ignored", topic)
		return
	}
	if c.handler == nil {
		log.Printf("warning: broker: no handler set for topic %s", topic)
		return
	}
	if err := c.handler(topic, payload); err != nil {
		log.Printf("error: broker: handling message on %s: %v", topic, err)
	}
}
