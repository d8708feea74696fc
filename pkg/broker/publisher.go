package broker

import (
	"context"
	"log"
	"strconv"
)

// Sink is anything that can deliver a payload to a topic.
type Sink interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// IPublisher publishes text payloads to one fixed topic.
type IPublisher interface {
	PublishMessage(ctx context.Context, message string) error
	Topic() string
}

// Publisher holds the sink and the fixed topic
type Publisher struct {
	sink  Sink
	topic string
}

func NewPublisher(sink Sink, topic string) *Publisher {
	return &Publisher{sink: sink, topic: topic}
}

func (p *Publisher) Topic() string { return p.topic }

// PublishMessage publishes message to the publisher's topic
func (p *Publisher) PublishMessage(ctx context.Context, message string) error {
	if err := p.sink.Publish(ctx, p.topic, []byte(message)); err != nil {
		return err
	}
	log.Printf("debug: broker: '%s' published to '%s'", message, p.topic)
	return nil
}

// FormatFloat is the decimal text encoding used for measured values.
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

// FormatUnix encodes an instant as decimal epoch seconds.
func FormatUnix(sec int64) string {
	return strconv.FormatInt(sec, 10)
}

// RetainedPolicy returns QoS 1 with retain for the given topics and QoS 0
// without retain for every other topic.
func RetainedPolicy(topics ...string) func(topic string) (byte, bool) {
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	return func(topic string) (byte, bool) {
		if _, ok := set[topic]; ok {
			return 1, true
		}
		return 0, false
	}
}
