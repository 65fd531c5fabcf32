package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/kjstillabower/city-weather-service/internal/observability"
)

// flushTimeout bounds how long Close waits for buffered records.
const flushTimeout = 10 * time.Second

// producer is the subset of *kgo.Client the publisher uses.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaPublisher produces refresh events keyed by city key, so all updates for
// one city land on the same partition in order.
type KafkaPublisher struct {
	topic  string
	client producer
	logger *zap.Logger
}

// NewKafkaPublisher connects to brokers. An empty topic uses DefaultTopic.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerLinger(50*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create producer: %w", err)
	}
	return newKafkaPublisher(client, topic, logger), nil
}

func newKafkaPublisher(client producer, topic string, logger *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{topic: topic, client: client, logger: logger}
}

// PublishRefresh encodes ev and hands it to the producer buffer. The caller's
// cancellation does not abort delivery.
func (p *KafkaPublisher) PublishRefresh(ctx context.Context, ev RefreshEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		observability.EventsPublishedTotal.WithLabelValues("encode_error").Inc()
		return fmt.Errorf("kafka: encode refresh event: %w", err)
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.CityKey),
		Value: value,
	}
	p.client.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			observability.EventsPublishedTotal.WithLabelValues("error").Inc()
			p.logger.Warn("refresh event delivery failed",
				zap.String("topic", r.Topic),
				zap.String("city_key", string(r.Key)),
				zap.Error(err),
			)
			return
		}
		observability.EventsPublishedTotal.WithLabelValues("success").Inc()
	})
	return nil
}

// Close flushes buffered records, then closes the client.
func (p *KafkaPublisher) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("kafka: flush: %w", err)
	}
	return nil
}
