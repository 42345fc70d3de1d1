// Package kafka publishes transaction status events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kprom"

	"github.com/grassrootseconomics/cic-stack-v1-sub001/internal/domain/event"
)

type Config struct {
	Brokers          []string
	Topic            string
	MetricsNamespace string
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// Publisher implements event.Publisher on top of a franz-go client.
type Publisher struct {
	client producer
	closer func()
}

var _ event.Publisher = (*Publisher)(nil)

func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: no topic configured")
	}
	ns := cfg.MetricsNamespace
	if ns == "" {
		ns = "cic_eth"
	}
	m := kprom.NewMetrics(ns,
		kprom.Registerer(prometheus.DefaultRegisterer),
		kprom.Gatherer(prometheus.DefaultGatherer))
	cl, err := kgo.NewClient(
		kgo.WithHooks(m),
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchCompression(kgo.ZstdCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka: create client: %w", err)
	}
	return &Publisher{client: cl, closer: cl.Close}, nil
}

func newWithProducer(p producer) *Publisher {
	return &Publisher{client: p, closer: func() {}}
}

// Publish blocks until the broker acknowledges the record. Events with the
// same sender share a key and therefore a partition.
func (p *Publisher) Publish(ctx context.Context, e event.TxStatusEvent) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: marshal event %s: %w", e.TxHash, err)
	}
	rec := &kgo.Record{
		Key:   []byte(e.Key()),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "status", Value: []byte(e.StatusName)},
		},
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka: produce event %s: %w", e.TxHash, err)
	}
	return nil
}

func (p *Publisher) Close() {
	p.closer()
}
