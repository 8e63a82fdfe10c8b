package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"quoterelay/internal/application/port"
	"quoterelay/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes every delivered update to a topic keyed by instrument
// name. Removing an instrument writes a tombstone so compacted topics drop it.
type Publisher struct {
	w     messageWriter
	topic string
}

func New(brokers []string, topic string) *Publisher {
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		Dialer:       dialer,
		BatchTimeout: 200 * time.Millisecond,
		RequiredAcks: int(kafka.RequireOne),
	})
	return &Publisher{w: w, topic: topic}
}

// EnsureTopic attempts to create the topic (best-effort).
func EnsureTopic(ctx context.Context, broker, topic string) {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		log.Warn().Err(err).Str("broker", broker).Msg("kafka: dial for topic creation failed")
		return
	}
	defer conn.Close()

	err = conn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		log.Debug().Err(err).Str("topic", topic).Msg("kafka: create topic (ok if exists)")
	}
}

func (p *Publisher) Name() string { return "kafka" }

func (p *Publisher) MirrorUpdate(ctx context.Context, u domain.NormalizedUpdate) error {
	b, err := json.Marshal(domain.NewPriceMessage(u))
	if err != nil {
		return err
	}
	ts := u.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(u.Symbol), Value: b, Time: ts})
}

func (p *Publisher) RemoveSymbol(ctx context.Context, name string) error {
	return p.w.WriteMessages(ctx, kafka.Message{Key: []byte(name)})
}

func (p *Publisher) Close() error { return p.w.Close() }

var _ port.UpdateMirror = (*Publisher)(nil)
