package kafka

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// HeaderContentType marks every payload as JSON for downstream consumers.
const HeaderContentType = "content-type"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Producer publishes case notifications and refresh requests. Messages are
// keyed by case id so one case stays ordered within its partition.
type Producer struct {
	w     messageWriter
	close func() error
	now   func() time.Time
}

func NewProducer(brokers []string) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
	return &Producer{w: w, close: w.Close, now: time.Now}
}

func newProducerWithWriter(w messageWriter) *Producer {
	return &Producer{w: w, now: time.Now}
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte) error {
	msg := kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Time:    p.now().UTC(),
		Headers: []kafka.Header{{Key: HeaderContentType, Value: []byte("application/json")}},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}

func (p *Producer) Close() error {
	if p.close == nil {
		return nil
	}
	return p.close()
}
