package kafka

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads one topic in a consumer group and commits each message only
// after its handler succeeded.
type Consumer struct {
	r     messageReader
	topic string
}

// NewConsumer joins groupID on topic. A new group starts from the newest
// offset: refresh requests older than the group are not worth replaying.
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers:           brokers,
		GroupID:           groupID,
		StartOffset:       kafka.LastOffset,
		MaxWait:           time.Second,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
	}
	if groupID != "" {
		cfg.GroupTopics = []string{topic}
	} else {
		cfg.Topic = topic
	}
	return &Consumer{r: kafka.NewReader(cfg), topic: topic}
}

func newConsumerWithReader(r messageReader, topic string) *Consumer {
	return &Consumer{r: r, topic: topic}
}

func (c *Consumer) Topic() string { return c.topic }

func (c *Consumer) Close() error {
	return c.r.Close()
}

// Consume runs handler for every message until ctx ends or something fails.
// Cancellation returns ctx.Err() unwrapped. A handler error stops the loop
// without a commit, so the message is redelivered to the group.
func (c *Consumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "fetch from %s", c.topic)
		}
		if err := handler(msg.Key, msg.Value); err != nil {
			slog.Error("kafka handler failed, message left uncommitted",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err.Error())
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrapf(err, "commit %s/%d@%d", msg.Topic, msg.Partition, msg.Offset)
		}
	}
}
