// Package stream connects the detector to message brokers: transactions are
// consumed from Kafka and anomalies are published to NATS.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/kafka"

	"github.com/mbd888/geoanomaly/internal/detector"
	"github.com/mbd888/geoanomaly/internal/ingest"
	"github.com/mbd888/geoanomaly/internal/metrics"
	"github.com/mbd888/geoanomaly/internal/txn"
)

// Consumer tuning.
const (
	pollTimeoutMs  = 100
	minCommitCount = 20
)

// Processor handles one message value. Errors wrapping txn.ErrInvalidInput
// mark the message as unprocessable; it is skipped rather than retried.
type Processor func(ctx context.Context, value []byte) error

// NewScoringProcessor decodes each message as a transaction payload and
// scores it.
func NewScoringProcessor(n *ingest.Normalizer, d *detector.Detector) Processor {
	return func(ctx context.Context, value []byte) error {
		tx, err := n.Decode(ctx, value)
		if err != nil {
			return err
		}
		_, err = d.ProcessTransaction(ctx, tx)
		return err
	}
}

// kafkaConsumer is the subset of *kafka.Consumer the loop needs.
type kafkaConsumer interface {
	SubscribeTopics(topics []string, cb kafka.RebalanceCb) error
	Poll(timeoutMs int) kafka.Event
	Commit() ([]kafka.TopicPartition, error)
	Close() error
}

// KafkaConfig configures the transaction consumer.
type KafkaConfig struct {
	Brokers []string
	GroupID string
	Topic   string
}

// KafkaConsumer feeds transactions from a Kafka topic into a Processor.
// Offsets are committed manually every minCommitCount messages and on close,
// so delivery is at least once.
type KafkaConsumer struct {
	consumer kafkaConsumer
	topic    string
	process  Processor
	logger   *slog.Logger

	pending int
}

// NewKafkaConsumer connects to the brokers in cfg.
func NewKafkaConsumer(cfg KafkaConfig, process Processor, logger *slog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	c, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":  strings.Join(cfg.Brokers, ","),
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "smallest",
		"enable.auto.commit": "false",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	return newKafkaConsumer(c, cfg.Topic, process, logger), nil
}

func newKafkaConsumer(c kafkaConsumer, topic string, process Processor, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{consumer: c, topic: topic, process: process, logger: logger}
}

// Run subscribes and consumes until ctx is cancelled or the broker reports a
// fatal error. The consumer is closed on return.
func (k *KafkaConsumer) Run(ctx context.Context) error {
	if err := k.consumer.SubscribeTopics([]string{k.topic}, nil); err != nil {
		_ = k.consumer.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", k.topic, err)
	}
	k.logger.Info("kafka consumer started", "topic", k.topic)

	defer func() {
		k.commit()
		if err := k.consumer.Close(); err != nil {
			k.logger.Warn("failed to close kafka consumer", "error", err)
		}
		k.logger.Info("kafka consumer stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		switch e := k.consumer.Poll(pollTimeoutMs).(type) {
		case nil:
		case *kafka.Message:
			k.handleMessage(ctx, e)
		case kafka.PartitionEOF:
			k.logger.Debug("reached end of partition", "partition", e.String())
		case kafka.Error:
			if e.IsFatal() {
				return fmt.Errorf("kafka fatal error: %w", e)
			}
			k.logger.Warn("kafka error", "error", e)
		default:
			k.logger.Debug("ignored kafka event", "event", e.String())
		}
	}
}

func (k *KafkaConsumer) handleMessage(ctx context.Context, msg *kafka.Message) {
	err := k.process(ctx, msg.Value)
	switch {
	case err == nil:
		metrics.StreamMessagesTotal.WithLabelValues("kafka", "processed").Inc()
	case errors.Is(err, txn.ErrInvalidInput):
		metrics.StreamMessagesTotal.WithLabelValues("kafka", "invalid").Inc()
		k.logger.Warn("skipping invalid transaction message", "offset", msg.TopicPartition.Offset.String(), "error", err)
	default:
		metrics.StreamMessagesTotal.WithLabelValues("kafka", "failed").Inc()
		k.logger.Error("failed to process transaction message", "offset", msg.TopicPartition.Offset.String(), "error", err)
	}

	k.pending++
	if k.pending >= minCommitCount {
		k.commit()
	}
}

func (k *KafkaConsumer) commit() {
	if k.pending == 0 {
		return
	}
	if _, err := k.consumer.Commit(); err != nil {
		k.logger.Warn("failed to commit offsets", "error", err)
		return
	}
	k.pending = 0
}
