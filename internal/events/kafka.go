package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by order id, so all events of one order
// land on the same partition.
type KafkaPublisher struct {
	orders         messageWriter
	reconciliation messageWriter
	logger         *zap.Logger
}

// NewKafkaWriter creates a writer for topic that waits for the leader acknowledgement.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}
}

// NewKafkaPublisher creates a publisher for the two topics.
func NewKafkaPublisher(brokers []string, orderTopic, reconciliationTopic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: at least one broker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		orders:         NewKafkaWriter(brokers, orderTopic),
		reconciliation: NewKafkaWriter(brokers, reconciliationTopic),
		logger:         logger,
	}, nil
}

func (p *KafkaPublisher) OrderStatusChanged(ctx context.Context, e OrderStatusChanged) error {
	e.Type = TypeOrderStatusChanged
	return p.write(ctx, p.orders, e.OrderID, e)
}

func (p *KafkaPublisher) ReconciliationRequired(ctx context.Context, e ReconciliationRequired) error {
	e.Type = TypeReconciliationRequired
	return p.write(ctx, p.reconciliation, e.OrderID, e)
}

func (p *KafkaPublisher) write(ctx context.Context, w messageWriter, key string, event any) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Detach from the request so a finished request does not abort the write.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	msg := kafka.Message{Key: []byte(key), Value: value, Time: time.Now()}
	if err := w.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("failed to publish event", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Close flushes and closes both writers.
func (p *KafkaPublisher) Close() error {
	return errors.Join(p.orders.Close(), p.reconciliation.Close())
}
