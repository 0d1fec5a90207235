package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/mossy-p/session-relay/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	kafkaMaxRetries     = 3
	kafkaInitialBackoff = 100 * time.Millisecond
	kafkaMaxBackoff     = 5 * time.Second
)

// KafkaBroker publishes every envelope on one topic keyed by session id. Each
// relay process consumes with its own group so it sees every envelope.
type KafkaBroker struct {
	topic         string
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup
	mu            sync.RWMutex
	closed        bool
}

// NewKafkaBroker creates a new Kafka message broker
func NewKafkaBroker(brokers []string, topic, groupID string) (*KafkaBroker, error) {
	config := sarama.NewConfig()

	// Producer configuration
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy

	// Consumer configuration
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	config.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
	}

	return newKafkaBroker(topic, producer, consumerGroup), nil
}

func newKafkaBroker(topic string, producer sarama.SyncProducer, group sarama.ConsumerGroup) *KafkaBroker {
	return &KafkaBroker{topic: topic, producer: producer, consumerGroup: group}
}

// Publish sends the envelope with retry.
func (b *KafkaBroker) Publish(ctx context.Context, env Envelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	b.mu.RUnlock()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	kafkaMsg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(env.SessionID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("origin"), Value: []byte(env.Origin)},
			{Key: []byte("type"), Value: []byte(env.Type)},
		},
		Timestamp: time.Now(),
	}

	operation := func() error {
		_, _, err := b.producer.SendMessage(kafkaMsg)
		return err
	}

	backoffStrategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(kafkaInitialBackoff),
				backoff.WithMaxInterval(kafkaMaxBackoff),
			),
			kafkaMaxRetries,
		),
		ctx,
	)

	return backoff.RetryNotify(operation, backoffStrategy, func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(b.Type()).Inc()
		log.Warn().Str("module", "broker").Str("session_id", env.SessionID).Err(err).
			Dur("retry_in", d).Msg("retrying kafka publish")
	})
}

func (b *KafkaBroker) Subscribe(ctx context.Context) (<-chan Envelope, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	b.mu.RUnlock()

	envelopes := make(chan Envelope, 100)
	handler := &consumerGroupHandler{
		envelopes: envelopes,
		ready:     make(chan struct{}),
	}

	go func() {
		defer close(envelopes)
		for {
			// Consume returns on every rebalance and must be called again
			if err := b.consumerGroup.Consume(ctx, []string{b.topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				log.Error().Str("module", "broker").Err(err).Msg("kafka consume failed")
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		for err := range b.consumerGroup.Errors() {
			log.Error().Str("module", "broker").Err(err).Msg("kafka consumer group error")
		}
	}()

	select {
	case <-handler.ready:
		return envelopes, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for consumer to be ready")
	}
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (b *KafkaBroker) Type() string { return "kafka" }

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	envelopes chan<- Envelope
	ready     chan struct{}
	once      sync.Once
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case kafkaMsg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			env, err := decodeEnvelope(kafkaMsg.Value)
			if err != nil {
				log.Warn().Str("module", "broker").Int64("offset", kafkaMsg.Offset).Err(err).Msg("dropping undecodable envelope")
				session.MarkMessage(kafkaMsg, "")
				continue
			}
			select {
			case h.envelopes <- env:
			case <-session.Context().Done():
				return nil
			}
			session.MarkMessage(kafkaMsg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.SessionID == "" || len(env.Frame) == 0 {
		return Envelope{}, errors.New("envelope without session or frame")
	}
	return env, nil
}
