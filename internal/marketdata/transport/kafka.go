package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka backend. Every channel maps to a topic of
// the same name.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	GroupID      string        `mapstructure:"group_id"`
	MinBytes     int           `mapstructure:"min_bytes"`
	MaxBytes     int           `mapstructure:"max_bytes"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// KafkaBackend carries batches over Kafka topics. Writers are created per
// topic on first use and reused.
type KafkaBackend struct {
	cfg    KafkaConfig
	logger *zap.Logger

	mu      sync.Mutex
	writers map[string]*kafka.Writer
	readers map[*kafka.Reader]struct{}
	closed  bool
}

func NewKafkaBackend(cfg KafkaConfig, logger *zap.Logger) *KafkaBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &KafkaBackend{
		cfg:     cfg,
		logger:  logger.Named("kafka"),
		writers: make(map[string]*kafka.Writer),
		readers: make(map[*kafka.Reader]struct{}),
	}
}

func (k *KafkaBackend) writer(topic string) (*kafka.Writer, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil, ErrBackendClosed
	}
	w, ok := k.writers[topic]
	if !ok {
		w = &kafka.Writer{
			Addr:         kafka.TCP(k.cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: k.cfg.BatchTimeout,
		}
		k.writers[topic] = w
	}
	return w, nil
}

func (k *KafkaBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	w, err := k.writer(channel)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, kafka.Message{Value: payload}); err != nil {
		return fmt.Errorf("failed to write to kafka topic %s: %w", channel, err)
	}
	return nil
}

func (k *KafkaBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil, ErrBackendClosed
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  k.cfg.Brokers,
		GroupID:  k.cfg.GroupID,
		Topic:    channel,
		MinBytes: k.cfg.MinBytes,
		MaxBytes: k.cfg.MaxBytes,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			k.logger.Sugar().Errorf(msg, args...)
		}),
	})
	k.readers[reader] = struct{}{}
	k.mu.Unlock()

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer k.release(reader)
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
					k.logger.Warn("Kafka reader stopped", zap.String("topic", channel), zap.Error(err))
				}
				return
			}
			select {
			case out <- msg.Value:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (k *KafkaBackend) release(r *kafka.Reader) {
	k.mu.Lock()
	_, ok := k.readers[r]
	delete(k.readers, r)
	k.mu.Unlock()
	if ok {
		if err := r.Close(); err != nil {
			k.logger.Debug("Failed to close kafka reader", zap.Error(err))
		}
	}
}

// Close closes every writer and reader.
func (k *KafkaBackend) Close() error {
	k.mu.Lock()
	k.closed = true
	writers := k.writers
	readers := k.readers
	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[*kafka.Reader]struct{})
	k.mu.Unlock()

	var errs []error
	for _, w := range writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Topics lists the topics that have a writer.
func (k *KafkaBackend) Topics() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	topics := make([]string, 0, len(k.writers))
	for t := range k.writers {
		topics = append(topics, t)
	}
	return topics
}
