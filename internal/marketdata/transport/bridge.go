package transport

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Aidin1998/marketbus/internal/marketdata/record"
)

// Distributor accepts event batches.
type Distributor interface {
	Distribute(events []record.Event)
}

// Retriever hands out accumulated events, blocking until some are ready.
type Retriever interface {
	RetrieveBlocking(ctx context.Context, sink record.Sink) (bool, error)
}

// Bridge connects a Backend with the collector through a Codec.
type Bridge struct {
	codec   Codec
	backend Backend
	logger  *zap.Logger
}

func NewBridge(codec Codec, backend Backend, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{codec: codec, backend: backend, logger: logger.Named("bridge")}
}

// Ingest decodes every payload on channel and hands it to dst until ctx ends
// or the subscription closes. Undecodable payloads are logged and skipped.
func (b *Bridge) Ingest(ctx context.Context, channel string, dst Distributor) error {
	msgs, err := b.backend.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	b.logger.Info("Ingesting", zap.String("channel", channel))
	for payload := range msgs {
		events, err := b.codec.Decode(payload)
		if err != nil {
			b.logger.Warn("Dropping undecodable batch", zap.String("channel", channel), zap.Error(err))
			continue
		}
		if len(events) > 0 {
			dst.Distribute(events)
		}
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Pump drains src in batches of at most batchSize and publishes each batch
// on channel. It returns nil once src has nothing left to wait for and the
// context error when ctx ends first.
func (b *Bridge) Pump(ctx context.Context, channel string, src Retriever, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 256
	}
	buf := record.NewBuffer(batchSize)
	for {
		buf.Reset()
		if _, err := src.RetrieveBlocking(ctx, buf); err != nil {
			return err
		}
		if buf.Len() == 0 {
			return nil
		}
		payload, err := b.codec.Encode(buf.Events())
		if err != nil {
			return fmt.Errorf("failed to encode batch: %w", err)
		}
		if err := b.backend.Publish(ctx, channel, payload); err != nil {
			return err
		}
	}
}

// Publish encodes events and publishes them on channel.
func (b *Bridge) Publish(ctx context.Context, channel string, events []record.Event) error {
	payload, err := b.codec.Encode(events)
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}
	return b.backend.Publish(ctx, channel, payload)
}
