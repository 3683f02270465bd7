package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"procodus.dev/crowdwatch/pkg/mq"
)

// bridgeTimeout bounds how long a single broker publish may take. The bridge
// is best-effort; ingestion does not wait on broker confirms.
const bridgeTimeout = 100 * time.Millisecond

// Bridge mirrors hub updates onto an AMQP queue so consumers outside this
// process can follow the realtime stream. Broker failures are logged and
// swallowed; the durable record already lives in the store.
type Bridge struct {
	logger *slog.Logger
	client mq.ClientInterface
}

// NewBridge creates a new Bridge instance.
func NewBridge(logger *slog.Logger, client mq.ClientInterface) (*Bridge, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	return &Bridge{logger: logger, client: client}, nil
}

// Publish serializes the update and pushes it to the broker without waiting
// for a confirmation.
func (b *Bridge) Publish(ctx context.Context, update Update) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}

	pushCtx, cancel := context.WithTimeout(ctx, bridgeTimeout)
	defer cancel()

	if err := b.client.UnsafePush(pushCtx, data); err != nil {
		return fmt.Errorf("failed to push update to broker: %w", err)
	}

	b.logger.Debug("update bridged to broker",
		"update_id", update.ID,
		"type", update.Type,
	)
	return nil
}

// Run consumes hub updates from the subscription and bridges each one until
// the subscription's channel closes or the context is cancelled.
func (b *Bridge) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			if err := b.Publish(ctx, update); err != nil {
				b.logger.Error("failed to bridge update",
					"update_id", update.ID,
					"error", err,
				)
			}
		}
	}
}
