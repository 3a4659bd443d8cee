package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/balanced/balanced/internal/reconcile"
)

const (
	contentTypeJSON   = "application/json"
	typeReconcileItem = "balanced.reconcile.item"
	typeResult        = "balanced.result"
)

// Publisher sends reconciliation items to an exchange. It implements
// reconcile.Queue.
type Publisher struct {
	ch       Channel
	exchange string
	key      string
	logger   *zap.Logger
	now      func() time.Time
}

// NewPublisher creates a Publisher that routes items with key on exchange.
// An empty exchange is the default exchange, where key names the queue.
func NewPublisher(ch Channel, exchange, key string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{ch: ch, exchange: exchange, key: key, logger: logger, now: time.Now}
}

// Enqueue publishes item as a persistent JSON message.
func (p *Publisher) Enqueue(ctx context.Context, item reconcile.Item) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("messaging: encode item: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s/%s/%d/%d", item.Adapter, item.Record.ID, item.Record.Version, item.Attempts),
		Timestamp:    p.now(),
		Type:         typeReconcileItem,
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, p.key, false, false, msg); err != nil {
		return fmt.Errorf("messaging: publish item: %w", err)
	}

	p.logger.Debug("reconciliation item published",
		zap.String("adapter", item.Adapter),
		zap.String("id", item.Record.ID),
		zap.Int64("version", item.Record.Version),
	)
	return nil
}

var _ reconcile.Queue = (*Publisher)(nil)
