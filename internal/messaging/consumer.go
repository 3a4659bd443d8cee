package messaging

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/balanced/balanced/internal/dispatch"
	"github.com/balanced/balanced/internal/reconcile"
)

// Handler runs one request to a terminal Result.
// Implemented by *dispatch.Dispatcher.
type Handler interface {
	Handle(ctx context.Context, req dispatch.Request) dispatch.Result
}

// RequestConsumer feeds queued requests to a Handler and replies with the Result.
type RequestConsumer struct {
	ch       Channel
	queue    string
	tag      string
	prefetch int
	handler  Handler
	logger   *zap.Logger
	now      func() time.Time
}

// NewRequestConsumer creates a consumer of queue.
func NewRequestConsumer(ch Channel, queue string, prefetch int, h Handler, logger *zap.Logger) *RequestConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestConsumer{
		ch:       ch,
		queue:    queue,
		tag:      "balancedd-requests",
		prefetch: prefetch,
		handler:  h,
		logger:   logger,
		now:      time.Now,
	}
}

// Run consumes until ctx is done or the broker closes the channel.
func (c *RequestConsumer) Run(ctx context.Context) error {
	c.logger.Info("request consumer starting", zap.String("queue", c.queue))
	return consume(ctx, c.ch, c.queue, c.tag, c.prefetch, c.handle)
}

func (c *RequestConsumer) handle(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With(zap.String("message_id", d.MessageId), zap.String("correlation_id", d.CorrelationId))

	var req dispatch.Request
	if err := json.Unmarshal(d.Body, &req); err != nil {
		log.Warn("malformed request rejected", zap.Error(err))
		if rerr := d.Reject(false); rerr != nil {
			log.Error("reject failed", zap.Error(rerr))
		}
		return
	}
	if req.RequestID == "" {
		req.RequestID = d.MessageId
	}

	res := c.handler.Handle(ctx, req)

	if d.ReplyTo != "" {
		body, err := json.Marshal(res)
		if err == nil {
			err = c.ch.PublishWithContext(context.WithoutCancel(ctx), "", d.ReplyTo, false, false, amqp.Publishing{
				ContentType:   contentTypeJSON,
				CorrelationId: d.CorrelationId,
				Timestamp:     c.now(),
				Type:          typeResult,
				Body:          body,
			})
		}
		if err != nil {
			// the outcome is already final; redelivery would only replay it
			log.Error("reply failed", zap.String("reply_to", d.ReplyTo), zap.Error(err))
		}
	}

	if err := d.Ack(false); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

// ItemConsumer moves reconciliation items from the broker into a local queue
// drained by a reconcile.Reconciler.
type ItemConsumer struct {
	ch       Channel
	queue    string
	tag      string
	prefetch int
	sink     reconcile.Queue
	logger   *zap.Logger
}

// NewItemConsumer creates a consumer of queue that enqueues into sink.
func NewItemConsumer(ch Channel, queue string, prefetch int, sink reconcile.Queue, logger *zap.Logger) *ItemConsumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ItemConsumer{ch: ch, queue: queue, tag: "balancedd-reconcile", prefetch: prefetch, sink: sink, logger: logger}
}

// Run consumes until ctx is done or the broker closes the channel.
func (c *ItemConsumer) Run(ctx context.Context) error {
	c.logger.Info("reconcile consumer starting", zap.String("queue", c.queue))
	return consume(ctx, c.ch, c.queue, c.tag, c.prefetch, c.handle)
}

func (c *ItemConsumer) handle(ctx context.Context, d amqp.Delivery) {
	var item reconcile.Item
	if err := json.Unmarshal(d.Body, &item); err != nil || item.Adapter == "" {
		c.logger.Warn("malformed reconciliation item rejected", zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Reject(false)
		return
	}
	if err := c.sink.Enqueue(ctx, item); err != nil {
		// leave it on the broker for the next consumer
		c.logger.Warn("reconciliation item requeued", zap.String("message_id", d.MessageId), zap.Error(err))
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}
