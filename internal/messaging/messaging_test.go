package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balanced/balanced/internal/dispatch"
	"github.com/balanced/balanced/internal/reconcile"
	"github.com/balanced/balanced/internal/store/storetest"
	"github.com/balanced/balanced/internal/testutil"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	published  []published
	publishErr error
	deliveries chan amqp.Delivery
	consumed   []string
	prefetch   int
	declared   []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 8)}
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if autoAck {
		return nil, errors.New("autoAck not expected")
	}
	f.consumed = append(f.consumed, queue)
	return f.deliveries, nil
}

func (f *fakeChannel) Qos(prefetch, _ int, _ bool) error {
	f.prefetch = prefetch
	return nil
}

func (f *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	f.declared = append(f.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) sent() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

// acks records acknowledgments by delivery tag.
type acks struct {
	mu       sync.Mutex
	acked    []uint64
	rejected []uint64
	nacked   []uint64
}

func (a *acks) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, tag)
	return nil
}

func (a *acks) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, tag)
	return nil
}

func (a *acks) Reject(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejected = append(a.rejected, tag)
	return nil
}

func (a *acks) snapshot() (acked, rejected, nacked []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acked...), append([]uint64(nil), a.rejected...), append([]uint64(nil), a.nacked...)
}

type handlerFunc func(ctx context.Context, req dispatch.Request) dispatch.Result

func (f handlerFunc) Handle(ctx context.Context, req dispatch.Request) dispatch.Result { return f(ctx, req) }

func TestPublisher_Enqueue(t *testing.T) {
	ch := newFakeChannel()
	p := NewPublisher(ch, "balanced", "balanced.reconcile", nil)
	clock := testutil.NewClock(time.Time{}, time.Second)
	p.now = clock.Now

	rec := storetest.Record(t, "D1", 4, 150)
	item := reconcile.Item{Adapter: "cache", Record: rec, Op: reconcile.OpWrite, Attempts: 3}
	require.NoError(t, p.Enqueue(context.Background(), item))

	sent := ch.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "balanced", sent[0].exchange)
	assert.Equal(t, "balanced.reconcile", sent[0].key)
	assert.Equal(t, amqp.Persistent, sent[0].msg.DeliveryMode)
	assert.Equal(t, "application/json", sent[0].msg.ContentType)
	assert.Equal(t, "cache/D1/4/3", sent[0].msg.MessageId)
	assert.Equal(t, testutil.Epoch, sent[0].msg.Timestamp)

	var back reconcile.Item
	require.NoError(t, json.Unmarshal(sent[0].msg.Body, &back))
	assert.Equal(t, item, back)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(sent[0].msg.Body, &wire))
	assert.Contains(t, wire, "adapter_id")
	assert.Contains(t, wire, "attempt_count")
}

func TestPublisher_EnqueueError(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = amqp.ErrClosed
	p := NewPublisher(ch, "", "q", nil)

	err := p.Enqueue(context.Background(), reconcile.Item{Adapter: "cache"})
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestRequestConsumer_HandlesAndReplies(t *testing.T) {
	ch := newFakeChannel()
	ack := &acks{}

	var got []dispatch.Request
	h := handlerFunc(func(_ context.Context, req dispatch.Request) dispatch.Result {
		got = append(got, req)
		return dispatch.Result{RequestID: req.RequestID, Outcome: dispatch.OutcomeCommitted, DocumentID: req.DocumentID, Version: 4}
	})

	c := NewRequestConsumer(ch, "balanced.requests", 4, h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ch.deliveries <- amqp.Delivery{
		Acknowledger:  ack,
		DeliveryTag:   1,
		MessageId:     "msg-1",
		CorrelationId: "corr-1",
		ReplyTo:       "replies",
		Body: []byte(`{"kind":"patch","document_id":"D1","expected_version":3,
			"ops":[{"op":"replace","path":"amount","value":150}]}`),
	}

	require.Eventually(t, func() bool {
		acked, _, _ := ack.snapshot()
		return len(acked) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	require.Len(t, got, 1)
	assert.Equal(t, "msg-1", got[0].RequestID, "message id becomes the request id")
	assert.Equal(t, dispatch.KindPatch, got[0].Kind)
	assert.Equal(t, 4, ch.prefetch)
	assert.Equal(t, []string{"balanced.requests"}, ch.consumed)

	sent := ch.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "", sent[0].exchange)
	assert.Equal(t, "replies", sent[0].key)
	assert.Equal(t, "corr-1", sent[0].msg.CorrelationId)
	assert.JSONEq(t, `{"request_id":"msg-1","outcome":"committed","document_id":"D1","version":4}`, string(sent[0].msg.Body))
}

func TestRequestConsumer_DistinctDocumentsRunConcurrently(t *testing.T) {
	const n = 4
	ch := newFakeChannel()
	ack := &acks{}

	var active atomic.Int32
	var timedOut atomic.Int32
	all := make(chan struct{})
	h := handlerFunc(func(_ context.Context, req dispatch.Request) dispatch.Result {
		if active.Add(1) == n {
			close(all)
		}
		select {
		case <-all:
		case <-time.After(time.Second):
			timedOut.Add(1)
		}
		return dispatch.Result{RequestID: req.RequestID, Outcome: dispatch.OutcomeCommitted, DocumentID: req.DocumentID}
	})

	c := NewRequestConsumer(ch, "q", n, h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for i := 1; i <= n; i++ {
		ch.deliveries <- amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  uint64(i),
			MessageId:    fmt.Sprintf("msg-%d", i),
			Body:         []byte(fmt.Sprintf(`{"kind":"delete","document_id":"D%d","expected_version":1}`, i)),
		}
	}

	require.Eventually(t, func() bool {
		acked, _, _ := ack.snapshot()
		return len(acked) == n
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Zero(t, timedOut.Load(), "every handler must overlap with the others")
}

func TestRequestConsumer_InFlightFinishesAfterCancel(t *testing.T) {
	ch := newFakeChannel()
	ack := &acks{}

	started := make(chan struct{})
	proceed := make(chan struct{})
	var handleErr error
	h := handlerFunc(func(ctx context.Context, req dispatch.Request) dispatch.Result {
		close(started)
		<-proceed
		handleErr = ctx.Err()
		return dispatch.Result{RequestID: req.RequestID, Outcome: dispatch.OutcomeCommitted}
	})

	c := NewRequestConsumer(ch, "q", 2, h, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ch.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1,
		Body: []byte(`{"kind":"delete","document_id":"D1","expected_version":1}`)}
	<-started
	cancel()

	select {
	case err := <-done:
		t.Fatalf("consumer returned before the in-flight request finished: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.NoError(t, handleErr)
	acked, _, _ := ack.snapshot()
	assert.Equal(t, []uint64{1}, acked)
}

func TestRequestConsumer_MalformedRejected(t *testing.T) {
	ch := newFakeChannel()
	ack := &acks{}
	called := false
	h := handlerFunc(func(context.Context, dispatch.Request) dispatch.Result {
		called = true
		return dispatch.Result{}
	})

	c := NewRequestConsumer(ch, "q", 0, h, nil)
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 7, Body: []byte(`{"amount": 1.5`)})
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 8,
		Body: []byte(`{"kind":"create","document_id":"D1","body":{"amount":1.5}}`)})

	acked, rejected, _ := ack.snapshot()
	assert.Empty(t, acked)
	assert.Equal(t, []uint64{7, 8}, rejected)
	assert.False(t, called)
	assert.Empty(t, ch.sent())
}

func TestRequestConsumer_ReplyFailureStillAcks(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = errors.New("channel closed")
	ack := &acks{}
	h := handlerFunc(func(_ context.Context, req dispatch.Request) dispatch.Result {
		return dispatch.Result{RequestID: req.RequestID, Outcome: dispatch.OutcomeRejected}
	})

	c := NewRequestConsumer(ch, "q", 0, h, nil)
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, ReplyTo: "r",
		Body: []byte(`{"kind":"delete","document_id":"D1","expected_version":1}`)})

	acked, _, _ := ack.snapshot()
	assert.Equal(t, []uint64{3}, acked)
}

func TestConsume_ClosedDeliveries(t *testing.T) {
	ch := newFakeChannel()
	close(ch.deliveries)

	c := NewRequestConsumer(ch, "q", 0, handlerFunc(func(context.Context, dispatch.Request) dispatch.Result {
		return dispatch.Result{}
	}), nil)
	assert.ErrorIs(t, c.Run(context.Background()), ErrDeliveriesClosed)
}

func TestItemConsumer(t *testing.T) {
	ch := newFakeChannel()
	ack := &acks{}
	sink := reconcile.NewMemQueue()
	c := NewItemConsumer(ch, "balanced.reconcile", 0, sink, nil)

	item := reconcile.Item{Adapter: "cache", Record: storetest.Record(t, "D1", 4, 150), Op: reconcile.OpWrite, Attempts: 3}
	body, err := json.Marshal(item)
	require.NoError(t, err)

	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body})
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, Body: []byte(`{}`)})

	sink.Close()
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, Body: body})

	acked, rejected, nacked := ack.snapshot()
	assert.Equal(t, []uint64{1}, acked)
	assert.Equal(t, []uint64{2}, rejected)
	assert.Equal(t, []uint64{3}, nacked)
	assert.Equal(t, []reconcile.Item{item}, sink.Snapshot())
}

func TestDeclareQueues(t *testing.T) {
	ch := newFakeChannel()
	require.NoError(t, DeclareQueues(ch, DefaultConfig()))
	assert.Equal(t, []string{"balanced.requests", "balanced.reconcile"}, ch.declared)
}
