package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queueReader hands out queued messages, then blocks until ctx ends
type queueReader struct {
	mu      sync.Mutex
	queue   []kafka.Message
	commits []int64
	drained chan struct{}
	once    sync.Once
}

func newQueueReader(offsets ...int64) *queueReader {
	r := &queueReader{drained: make(chan struct{})}
	for _, off := range offsets {
		r.queue = append(r.queue, kafka.Message{Offset: off, Value: []byte(`{}`)})
	}
	return r
}

func (r *queueReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	r.once.Do(func() { close(r.drained) })
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *queueReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.commits = append(r.commits, m.Offset)
	}
	return nil
}

func (r *queueReader) Close() error { return nil }

func (r *queueReader) committed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.commits...)
}

func testConsumer(r MessageReader) *Consumer {
	c := NewConsumerWithReader(r, "reconciliation")
	c.retryBackoff = time.Millisecond
	c.maxBackoff = 4 * time.Millisecond
	return c
}

func TestConsumerRetriesFailedMessageBeforeMovingOn(t *testing.T) {
	r := newQueueReader(10, 11)
	c := testConsumer(r)

	var (
		mu    sync.Mutex
		seen  []int64
		fails = 3
	)
	handler := func(ctx context.Context, msg kafka.Message) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Offset)
		if msg.Offset == 10 && fails > 0 {
			fails--
			return errors.New("db: connection reset")
		}
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.StartConsuming(ctx, handler) }()

	<-r.drained
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{10, 10, 10, 10, 11}, seen)
	assert.Equal(t, []int64{10, 11}, r.committed())
}

func TestConsumerCommitsMalformedMessages(t *testing.T) {
	r := newQueueReader(7)
	r.queue[0].Value = []byte("{not json")
	c := testConsumer(r)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.StartConsuming(ctx, NewEventHandler().HandleMessage) }()

	<-r.drained
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []int64{7}, r.committed())
}

func TestConsumerStopsRetryingWhenCancelled(t *testing.T) {
	r := newQueueReader(3, 4)
	c := testConsumer(r)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	handler := func(ctx context.Context, msg kafka.Message) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("still failing")
	}

	err := c.StartConsuming(ctx, handler)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, calls)
	assert.Empty(t, r.committed(), "an unhandled message must not be committed")
}
