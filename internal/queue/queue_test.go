package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAcknowledger struct {
	acks    int
	nacks   int
	requeue bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.acks++
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return errors.New("unexpected reject")
}

func delivery(ack amqp.Acknowledger, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, Body: []byte(body)}
}

func TestDispatchAcksOnSuccess(t *testing.T) {
	c := New("amqp://unused")
	ack := &fakeAcknowledger{}

	var got []byte
	c.dispatch(context.Background(), delivery(ack, `{"ok":true}`), func(ctx context.Context, body []byte) error {
		got = body
		return nil
	})

	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
	assert.JSONEq(t, `{"ok":true}`, string(got))
}

func TestDispatchDropsMalformed(t *testing.T) {
	c := New("amqp://unused")
	ack := &fakeAcknowledger{}

	c.dispatch(context.Background(), delivery(ack, "not json"), func(ctx context.Context, body []byte) error {
		return Malformed(errors.New("invalid payload"))
	})

	// Malformed messages are acked so they never cycle through the queue.
	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
}

func TestDispatchRequeuesTransientErrors(t *testing.T) {
	c := New("amqp://unused")
	ack := &fakeAcknowledger{}

	c.dispatch(context.Background(), delivery(ack, "{}"), func(ctx context.Context, body []byte) error {
		return errors.New("database unavailable")
	})

	assert.Zero(t, ack.acks)
	assert.Equal(t, 1, ack.nacks)
	assert.True(t, ack.requeue)
}

func TestIsMalformed(t *testing.T) {
	base := errors.New("bad field")

	assert.False(t, IsMalformed(base))
	assert.True(t, IsMalformed(Malformed(base)))
	assert.True(t, IsMalformed(fmt.Errorf("handling message: %w", Malformed(base))))

	// Unwrap exposes the original cause.
	assert.ErrorIs(t, Malformed(base), base)
}

func TestSleepCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, time.Minute))

	require.True(t, sleepCtx(context.Background(), time.Millisecond))
}
