// Package queue wraps the AMQP broker connection for the pipeline workers.
// Queues are durable, deliveries are persistent JSON, and consumers run with
// prefetch 1 so a crash never loses more than one in-flight message.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/safeops/buildwatch/internal/logging"
)

const (
	heartbeatInterval = 600 * time.Second

	reconnectDelayMin = 5 * time.Second
	reconnectDelayMax = 60 * time.Second
)

// MalformedError marks a message that can never succeed. Such messages are
// acknowledged and dropped instead of requeued.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string { return e.Err.Error() }
func (e *MalformedError) Unwrap() error { return e.Err }

// Malformed wraps an error so the consume loop drops the message.
func Malformed(err error) error {
	return &MalformedError{Err: err}
}

// IsMalformed reports whether err marks an undeliverable message.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

// HandlerFunc processes one message body. Returning nil acknowledges the
// message; a MalformedError acknowledges and drops it; any other error
// negatively acknowledges with requeue.
type HandlerFunc func(ctx context.Context, body []byte) error

// Info describes a queue's current state.
type Info struct {
	Queue     string `json:"queue"`
	Messages  int    `json:"messages"`
	Consumers int    `json:"consumers"`
}

// Client manages one AMQP connection and channel. All methods are safe for
// concurrent use.
type Client struct {
	url    string
	queues []string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel

	logger *logging.Logger
}

// New creates a Client for the given broker URL. The named queues are
// declared durable on every (re)connect.
func New(url string, queues ...string) *Client {
	return &Client{
		url:    url,
		queues: queues,
		logger: logging.GetLogger("queue"),
	}
}

// Connect dials the broker, opens a channel with prefetch 1, and declares
// the configured queues.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.ch != nil && !c.ch.IsClosed() {
		return nil
	}

	conn, err := amqp.DialConfig(c.url, amqp.Config{Heartbeat: heartbeatInterval})
	if err != nil {
		return fmt.Errorf("dialing broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("opening channel: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("setting qos: %w", err)
	}

	for _, q := range c.queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("declaring queue %s: %w", q, err)
		}
	}

	c.conn = conn
	c.ch = ch
	c.logger.InfoWithFields("broker connected", logging.Field("queues", c.queues))
	return nil
}

// channel returns a live channel, reconnecting if needed.
func (c *Client) channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	return c.ch, nil
}

// reset drops the current connection so the next call reconnects.
func (c *Client) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = nil
	c.ch = nil
}

// Publish sends v as a persistent JSON message to the queue.
func (c *Client) Publish(ctx context.Context, queueName string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}

	ch, err := c.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Body:         body,
	})
	if err != nil {
		c.reset()
		return fmt.Errorf("publishing to %s: %w", queueName, err)
	}
	return nil
}

// Consume processes messages from the queue until ctx is canceled. Broker
// failures trigger reconnection with exponential backoff from 5s to 60s,
// reset after a successful (re)subscribe.
func (c *Client) Consume(ctx context.Context, queueName string, handler HandlerFunc) error {
	delay := reconnectDelayMin

	for {
		if ctx.Err() != nil {
			return nil
		}

		started, err := c.consumeOnce(ctx, queueName, handler)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			delay = reconnectDelayMin
		}
		if err != nil {
			c.logger.WithFields(
				logging.Field("queue", queueName),
				logging.Field("retry_in", delay.String()),
			).ErrorWithErr("consumer error, reconnecting", err)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			delay *= 2
			if delay > reconnectDelayMax {
				delay = reconnectDelayMax
			}
		}
	}
}

// consumeOnce subscribes and dispatches deliveries until the channel dies or
// ctx is canceled. started reports whether the subscription succeeded.
func (c *Client) consumeOnce(ctx context.Context, queueName string, handler HandlerFunc) (bool, error) {
	ch, err := c.channel()
	if err != nil {
		return false, err
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		c.reset()
		return false, fmt.Errorf("subscribing to %s: %w", queueName, err)
	}

	c.logger.InfoWithFields("consuming", logging.Field("queue", queueName))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case d, ok := <-deliveries:
			if !ok {
				c.reset()
				return true, errors.New("delivery channel closed")
			}
			c.dispatch(ctx, d, handler)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, d amqp.Delivery, handler HandlerFunc) {
	err := handler(ctx, d.Body)
	switch {
	case err == nil:
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.ErrorWithErr("ack failed", ackErr)
		}
	case IsMalformed(err):
		c.logger.ErrorWithErr("dropping malformed message", err)
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.ErrorWithErr("ack failed", ackErr)
		}
	default:
		c.logger.ErrorWithErr("message handling failed, requeueing", err)
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.ErrorWithErr("nack failed", nackErr)
		}
	}
}

// Get fetches a single message without waiting. The handler's disposition
// rules apply. It returns false when the queue is empty.
func (c *Client) Get(ctx context.Context, queueName string, handler HandlerFunc) (bool, error) {
	ch, err := c.channel()
	if err != nil {
		return false, err
	}

	d, ok, err := ch.Get(queueName, false)
	if err != nil {
		c.reset()
		return false, fmt.Errorf("getting from %s: %w", queueName, err)
	}
	if !ok {
		return false, nil
	}

	c.dispatch(ctx, d, handler)
	return true, nil
}

// QueueInfo inspects a queue via passive declare. The inspection runs on a
// throwaway channel because a failed passive declare closes its channel.
func (c *Client) QueueInfo(queueName string) (Info, error) {
	c.mu.Lock()
	if err := c.connectLocked(); err != nil {
		c.mu.Unlock()
		return Info{}, err
	}
	conn := c.conn
	c.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return Info{}, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queueName, true, false, false, false, nil)
	if err != nil {
		return Info{}, fmt.Errorf("inspecting queue %s: %w", queueName, err)
	}

	return Info{
		Queue:     q.Name,
		Messages:  q.Messages,
		Consumers: q.Consumers,
	}, nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.ch = nil
	c.logger.Info("broker connection closed")
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
