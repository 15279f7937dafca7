// Package consumer runs a Kafka consumer-group loop with at-least-once
// delivery: an offset is committed only after the handler accepted the
// record, and a failing record is retried in place so nothing behind it on
// the partition is committed first.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a consumed record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes one message. Returning nil commits the offset. Returning
// an error leaves it uncommitted and the message is retried; handlers must
// return nil for messages that can never succeed.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// Client is the subset of *kgo.Client the loop drives.
type Client interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	AllowRebalance()
	Close()
}

// Config describes the group membership.
type Config struct {
	Brokers  []string
	Topic    string
	GroupID  string
	ClientID string
}

// NewClient creates a group client that starts from the earliest offset for
// a new group and never commits on its own.
func NewClient(cfg Config) (*kgo.Client, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one kafka broker is required")
	}
	if cfg.Topic == "" || cfg.GroupID == "" {
		return nil, errors.New("kafka topic and group id are required")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return cl, nil
}

type Consumer struct {
	client     Client
	handler    Handler
	logger     *slog.Logger
	maxPoll    int
	backoff    time.Duration
	maxBackoff time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRetryBackoff sets the initial and maximum delay between attempts on a
// failing message.
func WithRetryBackoff(initial, maximum time.Duration) Option {
	return func(c *Consumer) {
		if initial > 0 {
			c.backoff = initial
		}
		if maximum >= c.backoff {
			c.maxBackoff = maximum
		}
	}
}

// WithMaxPollRecords caps the records returned per poll.
func WithMaxPollRecords(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxPoll = n
		}
	}
}

func New(client Client, handler Handler, opts ...Option) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("kafka client is required")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	c := &Consumer{
		client:     client,
		handler:    handler,
		logger:     slog.Default(),
		maxPoll:    100,
		backoff:    500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until ctx is cancelled. A record already handed to the handler
// is allowed to finish and commit after cancellation; records not yet started
// stay uncommitted and are redelivered to the next group member.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		fetches := c.client.PollRecords(ctx, c.maxPoll)
		if fetches.IsClientClosed() {
			return nil
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			c.logger.ErrorContext(ctx, "kafka fetch error",
				"topic", fe.Topic,
				"partition", fe.Partition,
				"error", fe.Err,
			)
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			if ctx.Err() != nil {
				break
			}
			if err := c.process(ctx, iter.Next()); err != nil {
				break
			}
		}
		c.client.AllowRebalance()
	}
}

// process handles one record until it succeeds or ctx is cancelled while
// waiting to retry.
func (c *Consumer) process(ctx context.Context, rec *kgo.Record) error {
	msg := toMessage(rec)
	// In-flight work outlives shutdown; the handler bounds its own writes.
	handleCtx := context.WithoutCancel(ctx)
	backoff := c.backoff

	for attempt := 1; ; attempt++ {
		err := c.handler.Handle(handleCtx, msg)
		if err == nil {
			if err := c.client.CommitRecords(handleCtx, rec); err != nil {
				c.logger.ErrorContext(ctx, "failed to commit offset, message may be redelivered",
					"topic", rec.Topic,
					"partition", rec.Partition,
					"offset", rec.Offset,
					"error", err,
				)
			}
			return nil
		}

		c.logger.WarnContext(ctx, "message handling failed, retrying",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

// Close leaves the group and releases the client.
func (c *Consumer) Close() {
	c.client.Close()
}

func toMessage(rec *kgo.Record) *Message {
	msg := &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
	}
	if len(rec.Headers) > 0 {
		msg.Headers = make(map[string]string, len(rec.Headers))
		for _, h := range rec.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
