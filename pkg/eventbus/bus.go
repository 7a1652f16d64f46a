package eventbus

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// subscriberBuffer is how many envelopes a reader holds before publishers
// start waiting on it.
const subscriberBuffer = 256

// Bus carries stream envelopes between the process reading a turn and any
// number of readers, either in process or over Redis Streams.
type Bus struct {
	settings Settings
	logger   zerolog.Logger
	wmLogger watermill.LoggerAdapter

	publisher message.Publisher
	// shared is the in-process subscriber; nil when redis is enabled.
	shared message.Subscriber

	mu      sync.Mutex
	closers []func() error
	closed  bool
}

type Option func(*Bus)

func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// Build returns a Redis Streams bus when settings.Enabled, an in-memory one
// otherwise.
func Build(s Settings, options ...Option) (*Bus, error) {
	b := &Bus{settings: s, logger: log.Logger}
	for _, opt := range options {
		opt(b)
	}
	b.logger = b.logger.With().Str("component", "eventbus").Logger()
	b.wmLogger = NewWatermillLogger(b.logger)

	if !s.Enabled {
		// Publish waits for every subscriber to ack, which keeps envelopes
		// in publish order.
		gc := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            subscriberBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, b.wmLogger)
		b.publisher = gc
		b.shared = gc
		b.closers = append(b.closers, gc.Close)
		return b, nil
	}

	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redis address is empty")
	}
	client := b.newClient()
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, b.wmLogger)
	if err != nil {
		_ = closeClient(client)
		return nil, errors.Wrap(err, "build redis publisher")
	}
	b.publisher = pub
	b.closers = append(b.closers, pub.Close, func() error { return closeClient(client) })
	return b, nil
}

func (b *Bus) RedisEnabled() bool { return b != nil && b.settings.Enabled }

// Publish sends e on the topic of its thread.
func (b *Bus) Publish(e Envelope) error {
	if b == nil || b.publisher == nil {
		return errors.New("event bus is not initialized")
	}
	if err := e.validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("kind", string(e.Kind))
	msg.Metadata.Set("turn_id", e.TurnID)
	return errors.Wrap(b.publisher.Publish(TopicForThread(e.ThreadID), msg), "publish envelope")
}

// Subscribe streams the envelopes of threadID until ctx is done. With redis
// each call joins the configured group at the tail of the stream under its
// own consumer name.
func (b *Bus) Subscribe(ctx context.Context, threadID string) (<-chan Envelope, error) {
	if b == nil || b.publisher == nil {
		return nil, errors.New("event bus is not initialized")
	}
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if strings.TrimSpace(threadID) == "" {
		return nil, errors.New("thread id is empty")
	}

	sub := b.shared
	release := func() {}
	if sub == nil {
		client := b.newClient()
		if err := EnsureGroupAtTail(ctx, client, TopicForThread(threadID), b.settings.Group); err != nil {
			_ = closeClient(client)
			return nil, err
		}
		rsub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
			Client:        client,
			Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
			ConsumerGroup: b.settings.Group,
			Consumer:      b.settings.Consumer + ":" + threadID,
		}, b.wmLogger)
		if err != nil {
			_ = closeClient(client)
			return nil, errors.Wrap(err, "build redis subscriber")
		}
		sub = rsub
		release = func() {
			if err := rsub.Close(); err != nil {
				b.logger.Warn().Err(err).Str("thread_id", threadID).Msg("subscriber close failed")
			}
			_ = closeClient(client)
		}
	}

	msgs, err := sub.Subscribe(ctx, TopicForThread(threadID))
	if err != nil {
		release()
		return nil, errors.Wrap(err, "subscribe")
	}

	logger := b.logger.With().Str("thread_id", threadID).Logger()
	out := make(chan Envelope, subscriberBuffer)
	go func() {
		defer close(out)
		defer release()
		seq := &sequencer{}
		for msg := range msgs {
			env, err := decodeEnvelope(msg.Payload)
			if err != nil {
				logger.Warn().Err(err).Msg("dropping undecodable envelope")
				msg.Ack()
				continue
			}
			env.StreamID = streamIDOf(msg)
			env.Seq = seq.next(env.StreamID)
			select {
			case out <- env:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (b *Bus) newClient() *redis.Client {
	return redis.NewClient(&redis.Options{Addr: b.settings.Addr})
}

// closeClient tolerates clients already closed by their watermill owner.
func closeClient(c *redis.Client) error {
	if err := c.Close(); err != nil && !stderrors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}

// EnsureGroupAtTail creates group on stream at "$" unless it exists, so a new
// reader does not replay history.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	if client == nil {
		return errors.New("redis client is nil")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
