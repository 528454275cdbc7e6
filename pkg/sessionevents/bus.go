// Package sessionevents carries assistant session updates over watermill,
// in memory by default or over Redis Streams.
package sessionevents

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/sidekick/pkg/logging"
)

// Settings holds the transport configuration.
type Settings struct {
	RedisEnabled  bool   `mapstructure:"redis-enabled" yaml:"redis-enabled"`
	RedisAddr     string `mapstructure:"redis-addr" yaml:"redis-addr"`
	RedisGroup    string `mapstructure:"redis-group" yaml:"redis-group"`
	RedisConsumer string `mapstructure:"redis-consumer" yaml:"redis-consumer"`
}

// Topic is the watermill topic carrying the updates of one session.
func Topic(sessionID string) string { return "assistant:" + sessionID }

// Bus owns the publisher and knows how to build per-session subscribers.
type Bus struct {
	settings  Settings
	logger    watermill.LoggerAdapter
	publisher message.Publisher
	local     *gochannel.GoChannel
	redis     *redis.Client
}

// NewBus builds an in-memory bus, or a Redis Streams bus when enabled.
func NewBus(s Settings) (*Bus, error) {
	b := &Bus{settings: s, logger: logging.NewWatermill(log.Logger)}
	if !s.RedisEnabled {
		// publishing waits for the ack so a topic is delivered in order
		b.local = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, b.logger)
		b.publisher = b.local
		return b, nil
	}

	b.redis = redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     b.redis,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, b.logger)
	if err != nil {
		_ = b.redis.Close()
		return nil, errors.Wrap(err, "could not create redis stream publisher")
	}
	b.publisher = pub
	return b, nil
}

func (b *Bus) Publisher() message.Publisher { return b.publisher }

func (b *Bus) RedisEnabled() bool { return b.settings.RedisEnabled }

// Subscriber returns a subscriber for the session's topic. owned reports
// whether the caller is responsible for closing it; the in-memory subscriber
// is shared and must not be closed.
func (b *Bus) Subscriber(ctx context.Context, sessionID string) (sub message.Subscriber, owned bool, err error) {
	if sessionID == "" {
		return nil, false, errors.New("session id is empty")
	}
	if b.local != nil {
		return b.local, false, nil
	}
	topic := Topic(sessionID)
	if err := EnsureGroupAtTail(ctx, b.redis, topic, b.settings.RedisGroup); err != nil {
		return nil, false, errors.Wrapf(err, "could not create consumer group for %s", topic)
	}
	s, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.redis,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: b.settings.RedisGroup,
		Consumer:      b.settings.RedisConsumer + ":" + sessionID,
	}, b.logger)
	if err != nil {
		return nil, false, errors.Wrap(err, "could not create redis stream subscriber")
	}
	return s, true, nil
}

func (b *Bus) Close() error {
	err := b.publisher.Close()
	if b.redis != nil {
		if cerr := b.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// EnsureGroupAtTail creates the consumer group at the end of the stream so a
// new subscriber does not replay old updates. An existing group is fine.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
