package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"
)

// Connect accepts either a redis:// URL or a bare host:port.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, parseErr := redis.ParseURL(redisURL)
		if parseErr != nil {
			return nil, errors.Wrap(parseErr, "parse redis url")
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

type redisPubSub interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisBroadcaster carries broadcasts over Redis PUBLISH/SUBSCRIBE so that
// several server processes share one notification channel. Redis keeps
// nothing: a subscriber that is not connected when a message is published
// never sees it.
type RedisBroadcaster struct {
	client redisPubSub
	clock  func() time.Time
}

func NewRedisBroadcaster(client *redis.Client) *RedisBroadcaster {
	return newRedisBroadcaster(client)
}

func newRedisBroadcaster(client redisPubSub) *RedisBroadcaster {
	return &RedisBroadcaster{client: client, clock: time.Now}
}

func (b *RedisBroadcaster) PublishBroadcast(ctx context.Context, channel, event string, payload []byte) error {
	blob, err := encodeEnvelope(event, payload, b.clock().UTC())
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, blob).Err(); err != nil {
		return errors.Wrapf(err, "redis publish channel=%s", channel)
	}
	return nil
}

func (b *RedisBroadcaster) SubscribeBroadcast(channel, event string, fn func(Envelope)) (Subscription, error) {
	ctx, cancel := context.WithCancel(context.Background())
	ps := b.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so publishes after this call
	// returns are not missed.
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, errors.Wrapf(err, "redis subscribe channel=%s", channel)
	}
	sub := &redisSub{ps: ps, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range ps.Channel() {
			dispatchRedisPayload(event, msg.Payload, fn)
		}
	}()
	return sub, nil
}

type redisSub struct {
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		if err := s.ps.Close(); err != nil {
			jww.DEBUG.Printf("redis unsubscribe close err=%v", err)
		}
	})
}

func encodeEnvelope(event string, payload []byte, at time.Time) ([]byte, error) {
	if len(payload) == 0 {
		payload = []byte("null")
	}
	if !json.Valid(payload) {
		return nil, errors.New("broadcast payload is not valid json")
	}
	blob, err := json.Marshal(Envelope{Event: event, Payload: payload, At: at})
	if err != nil {
		return nil, errors.Wrap(err, "encode broadcast envelope")
	}
	return blob, nil
}

func dispatchRedisPayload(event, raw string, fn func(Envelope)) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		jww.WARN.Printf("redis broadcast decode failed err=%v", err)
		return
	}
	if env.Event != event {
		return
	}
	fn(env)
}
