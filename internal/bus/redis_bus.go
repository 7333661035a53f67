package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dublarpro/jobwatch/internal/config"
	"github.com/dublarpro/jobwatch/internal/logger"
)

// DefaultChannelPrefix is used when redis.channel is empty.
const DefaultChannelPrefix = "jobwatch:relay"

// redisBus publishes each message on "<prefix>:<jobId>" and forwards with a
// pattern subscription on "<prefix>:*".
type redisBus struct {
	log    *logger.Logger
	rdb    *goredis.Client
	prefix string
	owned  bool
}

// NewRedisBus connects to Redis and relays on the cfg.Channel prefix.
func NewRedisBus(cfg config.RedisConfig, log *logger.Logger) (Bus, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	b := newRedisBus(rdb, cfg.Channel, log)
	b.owned = true
	return b, nil
}

// NewRedisBusWithClient relays over a client the caller keeps ownership of;
// Close leaves it open.
func NewRedisBusWithClient(rdb *goredis.Client, prefix string, log *logger.Logger) Bus {
	return newRedisBus(rdb, prefix, log)
}

func newRedisBus(rdb *goredis.Client, prefix string, log *logger.Logger) *redisBus {
	if log == nil {
		log = logger.Nop()
	}
	prefix = strings.TrimSuffix(prefix, ":")
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &redisBus{
		log:    log.Component("bus").With("driver", "redis", "channel", prefix),
		rdb:    rdb,
		prefix: prefix,
	}
}

func (b *redisBus) jobChannel(jobID string) string {
	return b.prefix + ":" + jobID
}

func (b *redisBus) Publish(ctx context.Context, msg Message) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	if msg.JobID == "" {
		return fmt.Errorf("bus message %q without job id", msg.Type)
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.jobChannel(msg.JobID), raw).Err(); err != nil {
		return fmt.Errorf("publish %s for job %s: %w", msg.Type, msg.JobID, err)
	}
	return nil
}

func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(m Message)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.PSubscribe(ctx, b.prefix+":*")
	// wait for the subscribe confirmation so nothing published afterwards is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis psubscribe %s: %w", b.prefix, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				msg, err := b.decode(m)
				if err != nil {
					b.log.Warn("dropping relay message", "redisChannel", m.Channel, "error", err)
					continue
				}
				onMsg(msg)
			}
		}
	}()

	return nil
}

// decode parses a relay message and checks it against the channel it came on.
func (b *redisBus) decode(m *goredis.Message) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		return Message{}, err
	}
	if msg.JobID == "" || m.Channel != b.jobChannel(msg.JobID) {
		return Message{}, fmt.Errorf("job id %q does not match channel", msg.JobID)
	}
	return msg, nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil || !b.owned {
		return nil
	}
	return b.rdb.Close()
}
