package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/risk-engine/internal/model"
)

const channelPrefix = "ticks:"

// Channel is the Redis pub/sub channel carrying ticks for token.
func Channel(token string) string { return channelPrefix + token }

// RedisFeed receives ticks over Redis pub/sub, one channel per instrument.
// Payloads are JSON-encoded model.Tick values.
type RedisFeed struct {
	ps     *redis.PubSub
	ticks  chan model.Tick
	log    *slog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewRedisFeed opens a pub/sub connection with no channels yet.
func NewRedisFeed(ctx context.Context, rdb *redis.Client, buffer int, logger *slog.Logger) *RedisFeed {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	f := &RedisFeed{
		ps:     rdb.Subscribe(ctx),
		ticks:  make(chan model.Tick, buffer),
		log:    logger,
		cancel: cancel,
	}
	f.wg.Add(1)
	go f.pump(ctx)
	return f
}

func (f *RedisFeed) pump(ctx context.Context) {
	defer f.wg.Done()
	defer close(f.ticks)

	msgs := f.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var tick model.Tick
			if err := json.Unmarshal([]byte(msg.Payload), &tick); err != nil {
				f.log.Warn("bad tick payload", "channel", msg.Channel, "err", err)
				continue
			}
			if tick.InstrumentKey == "" {
				tick.InstrumentKey = strings.TrimPrefix(msg.Channel, channelPrefix)
			}
			select {
			case f.ticks <- tick:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *RedisFeed) Ticks() <-chan model.Tick { return f.ticks }

func (f *RedisFeed) Subscribe(ctx context.Context, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := f.ps.Subscribe(ctx, channels(tokens)...); err != nil {
		return fmt.Errorf("feed subscribe: %w", err)
	}
	return nil
}

func (f *RedisFeed) Unsubscribe(ctx context.Context, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	if err := f.ps.Unsubscribe(ctx, channels(tokens)...); err != nil {
		return fmt.Errorf("feed unsubscribe: %w", err)
	}
	return nil
}

func (f *RedisFeed) Close() error {
	var err error
	f.once.Do(func() {
		f.cancel()
		err = f.ps.Close()
		f.wg.Wait()
	})
	return err
}

func channels(tokens []string) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = Channel(t)
	}
	return out
}

// Publisher pushes ticks onto the Redis channels a RedisFeed listens on.
type Publisher struct {
	rdb *redis.Client
}

// NewPublisher creates a Publisher.
func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish sends tick to its instrument channel.
func (p *Publisher) Publish(ctx context.Context, tick model.Tick) error {
	data, err := json.Marshal(tick)
	if err != nil {
		return err
	}
	if err := p.rdb.Publish(ctx, Channel(tick.InstrumentKey), data).Err(); err != nil {
		return fmt.Errorf("publish tick %s: %w", tick.InstrumentKey, err)
	}
	return nil
}
