// README: Publish/subscribe transport for coarse points: Redis pub/sub in deployment, in-process for tests and single-binary runs.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

var ErrBusClosed = errors.New("realtime bus closed")

// Bus is a lossy broadcast channel. Subscribe returns a channel that is
// closed when ctx ends.
type Bus interface {
	Publish(ctx context.Context, p CoarsePoint) error
	Subscribe(ctx context.Context) (<-chan CoarsePoint, error)
}

type RedisBus struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedisBus(client *redis.Client, channel string, log *slog.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisBus{client: client, channel: channel, log: log}
}

func (b *RedisBus) Publish(ctx context.Context, p CoarsePoint) error {
	data, err := encodePoint(p)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan CoarsePoint, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	// wait for the subscription confirmation so no publish is missed after return
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	out := make(chan CoarsePoint, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				p, err := decodePoint([]byte(msg.Payload))
				if err != nil {
					b.log.Warn("drop malformed realtime point", "error", err)
					continue
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MemoryBus fans points out in-process. Slow subscribers lose points rather
// than stall publishers.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[chan CoarsePoint]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[chan CoarsePoint]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, p CoarsePoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for ch := range b.subs {
		select {
		case ch <- p:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan CoarsePoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ch := make(chan CoarsePoint, 64)
	b.subs[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
