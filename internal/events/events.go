// Package events publishes dispatcher lifecycle events on a Redis channel and
// reads them back.
package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/UniQw/botqueue/internal/keys"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// DefaultBuffer is the number of events held while Redis is slow.
const DefaultBuffer = 1024

// Channel returns the Pub/Sub channel for prefix.
func Channel(prefix string) string { return keys.Events(prefix) }

// Publisher is a botqueue.Observer that forwards events to Redis. Observe
// never blocks: events beyond the buffer are dropped and counted.
type Publisher struct {
	rdb     redis.UniversalClient
	channel string
	log     botqueue.Logger
	ch      chan botqueue.Event
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

var _ botqueue.Observer = (*Publisher)(nil)

// NewPublisher starts a publisher on rdb. A buffer of 0 uses DefaultBuffer.
func NewPublisher(rdb redis.UniversalClient, prefix string, buffer int, log botqueue.Logger) *Publisher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if log == nil {
		log = botqueue.NopLogger()
	}
	p := &Publisher{
		rdb:     rdb,
		channel: Channel(prefix),
		log:     log,
		ch:      make(chan botqueue.Event, buffer),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *Publisher) Observe(e botqueue.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.ch <- e:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.log.Warnf("events: buffer full, dropped=%d", p.dropped.Load())
		}
	}
}

func (p *Publisher) loop() {
	defer close(p.done)
	for e := range p.ch {
		p.publish(e)
	}
}

func (p *Publisher) publish(e botqueue.Event) {
	b, err := sonic.Marshal(e)
	if err != nil {
		p.log.Errorf("events: encode %s id=%s: %v", e.Type, e.JobID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.rdb.Publish(ctx, p.channel, b).Err(); err != nil {
		p.failed.Add(1)
		p.log.Debugf("events: publish %s id=%s: %v", e.Type, e.JobID, err)
	}
}

// Dropped returns the number of events lost to a full buffer.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Failed returns the number of events Redis rejected.
func (p *Publisher) Failed() int64 { return p.failed.Load() }

// Close flushes buffered events and stops the publisher. It is idempotent.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	p.mu.Unlock()
	<-p.done
	return nil
}

// Subscribe calls fn for every event on prefix's channel until ctx ends.
// Messages that do not decode are skipped.
func Subscribe(ctx context.Context, rdb redis.UniversalClient, prefix string, fn func(botqueue.Event)) error {
	ch := Channel(prefix)
	ps := rdb.Subscribe(ctx, ch)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ch, err)
	}

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-msgs:
			if !ok {
				return fmt.Errorf("subscription %s closed", ch)
			}
			var e botqueue.Event
			if err := sonic.UnmarshalString(m.Payload, &e); err != nil {
				continue
			}
			fn(e)
		}
	}
}
