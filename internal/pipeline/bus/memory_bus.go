// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/metrics"
)

// MemoryBus is an in-process pub/sub. Publish never blocks the pipeline:
// a subscriber whose buffer is full misses the event, which is fine since
// every event carries the full status and progress.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan JobEvent
	buffer int
}

const dropLogEvery = 100

var dropCount atomic.Uint64

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]chan JobEvent), buffer: 64}
}

func (b *MemoryBus) Publish(ctx context.Context, ev JobEvent) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("publish job %q: %w", ev.JobID, err)
	}

	// Holding the read lock while sending keeps Close from racing a send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	b.fanout(ev.JobID, "job", ev)
	b.fanout(TopicAll, "all", ev)
	return nil
}

func (b *MemoryBus) fanout(topic, topicKind string, ev JobEvent) {
	for _, ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
			metrics.RecordEventDrop(topicKind, "full")
			count := dropCount.Add(1)
			if count%dropLogEvery == 1 {
				log.L().Warn().
					Str(log.FieldJobID, ev.JobID).
					Str("topic", topicKind).
					Uint64("dropped", count).
					Msg("job event dropped: subscriber buffer full")
			}
		}
	}
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscriber, error) {
	if topic == "" {
		return nil, fmt.Errorf("subscribe: empty topic")
	}
	ch := make(chan JobEvent, b.buffer)

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	return &memSub{b: b, topic: topic, ch: ch}, nil
}

type memSub struct {
	b      *MemoryBus
	topic  string
	ch     chan JobEvent
	closed sync.Once
}

func (s *memSub) C() <-chan JobEvent {
	return s.ch
}

func (s *memSub) Close() error {
	s.closed.Do(func() {
		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		lst := s.b.subs[s.topic]
		out := lst[:0]
		for _, c := range lst {
			if c != s.ch {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.topic)
		} else {
			s.b.subs[s.topic] = out
		}
		close(s.ch)
	})
	return nil
}

var _ Bus = (*MemoryBus)(nil)
