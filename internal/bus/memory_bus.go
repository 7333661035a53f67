package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/dublarpro/jobwatch/internal/logger"
)

const memoryBuffer = 256

type memoryBus struct {
	log *logger.Logger

	mu     sync.RWMutex
	subs   map[int]chan Message
	nextID int
	closed bool
}

// NewMemoryBus returns a single-process bus. Slow forwarders drop messages
// rather than block publishers.
func NewMemoryBus(log *logger.Logger) Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &memoryBus{
		log:  log.Component("bus").With("driver", "memory"),
		subs: make(map[int]chan Message),
	}
}

func (b *memoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("memory bus closed")
	}
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.log.Warn("memory bus forwarder full, dropping message", "jobId", msg.JobID, "type", msg.Type)
		}
	}
	return nil
}

func (b *memoryBus) StartForwarder(ctx context.Context, onMsg func(m Message)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("memory bus closed")
	}
	id := b.nextID
	b.nextID++
	ch := make(chan Message, memoryBuffer)
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		defer b.remove(id)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				onMsg(m)
			}
		}
	}()
	return nil
}

func (b *memoryBus) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	return nil
}
