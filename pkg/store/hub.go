package store

import (
	"context"
	"sync"

	"github.com/flowforge/taskflow/pkg/model"
)

// Hub fans change records out to subscribers. Each subscriber owns an unbounded queue
// drained by its own goroutine, so Publish never waits on a reader.
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	mu     sync.Mutex
	queue  []model.ChangeRecord
	notify chan struct{}
	stop   chan struct{}
	out    chan model.ChangeRecord
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscriber)}
}

func (h *Hub) Subscribe(ctx context.Context) <-chan model.ChangeRecord {
	sub := &subscriber{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan model.ChangeRecord),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.out)
		return sub.out
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		defer close(sub.out)
		defer h.remove(id)
		for {
			record, ok := sub.pop()
			if !ok {
				select {
				case <-sub.notify:
					continue
				case <-sub.stop:
					return
				case <-ctx.Done():
					return
				}
			}
			select {
			case sub.out <- record:
			case <-sub.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub.out
}

// Publish queues a record for every live subscriber. Callers serialize Publish calls in
// commit order.
func (h *Hub) Publish(record model.ChangeRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		sub.push(record)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, sub := range h.subs {
		close(sub.stop)
	}
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (s *subscriber) push(record model.ChangeRecord) {
	s.mu.Lock()
	s.queue = append(s.queue, record)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber) pop() (model.ChangeRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return model.ChangeRecord{}, false
	}
	record := s.queue[0]
	s.queue[0] = model.ChangeRecord{}
	s.queue = s.queue[1:]
	return record, true
}
