// Package eventbus carries "subject changed" notifications from the code that
// appends to a patient's logs to the code that refreshes open dashboards.
package eventbus

import (
	"context"
	"sync"
	"time"
)

// MutationEvent says that the logs of SubjectID changed.
type MutationEvent struct {
	SubjectID string    `json:"subjectId"`
	Kind      string    `json:"kind"`
	At        time.Time `json:"at"`
}

type Handler func(ctx context.Context, ev MutationEvent)

// Bus delivers every published event to every subscribed handler.
type Bus interface {
	Publish(ctx context.Context, ev MutationEvent) error
	Subscribe(h Handler)
	Close() error
}

// LocalBus dispatches synchronously on the publishing goroutine. It serves a
// single replica.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

func (b *LocalBus) Publish(ctx context.Context, ev MutationEvent) error {
	b.mu.RLock()
	handlers := make([]Handler, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ctx, ev)
	}
	return nil
}

func (b *LocalBus) Close() error { return nil }
