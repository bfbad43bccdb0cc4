package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Scope controls how far a frame travels: the publishing client only, remote
// peers only, or everyone on the topic.
type Scope string

const (
	ScopeLocal  Scope = "LOCAL"
	ScopeRemote Scope = "REMOTE"
	ScopeAll    Scope = "ALL"
)

// Frame is one fire-and-forget broadcast message. Delivery is best effort to
// currently-connected peers; there is no ordering or delivery guarantee.
type Frame struct {
	Topic   string
	Sender  string
	Scope   Scope
	Payload []byte
}

// Bus is the one-to-many publish/subscribe primitive the call bus and the
// transport node build on.
type Bus interface {
	Publish(ctx context.Context, frame Frame) error
	Subscribe(topic string, handler func(Frame)) (func(), error)
}

var ErrTopicRequired = errors.New("broadcast: topic is required")

// MemoryBus is an in-process Bus. It backs the mock transport and gives
// tests a deterministic channel shared between fake peers. Scope is ignored:
// a single-process bus delivers every frame to all topic subscribers.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	topics map[string]map[int]func(Frame)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{topics: make(map[string]map[int]func(Frame))}
}

func (b *MemoryBus) Publish(_ context.Context, frame Frame) error {
	if strings.TrimSpace(frame.Topic) == "" {
		return ErrTopicRequired
	}
	b.mu.Lock()
	handlers := make([]func(Frame), 0, len(b.topics[frame.Topic]))
	for _, handler := range b.topics[frame.Topic] {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()

	for _, handler := range handlers {
		go handler(frame)
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string, handler func(Frame)) (func(), error) {
	if strings.TrimSpace(topic) == "" {
		return nil, ErrTopicRequired
	}
	if handler == nil {
		return nil, errors.New("broadcast: handler is required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[int]func(Frame))
	}
	id := b.nextID
	b.nextID++
	b.topics[topic][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.topics[topic], id)
		if len(b.topics[topic]) == 0 {
			delete(b.topics, topic)
		}
	}, nil
}

// SubscriberCount reports how many handlers are attached to a topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}
