package pubsub

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryPubSub is an in-process PubSub used when no Redis address is
// configured (single-node deployments, tests).
type MemoryPubSub struct {
	mu   sync.Mutex
	subs map[string][]chan []byte
}

// NewMemory creates an empty MemoryPubSub.
func NewMemory() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[string][]chan []byte)}
}

// Publish marshals payload and delivers it to every current subscriber of
// topic, dropping delivery to any subscriber whose buffer is full.
func (m *MemoryPubSub) Publish(_ context.Context, topic string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[topic] {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Subscribe registers a new buffered channel for topic.
func (m *MemoryPubSub) Subscribe(ctx context.Context, topic string) (<-chan []byte, func()) {
	ch := make(chan []byte, 100)
	m.mu.Lock()
	m.subs[topic] = append(m.subs[topic], ch)
	m.mu.Unlock()

	cleanup := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.subs[topic]
		for i, c := range list {
			if c == ch {
				m.subs[topic] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}

	go func() {
		<-ctx.Done()
		cleanup()
	}()

	return ch, cleanup
}

// Close is a no-op for MemoryPubSub; there is no external connection to
// release.
func (m *MemoryPubSub) Close() error { return nil }

var _ PubSub = (*MemoryPubSub)(nil)
