package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrBackendClosed is returned by a closed backend.
var ErrBackendClosed = errors.New("backend is closed")

// Backend is a channel-addressed pub/sub transport. The channel returned by
// Subscribe is closed when ctx ends or the backend is closed.
type Backend interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

const subscriberBuffer = 64

type memorySub struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once
}

func (s *memorySub) stop() { s.once.Do(func() { close(s.done) }) }

// MemoryBackend is an in-process Backend. Publish blocks while a subscriber
// buffer is full.
type MemoryBackend struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{subs: make(map[string]map[*memorySub]struct{})}
}

func (m *MemoryBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrBackendClosed
	}
	for s := range m.subs[channel] {
		select {
		case s.ch <- payload:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s := &memorySub{ch: make(chan []byte, subscriberBuffer), done: make(chan struct{})}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrBackendClosed
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][s] = struct{}{}
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.stop()
		m.mu.Lock()
		delete(m.subs[channel], s)
		if len(m.subs[channel]) == 0 {
			delete(m.subs, channel)
		}
		m.mu.Unlock()
		close(s.ch)
	}()
	return s.ch, nil
}

// Close ends every subscription.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	m.closed = true
	var subs []*memorySub
	for _, set := range m.subs {
		for s := range set {
			subs = append(subs, s)
		}
	}
	m.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	return nil
}
