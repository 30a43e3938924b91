package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("transport: bus closed")

// MemoryBus is an in-process bus with the same best-effort semantics as
// the multicast network: each subscriber has a bounded queue and frames
// that do not fit are dropped.
type MemoryBus struct {
	qLen int

	mu     sync.RWMutex
	groups map[string][]*memorySub
	closed bool
}

// NewMemoryBus creates a bus with the given per-subscription queue length.
func NewMemoryBus(queueLen int) *MemoryBus {
	if queueLen <= 0 {
		queueLen = 64
	}
	return &MemoryBus{
		qLen:   queueLen,
		groups: make(map[string][]*memorySub),
	}
}

type memorySub struct {
	bus     *MemoryBus
	binding Binding
	ch      chan Frame
	once    sync.Once
}

func (s *memorySub) Frames() <-chan Frame { return s.ch }

func (s *memorySub) Close() error {
	s.once.Do(func() { s.bus.remove(s) })
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, binding Binding) (Subscription, error) {
	if err := binding.Validate(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySub{bus: b, binding: binding, ch: make(chan Frame, b.qLen)}
	key := binding.Group()
	b.groups[key] = append(b.groups[key], sub)
	return sub, nil
}

func (b *MemoryBus) Publish(ctx context.Context, binding Binding, f Frame) error {
	if err := binding.Validate(); err != nil {
		return err
	}
	if f.Name == "" {
		f.Name = binding.Name
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for _, sub := range b.groups[binding.Group()] {
		if sub.binding.Name != f.Name {
			continue
		}
		frame := f
		frame.Values = append([]float64(nil), f.Values...)
		select {
		case sub.ch <- frame:
		default:
			// Subscriber queue full, frame lost
		}
	}
	return nil
}

func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := sub.binding.Group()
	subs := b.groups[key]
	for i, s := range subs {
		if s == sub {
			b.groups[key] = append(subs[:i], subs[i+1:]...)
			close(s.ch)
			break
		}
	}
	if len(b.groups[key]) == 0 {
		delete(b.groups, key)
	}
}

// Close drops every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for key, subs := range b.groups {
		for _, s := range subs {
			s.once.Do(func() { close(s.ch) })
		}
		delete(b.groups, key)
	}
	return nil
}
