package transport

import "context"

// Bus is the shared broadcast medium. Delivery is best effort: publishers
// never wait for subscribers, and a slow subscriber loses frames.
type Bus interface {
	Subscribe(ctx context.Context, b Binding) (Subscription, error)
	Publish(ctx context.Context, b Binding, f Frame) error
	Close() error
}

// Subscription delivers the frames published under one binding.
type Subscription interface {
	Frames() <-chan Frame
	Close() error
}
