package dpubsub

import "context"

// Stream is a linked list of event-driven values.
// The list has a single writer and many readers.
// Readers can each consume the list at their own pace.
//
// If readers do not actively consume the list,
// the node they observe will never be garbage collected,
// which is a memory leak.
type Stream[T any] struct {
	Ready chan struct{}
	Next  *Stream[T]
	Val   T
}

// NewStream returns an initialized pubsub stream.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{
		Ready: make(chan struct{}),
	}
}

// Publish assigns s's value and initializes s.Next.
// Then s.Ready is closed, notifying any observers that
// s.Val can now be safely read.
// The returned stream is s.Next, where the publisher continues.
//
// If Publish is called twice for the same s, Publish panics.
func (s *Stream[T]) Publish(t T) *Stream[T] {
	s.Val = t
	s.Next = NewStream[T]()
	close(s.Ready)
	return s.Next
}

// Await blocks until s is published or ctx is done.
// On success it returns the published value and the stream to read next.
func Await[T any](ctx context.Context, s *Stream[T]) (T, *Stream[T], error) {
	select {
	case <-ctx.Done():
		var zero T
		return zero, s, context.Cause(ctx)
	case <-s.Ready:
		return s.Val, s.Next, nil
	}
}
