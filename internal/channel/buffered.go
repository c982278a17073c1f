package channel

// Buffered is a buffered channel implementation.
type Buffered[T any] struct {
	ch chan T
}

// NewBuffered creates a new buffered channel with the given size.
func NewBuffered[T any](size int) *Buffered[T] {
	return &Buffered[T]{ch: make(chan T, size)}
}

// Send sends a value, blocking when the buffer is full.
func (b *Buffered[T]) Send(v T) {
	b.ch <- v
}

// TrySend sends without blocking. Returns false if the buffer is full, which
// lets a producer drop an intermediate state rather than stall; the consumer
// always gets the final state through a blocking Send.
func (b *Buffered[T]) TrySend(v T) bool {
	select {
	case b.ch <- v:
		return true
	default:
		return false
	}
}

// Receive returns the receive side of the stream.
func (b *Buffered[T]) Receive() <-chan T {
	return b.ch
}

// Len returns the number of buffered items.
func (b *Buffered[T]) Len() int {
	return len(b.ch)
}

// Close closes the stream. Only the producer may call this.
func (b *Buffered[T]) Close() {
	close(b.ch)
}
