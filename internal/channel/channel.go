// Package channel provides generic channel wrappers used for tile state
// streams between the cache engine and the renderer.
package channel

// Receiver provides read access to a stream.
type Receiver[T any] interface {
	Receive() <-chan T
	Len() int
}

// Sender provides write access to a stream.
type Sender[T any] interface {
	Send(T)
	TrySend(T) bool
}

// Channel combines read and write access.
type Channel[T any] interface {
	Receiver[T]
	Sender[T]
	Close()
}
