// Package core holds the interfaces shared across the session components.
package core

import "errors"

// Frame is one raw JSON frame on the room socket.
type Frame []byte

var (
	ErrNotOpen      = errors.New("connection not open")
	ErrBackpressure = errors.New("backpressure")
)

// ConnectionState of the signal channel.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// SignalConn abstracts the room transport endpoint. The session owns it
// and must Close() it.
type SignalConn interface {
	// TrySend queues a frame for writing. It never blocks: when the
	// connection is not open the frame is dropped with ErrNotOpen, when the
	// write queue is full it is dropped with ErrBackpressure.
	TrySend(Frame) error
	// State reports the current connection state.
	State() ConnectionState
	// States delivers state transitions. Closed and Failed are terminal.
	States() <-chan ConnectionState
	Close()
}
