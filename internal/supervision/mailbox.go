package supervision

import (
	"context"
	"errors"
)

// MailboxCapacity is the per-actor bounded mailbox size from the resource
// limits table in section 5.
const MailboxCapacity = 64

// ErrMailboxClosed is returned by Send once the owning actor has shut down.
var ErrMailboxClosed = errors.New("supervision: mailbox closed")

// Mailbox is a bounded, FIFO inbox for a single actor. Send blocks when the
// mailbox is full, providing the backpressure suspension point described in
// section 5 rather than dropping messages silently.
type Mailbox struct {
	ch     chan *Message
	closed chan struct{}
}

// NewMailbox creates a mailbox with the standard per-actor capacity.
func NewMailbox() *Mailbox {
	return &Mailbox{
		ch:     make(chan *Message, MailboxCapacity),
		closed: make(chan struct{}),
	}
}

// Send enqueues msg, blocking if the mailbox is full until space frees up,
// the context is cancelled, or the mailbox is closed.
func (m *Mailbox) Send(ctx context.Context, msg *Message) error {
	select {
	case <-m.closed:
		return ErrMailboxClosed
	default:
	}
	select {
	case m.ch <- msg:
		return nil
	case <-m.closed:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the channel an actor's run loop selects on.
func (m *Mailbox) Receive() <-chan *Message {
	return m.ch
}

// Close stops further delivery; pending messages already queued are still
// drained by a run loop reading Receive().
func (m *Mailbox) Close() {
	select {
	case <-m.closed:
	default:
		close(m.closed)
	}
}
