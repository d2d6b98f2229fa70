package transport

import (
	"context"

	"github.com/westers/krdp/internal/util"
)

const sendBufferSize = 64 // outgoing PDU channel capacity

// Sender is a goroutine-based PDU writer that serializes all writes to a
// single Channel. Submission and callback threads hand PDUs over without
// blocking on the network.
type Sender struct {
	inbox chan []byte
	done  chan struct{}
}

// NewSender starts the background write loop. The loop exits when ctx is
// cancelled or the channel write fails.
func NewSender(ctx context.Context, ch Channel) *Sender {
	s := &Sender{
		inbox: make(chan []byte, sendBufferSize),
		done:  make(chan struct{}),
	}
	go s.loop(ctx, ch)
	return s
}

// loop is the single-writer goroutine.
func (s *Sender) loop(ctx context.Context, ch Channel) {
	defer close(s.done)

	for {
		select {
		case pdu := <-s.inbox:
			if _, err := ch.Write(pdu); err != nil {
				util.LogError("failed to write PDU (%d bytes): %v", len(pdu), err)
				return
			}
			util.Stats.AddSent(len(pdu))
		case <-ctx.Done():
			return
		}
	}
}

// Send enqueues a serialized PDU for transmission. It blocks if the internal
// buffer is full and returns silently when ctx is already cancelled.
func (s *Sender) Send(ctx context.Context, pdu []byte) {
	select {
	case s.inbox <- pdu:
	case <-ctx.Done():
	case <-s.done:
	}
}

// Done is closed when the write loop has exited.
func (s *Sender) Done() <-chan struct{} {
	return s.done
}
