package hub

import "sync"

// DefaultSinkBuffer is the buffer of sinks created by the push endpoints.
const DefaultSinkBuffer = 32

// ChannelSink buffers events for a connection writer goroutine. Send never
// blocks: a full buffer drops the event with ErrSinkFull.
type ChannelSink struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewChannelSink returns a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = DefaultSinkBuffer
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

func (c *ChannelSink) Send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrSinkClosed
	}
	select {
	case c.ch <- ev:
		return nil
	default:
		return ErrSinkFull
	}
}

// Events is the stream drained by the writer.
func (c *ChannelSink) Events() <-chan Event { return c.ch }

// Close stops accepting events. Buffered events remain readable.
func (c *ChannelSink) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
