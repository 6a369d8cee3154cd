package signaling

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeConn is an in-memory Conn for tests: writes land in outbound, reads
// drain inbound (fed by the test).
type fakeConn struct {
	mu        sync.Mutex
	outbound  [][]byte
	inbound   chan []byte
	closed    bool
	deadlines []time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	b, ok := <-c.inbound
	if !ok {
		return 0, nil, errors.New("fakeConn: closed")
	}
	return websocketTextMessage, b, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("fakeConn: closed")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.outbound = append(c.outbound, cp)
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = append(c.deadlines, t)
	return nil
}

// deadlineWasSetAndCleared reports whether SetWriteDeadline was called with
// a non-zero deadline followed by a reset to the zero value, the pattern
// Send must follow around every WriteMessage call.
func (c *fakeConn) deadlineWasSetAndCleared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.deadlines) < 2 {
		return false
	}
	last := len(c.deadlines) - 1
	return !c.deadlines[last-1].IsZero() && c.deadlines[last].IsZero()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Outbound() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.outbound))
	copy(out, c.outbound)
	return out
}

func (c *fakeConn) deliver(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.inbound <- b
	}
}

// fakeDialer hands out its preconstructed conns in order, one per dial,
// and fails once they are used up.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
	err   error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.next >= len(d.conns) {
		return nil, errors.New("fakeDialer: exhausted")
	}
	c := d.conns[d.next]
	d.next++
	return c, nil
}

var _ Dialer = (*fakeDialer)(nil)
var _ Conn = (*fakeConn)(nil)
