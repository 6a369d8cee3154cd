package signaling

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerpigeon/peerpigeon/pkg/peerid"
	"github.com/peerpigeon/peerpigeon/pkg/wire"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestClientAnnouncesOnConnect(t *testing.T) {
	self, err := peerid.Generate()
	require.NoError(t, err)

	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	c := New(Config{URL: "wss://relay.example/ws", Self: self, Dialer: dialer})
	c.Start(context.Background())
	defer c.Close()

	waitFor(t, func() bool { return len(conn.Outbound()) > 0 })

	var frame wire.SignalingFrame
	require.NoError(t, json.Unmarshal(conn.Outbound()[0], &frame))
	assert.Equal(t, wire.TypeAnnounce, frame.Type)
	assert.Equal(t, self.String(), frame.FromPeerID)
}

func TestClientDispatchesInboundFrames(t *testing.T) {
	self, err := peerid.Generate()
	require.NoError(t, err)
	other, err := peerid.Generate()
	require.NoError(t, err)

	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	received := make(chan wire.SignalingFrame, 1)
	c := New(Config{
		URL:    "wss://relay.example/ws",
		Self:   self,
		Dialer: dialer,
		OnFrame: func(f wire.SignalingFrame) {
			received <- f
		},
	})
	c.Start(context.Background())
	defer c.Close()

	waitFor(t, func() bool { return c.Connected() })

	data, err := marshalData(wire.AnnounceData{PeerID: other.String()})
	require.NoError(t, err)
	raw, err := json.Marshal(wire.SignalingFrame{
		Type:       wire.TypeAnnounce,
		Data:       data,
		FromPeerID: other.String(),
		Timestamp:  nowMillis(),
	})
	require.NoError(t, err)
	conn.deliver(raw)

	select {
	case f := <-received:
		assert.Equal(t, wire.TypeAnnounce, f.Type)
		assert.Equal(t, other.String(), f.FromPeerID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched frame")
	}
}

func TestClientCloseSendsGoodbye(t *testing.T) {
	self, err := peerid.Generate()
	require.NoError(t, err)

	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	c := New(Config{URL: "wss://relay.example/ws", Self: self, Dialer: dialer})
	c.Start(context.Background())
	waitFor(t, func() bool { return c.Connected() })

	require.NoError(t, c.Close())

	outbound := conn.Outbound()
	require.NotEmpty(t, outbound)
	var last wire.SignalingFrame
	require.NoError(t, json.Unmarshal(outbound[len(outbound)-1], &last))
	assert.Equal(t, wire.TypeGoodbye, last.Type)
	assert.Equal(t, self.String(), last.FromPeerID)
}

func TestClientSendRequiresConnection(t *testing.T) {
	self, err := peerid.Generate()
	require.NoError(t, err)
	c := New(Config{URL: "wss://relay.example/ws", Self: self, Dialer: &fakeDialer{}})
	err = c.Send(wire.SignalingFrame{Type: wire.TypePing, FromPeerID: self.String(), Timestamp: nowMillis()})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestPongTimeoutForceClosesConnection(t *testing.T) {
	self, err := peerid.Generate()
	require.NoError(t, err)
	conn := newFakeConn()
	c := New(Config{URL: "wss://relay.example/ws", Self: self, Dialer: &fakeDialer{conns: []*fakeConn{conn}}})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	// A ping was sent with no pong reply; the deadline firing must
	// force-close the session (spec §4.1 "Failure modes").
	c.armPongTimeout()
	c.onPongTimeout()

	assert.True(t, conn.isClosed(), "pong timeout must force-close the relay connection")
	c.mu.Lock()
	inFlight := c.pingInFlight
	c.mu.Unlock()
	assert.False(t, inFlight)
}

func TestPongArrivalClearsInFlightAndSuppressesTimeout(t *testing.T) {
	self, err := peerid.Generate()
	require.NoError(t, err)
	conn := newFakeConn()
	c := New(Config{URL: "wss://relay.example/ws", Self: self, Dialer: &fakeDialer{conns: []*fakeConn{conn}}})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.armPongTimeout()
	c.clearPingInFlight() // simulates readLoop having seen wire.TypePong
	c.onPongTimeout()     // a stale timer firing after the pong must be a no-op

	assert.False(t, conn.isClosed(), "a pong that already arrived must suppress the force-close")
}

func TestReadLoopClearsPingInFlightOnPong(t *testing.T) {
	self, err := peerid.Generate()
	require.NoError(t, err)
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	c := New(Config{URL: "wss://relay.example/ws", Self: self, Dialer: dialer})
	c.Start(context.Background())
	defer c.Close()

	waitFor(t, func() bool { return c.Connected() })
	c.armPongTimeout()

	raw, err := json.Marshal(wire.SignalingFrame{Type: wire.TypePong, FromPeerID: self.String(), Timestamp: nowMillis()})
	require.NoError(t, err)
	conn.deliver(raw)

	waitFor(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.pingInFlight
	})
}

func TestSendSetsAndClearsWriteDeadline(t *testing.T) {
	self, err := peerid.Generate()
	require.NoError(t, err)
	conn := newFakeConn()
	c := New(Config{URL: "wss://relay.example/ws", Self: self, Dialer: &fakeDialer{conns: []*fakeConn{conn}}})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	require.NoError(t, c.Send(wire.SignalingFrame{Type: wire.TypePing, FromPeerID: self.String(), Timestamp: nowMillis()}))
	assert.True(t, conn.deadlineWasSetAndCleared(), "Send must bound the write with SignalingSendTimeout and reset it after")
}

func TestIsPingElectedLowestIDWins(t *testing.T) {
	low := peerid.ID{0x00}
	high := peerid.ID{0xff}
	assert.True(t, isPingElected(low, []peerid.ID{high}))
	assert.False(t, isPingElected(high, []peerid.ID{low}))
	assert.True(t, isPingElected(low, nil))
}
