package mesh

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerpigeon/peerpigeon/pkg/peerid"
	"github.com/peerpigeon/peerpigeon/pkg/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard,&slog.HandlerOptions{}))
}

func genID(t *testing.T) peerid.ID {
	t.Helper()
	id, err := peerid.Generate()
	require.NoError(t, err)
	return id
}

func TestGossipBroadcastFloodsAllNeighbors(t *testing.T) {
	self := genID(t)
	p1, p2 := genID(t), genID(t)
	transport := newFakeTransport(p1, p2)

	g, err := NewGossip(self, transport, nil, newTestLogger(), nil)
	require.NoError(t, err)

	require.NoError(t, g.Broadcast("chat", json.RawMessage(`"hi"`)))

	assert.Len(t, transport.sentTo(p1), 1)
	assert.Len(t, transport.sentTo(p2), 1)
}

func TestGossipDropsDuplicateMessages(t *testing.T) {
	self := genID(t)
	p1 := genID(t)
	transport := newFakeTransport(p1)

	var delivered int
	g, err := NewGossip(self, transport, nil, newTestLogger(), func(e Event) { delivered++ })
	require.NoError(t, err)

	env := wire.GossipEnvelope{ID: "dup-1", From: p1.String(), Subtype: "chat", Content: json.RawMessage(`"x"`), TTL: 5, Path: []string{p1.String()}}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	frame := wire.MeshFrame{Type: wire.MeshGossip, Data: data}

	g.HandleInbound(p1, frame)
	g.HandleInbound(p1, frame)

	assert.Equal(t, 1, delivered)
}

func TestGossipStopsForwardingWhenTTLExpires(t *testing.T) {
	self := genID(t)
	p1, p2 := genID(t), genID(t)
	transport := newFakeTransport(p1, p2)

	g, err := NewGossip(self, transport, nil, newTestLogger(), nil)
	require.NoError(t, err)

	env := wire.GossipEnvelope{ID: "ttl-1", From: p1.String(), Subtype: "chat", Content: json.RawMessage(`"x"`), TTL: 1, Path: []string{p1.String()}}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	g.HandleInbound(p1, wire.MeshFrame{Type: wire.MeshGossip, Data: data})

	assert.Empty(t, transport.sentTo(p2))
}

func TestGossipDoesNotSendBackAlongPath(t *testing.T) {
	self := genID(t)
	sender, other := genID(t), genID(t)
	transport := newFakeTransport(sender, other)

	g, err := NewGossip(self, transport, nil, newTestLogger(), nil)
	require.NoError(t, err)

	env := wire.GossipEnvelope{ID: "path-1", From: sender.String(), Subtype: "chat", Content: json.RawMessage(`"x"`), TTL: 5, Path: []string{sender.String()}}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	g.HandleInbound(sender, wire.MeshFrame{Type: wire.MeshGossip, Data: data})

	assert.Empty(t, transport.sentTo(sender))
	assert.Len(t, transport.sentTo(other), 1)
}

func TestGossipDirectedDeliversLocallyAndStops(t *testing.T) {
	self := genID(t)
	sender := genID(t)
	transport := newFakeTransport(sender)

	var delivered []Event
	g, err := NewGossip(self, transport, nil, newTestLogger(), func(e Event) { delivered = append(delivered, e) })
	require.NoError(t, err)

	env := wire.GossipEnvelope{ID: "dm-1", From: sender.String(), To: self.String(), Subtype: "dm", Content: json.RawMessage(`"hey"`), TTL: 5, Path: []string{sender.String()}}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	g.HandleInbound(sender, wire.MeshFrame{Type: wire.MeshGossip, Data: data})

	require.Len(t, delivered, 1)
	assert.Equal(t, "dm", delivered[0].Subtype)
	assert.Empty(t, transport.sentTo(sender))
}
