package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/internal/metrics"
	"github.com/peerpigeon/peerpigeon/pkg/peerconn"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
	"github.com/peerpigeon/peerpigeon/pkg/wire"
)

// FrameRouter dispatches an inbound mesh-internal frame to whichever
// manager owns its type (spec §4.3 "Inbound frame routing").
type FrameRouter interface {
	HandleInbound(from peerid.ID, frame wire.MeshFrame)
}

// slot tracks one peer's connection and handshake bookkeeping (spec §4.3
// "Connection Slot Set").
//
// terminalAt marks a slot whose handshake failed (timed out, or the
// underlying connection reported disconnected before ever going live) but
// which has not yet exhausted its attempt budget. Such a slot is kept,
// rather than deleted, so lastDialAt/attempts survive for the next
// InitiateConnection's cooldown and budget checks (spec §4.3 "Timeouts":
// the attempt counter is incremented, not reset, by a timed-out
// handshake). It counts toward neither capacity nor Peers() until it is
// swept by reclaimStale's stale-terminal pass or reused by a fresh dial.
type slot struct {
	peer        peerid.ID
	conn        peerconn.Capabilities
	role        peerconn.Role
	createdAt   time.Time
	lastDialAt  time.Time
	attempts    int
	handshaking bool
	hasMedia    bool
	terminalAt  time.Time
}

func (s *slot) isTerminal() bool { return !s.terminalAt.IsZero() }

// handshakeTimeoutFor returns the deadline after which an in-progress,
// still-handshaking slot is considered stuck (spec §4.3 "Timeouts": 30s
// with no media track, 45s once a media track is offered).
func handshakeTimeoutFor(hasMedia bool) time.Duration {
	if hasMedia {
		return config.HandshakeTimeoutMedia
	}
	return config.HandshakeTimeoutNoMedia
}

// ConnectionManager owns the slot set: admission control, handshake
// lifecycle, and inbound frame routing to the data channel (spec §4.3).
// It is the direct analog of the teacher's PeerManager, generalized from
// a libp2p watchlist to a capacity-bounded WebRTC mesh.
type ConnectionManager struct {
	self    peerid.ID
	cfg     config.TopologyConfig
	metrics *metrics.Metrics
	log     *slog.Logger

	newConn func(peerconn.Config) (peerconn.Capabilities, error)

	mu    sync.RWMutex
	slots map[peerid.ID]*slot

	routers []FrameRouter

	onStateChange       func(peer peerid.ID, connected bool)
	onOpaque            func(peer peerid.ID, data []byte)
	onICECandidate      func(peer peerid.ID, candidate peerconn.Candidate)
	onAttemptsExhausted func(peer peerid.ID)
	makeRoom            func(candidate peerid.ID) bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionManager constructs a ConnectionManager. newConn is injected
// so tests can substitute peerconn.Fake pairs instead of real ICE sessions.
func NewConnectionManager(self peerid.ID, cfg config.TopologyConfig, m *metrics.Metrics, log *slog.Logger, newConn func(peerconn.Config) (peerconn.Capabilities, error)) *ConnectionManager {
	return &ConnectionManager{
		self:    self,
		cfg:     cfg,
		metrics: m,
		log:     log.With("component", "connmgr"),
		newConn: newConn,
		slots:   make(map[peerid.ID]*slot),
	}
}

// AddRouter registers a manager that wants inbound frames of its types.
func (cm *ConnectionManager) AddRouter(r FrameRouter) {
	cm.routers = append(cm.routers, r)
}

// OnStateChange sets the callback fired whenever a peer transitions
// connected/disconnected.
func (cm *ConnectionManager) OnStateChange(f func(peer peerid.ID, connected bool)) {
	cm.onStateChange = f
}

// OnOpaqueMessage sets the callback fired for data-channel messages that
// aren't a recognized mesh frame type (spec §4.3 "opaque application
// message").
func (cm *ConnectionManager) OnOpaqueMessage(f func(peer peerid.ID, data []byte)) {
	cm.onOpaque = f
}

// OnICECandidate sets the callback fired whenever a slot's underlying
// connection trickles a locally-gathered ICE candidate that must be
// relayed to the remote peer over signaling (spec §4.2 "ICE candidate
// ordering", §6 "ice-candidate").
func (cm *ConnectionManager) OnICECandidate(f func(peer peerid.ID, candidate peerconn.Candidate)) {
	cm.onICECandidate = f
}

// OnAttemptsExhausted sets the callback fired once a peer's handshake
// attempts reach config.MaxConnectionAttempts, so the caller can remove it
// from Discovery (spec §4.3/§4.4: "after the attempt budget, the peer is
// removed from discovery and further attempts are refused until a fresh
// announce arrives").
func (cm *ConnectionManager) OnAttemptsExhausted(f func(peer peerid.ID)) {
	cm.onAttemptsExhausted = f
}

// SetEvictionHook wires the Eviction Manager into admission control: when an
// inbound offer arrives with no free capacity, AcceptOffer calls this before
// rejecting, giving the Eviction Manager a chance to free a slot for a
// closer candidate (spec §4.4 "Eviction").
func (cm *ConnectionManager) SetEvictionHook(f func(candidate peerid.ID) bool) {
	cm.makeRoom = f
}

// OldestPeer returns the live (non-handshaking) peer with the earliest
// createdAt, used as the FIFO eviction victim when xor_routing is disabled
// (spec §4.4 "If XOR routing is disabled: victim = oldest peer (FIFO)").
func (cm *ConnectionManager) OldestPeer() (peerid.ID, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	var oldest peerid.ID
	var oldestAt time.Time
	found := false
	for id, s := range cm.slots {
		if s.handshaking || s.isTerminal() {
			continue
		}
		if !found || s.createdAt.Before(oldestAt) {
			oldest, oldestAt, found = id, s.createdAt, true
		}
	}
	return oldest, found
}

// OldestAnySlot returns the peer with the earliest createdAt among every
// slot, connected or still handshaking. Used as the FIFO eviction victim
// when no live connection exists to pick from (spec §4.4 "if this peer has
// zero live connections, any slot may be evicted to escape isolation").
func (cm *ConnectionManager) OldestAnySlot() (peerid.ID, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	var oldest peerid.ID
	var oldestAt time.Time
	found := false
	for id, s := range cm.slots {
		if s.isTerminal() {
			continue
		}
		if !found || s.createdAt.Before(oldestAt) {
			oldest, oldestAt, found = id, s.createdAt, true
		}
	}
	return oldest, found
}

// eventSource is implemented by connections that expose their lifecycle as
// an event channel (the real pion-backed Connection). peerconn.Fake does
// not, since tests drive slot state directly.
type eventSource interface {
	Events() <-chan peerconn.Event
}

func (cm *ConnectionManager) watchSlot(id peerid.ID, conn peerconn.Capabilities) {
	es, ok := conn.(eventSource)
	if !ok {
		return
	}
	cm.wg.Add(1)
	go func() {
		defer cm.wg.Done()
		for {
			select {
			case <-cm.ctx.Done():
				return
			case ev, ok := <-es.Events():
				if !ok {
					return
				}
				switch ev.Kind {
				case peerconn.EventDataChannelOpen, peerconn.EventConnected:
					cm.MarkConnected(id)
				case peerconn.EventDisconnected:
					cm.Drop(id)
					return
				case peerconn.EventMessage:
					cm.Dispatch(id, ev.Message, cm.onOpaque)
				case peerconn.EventICECandidate:
					if cm.onICECandidate != nil {
						cm.onICECandidate(id, ev.Candidate)
					}
				}
			}
		}
	}()
}

// Start begins the periodic slot-set cleanup sweep (spec §4.3 "stale slot
// reclamation").
func (cm *ConnectionManager) Start(ctx context.Context) {
	cm.ctx, cm.cancel = context.WithCancel(ctx)
	cm.wg.Add(1)
	go cm.cleanupLoop()
}

// Close closes every live connection and stops the cleanup sweep.
func (cm *ConnectionManager) Close() {
	if cm.cancel != nil {
		cm.cancel()
	}
	cm.wg.Wait()

	cm.mu.Lock()
	slots := make([]*slot, 0, len(cm.slots))
	for _, s := range cm.slots {
		slots = append(slots, s)
	}
	cm.slots = make(map[peerid.ID]*slot)
	cm.mu.Unlock()

	for _, s := range slots {
		if s.conn != nil {
			_ = s.conn.Close()
		}
	}
}

// Count returns the number of slots currently occupied (handshaking or
// connected) against capacity, used by the Optimizer and Eviction Manager.
// Terminal (failed-handshake) ghost slots don't count: they exist only to
// carry attempts/lastDialAt forward and never occupy real capacity.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.activeCountLocked()
}

func (cm *ConnectionManager) activeCountLocked() int {
	n := 0
	for _, s := range cm.slots {
		if !s.isTerminal() {
			n++
		}
	}
	return n
}

// Peers returns the peer IDs with a live (non-handshaking, non-terminal)
// connection.
func (cm *ConnectionManager) Peers() []peerid.ID {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]peerid.ID, 0, len(cm.slots))
	for id, s := range cm.slots {
		if !s.handshaking && !s.isTerminal() {
			out = append(out, id)
		}
	}
	return out
}

// AllSlotPeers returns every peer ID with an active slot, connected or
// still handshaking (spec §4.4 "victim = XOR-farthest current peer
// (connected or connecting)"). Unlike Peers, this includes in-progress
// handshakes so the Eviction Manager can select among them too; terminal
// ghost slots are excluded since they hold no connection to evict.
func (cm *ConnectionManager) AllSlotPeers() []peerid.ID {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]peerid.ID, 0, len(cm.slots))
	for id, s := range cm.slots {
		if !s.isTerminal() {
			out = append(out, id)
		}
	}
	return out
}

// HasCapacity reports whether a new outbound slot can be opened.
func (cm *ConnectionManager) HasCapacity() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.activeCountLocked() < cm.cfg.MaxPeers
}

// IsIsolated reports whether this peer currently has zero live connections
// (spec §4.4). Isolated peers use the shorter ConnectCooldownIsolated
// between dial attempts instead of ConnectCooldown; see cooldownFor.
func (cm *ConnectionManager) IsIsolated() bool {
	return len(cm.Peers()) == 0
}

// cooldownFor returns the required spacing between dial attempts to a
// given peer (spec §4.3/§4.4 "Admission control").
func (cm *ConnectionManager) cooldownFor() time.Duration {
	if cm.IsIsolated() {
		return config.ConnectCooldownIsolated
	}
	return config.ConnectCooldown
}

// InitiateConnection opens an outbound slot to target and returns the SDP
// offer to hand to the signaling client, or an error if admission control
// rejects the attempt.
func (cm *ConnectionManager) InitiateConnection(ctx context.Context, target peerid.ID) (peerconn.SessionDescription, error) {
	cm.mu.Lock()
	if target == cm.self {
		cm.mu.Unlock()
		return peerconn.SessionDescription{}, fmt.Errorf("mesh: refusing to dial self")
	}
	if s, exists := cm.slots[target]; exists {
		if time.Since(s.lastDialAt) < cm.cooldownFor() {
			cm.mu.Unlock()
			return peerconn.SessionDescription{}, fmt.Errorf("mesh: %s in cooldown", target.Short())
		}
		if s.attempts >= config.MaxConnectionAttempts {
			cm.mu.Unlock()
			return peerconn.SessionDescription{}, fmt.Errorf("mesh: %s exceeded max connection attempts", target.Short())
		}
	}
	if active := cm.activeCountLocked(); active >= cm.cfg.MaxPeers {
		cm.mu.Unlock()
		return peerconn.SessionDescription{}, fmt.Errorf("mesh: at capacity (%d/%d)", active, cm.cfg.MaxPeers)
	}

	conn, err := cm.newConn(peerconn.Config{PeerID: target, Role: peerconn.RoleInitiator})
	if err != nil {
		cm.mu.Unlock()
		return peerconn.SessionDescription{}, fmt.Errorf("mesh: create connection: %w", err)
	}
	s := &slot{peer: target, conn: conn, role: peerconn.RoleInitiator, createdAt: time.Now(), lastDialAt: time.Now(), handshaking: true}
	if existing, ok := cm.slots[target]; ok {
		s.attempts = existing.attempts
	}
	s.attempts++
	cm.slots[target] = s
	cm.mu.Unlock()

	cm.watchSlot(target, conn)
	if cm.metrics != nil {
		cm.metrics.HandshakeAttempts.WithLabelValues("initiated").Inc()
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		if cm.metrics != nil {
			cm.metrics.HandshakeAttempts.WithLabelValues("offer_failed").Inc()
		}
		return peerconn.SessionDescription{}, fmt.Errorf("mesh: create offer for %s: %w", target.Short(), err)
	}
	return offer, nil
}

// AcceptOffer opens a responder slot from an inbound offer and returns the
// answer to send back over signaling.
func (cm *ConnectionManager) AcceptOffer(ctx context.Context, from peerid.ID, offer peerconn.SessionDescription) (peerconn.SessionDescription, error) {
	cm.mu.RLock()
	full := !cm.hasCapacityLocked()
	cm.mu.RUnlock()
	if full && cm.makeRoom != nil {
		cm.makeRoom(from)
	}

	cm.mu.Lock()
	if !cm.hasCapacityLocked() {
		cm.mu.Unlock()
		return peerconn.SessionDescription{}, fmt.Errorf("mesh: at capacity, rejecting offer from %s", from.Short())
	}
	conn, err := cm.newConn(peerconn.Config{PeerID: from, Role: peerconn.RoleResponder})
	if err != nil {
		cm.mu.Unlock()
		return peerconn.SessionDescription{}, fmt.Errorf("mesh: create connection: %w", err)
	}
	cm.slots[from] = &slot{peer: from, conn: conn, role: peerconn.RoleResponder, createdAt: time.Now(), handshaking: true}
	cm.mu.Unlock()

	cm.watchSlot(from, conn)

	real, ok := conn.(interface {
		AcceptOffer(context.Context, peerconn.SessionDescription) (peerconn.SessionDescription, error)
	})
	if !ok {
		return peerconn.SessionDescription{}, fmt.Errorf("mesh: connection implementation cannot accept offers")
	}
	answer, err := real.AcceptOffer(ctx, offer)
	if err != nil {
		return peerconn.SessionDescription{}, fmt.Errorf("mesh: accept offer from %s: %w", from.Short(), err)
	}
	return answer, nil
}

func (cm *ConnectionManager) hasCapacityLocked() bool {
	return cm.activeCountLocked() < cm.cfg.MaxPeers
}

// AcceptAnswer completes the initiator side of a handshake.
func (cm *ConnectionManager) AcceptAnswer(ctx context.Context, from peerid.ID, answer peerconn.SessionDescription) error {
	cm.mu.RLock()
	s, ok := cm.slots[from]
	cm.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mesh: no pending slot for %s", from.Short())
	}
	real, ok := s.conn.(interface {
		AcceptAnswer(context.Context, peerconn.SessionDescription) error
	})
	if !ok {
		return fmt.Errorf("mesh: connection implementation cannot accept answers")
	}
	return real.AcceptAnswer(ctx, answer)
}

// AddICECandidate forwards a trickled ICE candidate to the named peer's
// in-progress connection.
func (cm *ConnectionManager) AddICECandidate(peer peerid.ID, candidate peerconn.Candidate) error {
	cm.mu.RLock()
	s, ok := cm.slots[peer]
	cm.mu.RUnlock()
	if !ok || s.conn == nil {
		return fmt.Errorf("mesh: no connection to %s", peer.Short())
	}
	return s.conn.AddICECandidate(candidate)
}

// MarkConnected flips a slot from handshaking to live, called once the
// underlying data channel reports open.
func (cm *ConnectionManager) MarkConnected(peer peerid.ID) {
	cm.mu.Lock()
	var createdAt time.Time
	var role peerconn.Role
	if s, ok := cm.slots[peer]; ok {
		s.handshaking = false
		createdAt, role = s.createdAt, s.role
	}
	cm.mu.Unlock()
	if cm.metrics != nil {
		cm.metrics.ConnectedPeers.WithLabelValues().Set(float64(len(cm.Peers())))
		if !createdAt.IsZero() {
			cm.metrics.HandshakeDuration.WithLabelValues(role.String()).Observe(time.Since(createdAt).Seconds())
		}
	}
	if cm.onStateChange != nil {
		cm.onStateChange(peer, true)
	}
}

// Drop closes and removes a peer's slot. A slot still mid-handshake is
// routed to failHandshake instead, so its attempt counter survives for the
// next dial (spec §4.3 "Timeouts"/"Attempt budget") rather than resetting
// every time a handshake fails before ever going live (e.g. ICE failure,
// an explicit goodbye from a peer that never finished connecting).
func (cm *ConnectionManager) Drop(peer peerid.ID) {
	cm.mu.RLock()
	s, ok := cm.slots[peer]
	handshaking := ok && s.handshaking
	cm.mu.RUnlock()
	if handshaking {
		cm.failHandshake(peer, "dropped mid-handshake")
		return
	}

	cm.mu.Lock()
	s, ok = cm.slots[peer]
	if ok {
		delete(cm.slots, peer)
	}
	cm.mu.Unlock()
	if ok && s.conn != nil {
		_ = s.conn.Close()
	}
	if cm.metrics != nil {
		cm.metrics.ConnectedPeers.WithLabelValues().Set(float64(len(cm.Peers())))
	}
	if cm.onStateChange != nil {
		cm.onStateChange(peer, false)
	}
}

// failHandshake converts a still-handshaking slot into either a terminal
// ghost (handshake failed, attempt budget not yet exhausted) or, once the
// budget is exhausted, removes the slot entirely and reports the peer as
// exhausted so the caller can forget it in Discovery (spec §4.3 "Attempt
// budget": "after the attempt budget, the peer is removed from discovery
// and further attempts are refused until a fresh announce arrives").
func (cm *ConnectionManager) failHandshake(peer peerid.ID, reason string) {
	cm.mu.Lock()
	s, ok := cm.slots[peer]
	if !ok || !s.handshaking {
		cm.mu.Unlock()
		return
	}
	conn := s.conn
	attempts := s.attempts
	exhausted := attempts >= config.MaxConnectionAttempts
	if exhausted {
		delete(cm.slots, peer)
	} else {
		s.handshaking = false
		s.conn = nil
		s.terminalAt = time.Now()
	}
	cm.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cm.metrics != nil {
		cm.metrics.HandshakeAttempts.WithLabelValues("failed").Inc()
	}
	cm.log.Info("handshake failed", "peer", peer.Short(), "reason", reason, "attempts", attempts)
	if cm.onStateChange != nil {
		cm.onStateChange(peer, false)
	}
	if exhausted {
		cm.log.Info("peer exceeded max connection attempts, forgetting", "peer", peer.Short())
		if cm.onAttemptsExhausted != nil {
			cm.onAttemptsExhausted(peer)
		}
	}
}

// SendFrame serializes and sends a mesh-internal frame to a connected peer.
func (cm *ConnectionManager) SendFrame(peer peerid.ID, frame wire.MeshFrame) error {
	cm.mu.RLock()
	s, ok := cm.slots[peer]
	cm.mu.RUnlock()
	if !ok || s.conn == nil {
		return fmt.Errorf("mesh: no connection to %s", peer.Short())
	}
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("mesh: encode frame: %w", err)
	}
	return s.conn.SendMessage(b)
}

// Dispatch decodes a raw data-channel message and routes it to the
// matching FrameRouter, or treats it as an opaque application message
// when its type is unknown (spec §4.3).
func (cm *ConnectionManager) Dispatch(from peerid.ID, raw []byte, onOpaque func(from peerid.ID, data []byte)) {
	var frame wire.MeshFrame
	if err := json.Unmarshal(raw, &frame); err != nil || (&frame).Validate() != nil {
		if onOpaque != nil {
			onOpaque(from, raw)
		}
		return
	}
	switch frame.Type {
	case wire.MeshGossip, wire.MeshGossipRouting, wire.MeshDHT, wire.MeshEviction, wire.MeshSignaling:
	default:
		if onOpaque != nil {
			onOpaque(from, raw)
		}
		return
	}
	for _, r := range cm.routers {
		r.HandleInbound(from, frame)
	}
}

func (cm *ConnectionManager) cleanupLoop() {
	defer cm.wg.Done()
	ticker := time.NewTicker(config.SlotSetCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cm.ctx.Done():
			return
		case <-ticker.C:
			cm.reclaimStale()
		}
	}
}

// reclaimStale runs two independent sweeps (spec §4.3 "Timeouts" and
// "Capacity" name two distinct thresholds):
//
//  1. Handshakes stuck past their media-aware deadline
//     (HandshakeTimeoutNoMedia/HandshakeTimeoutMedia, 30s/45s) are failed via
//     failHandshake, which preserves the attempt counter instead of
//     resetting it.
//  2. Terminal ghost slots left behind by a prior failure are reclaimed
//     once they've sat for StaleSlotReclaimAfter (45s), freeing their
//     cooldown/attempt bookkeeping entirely.
func (cm *ConnectionManager) reclaimStale() {
	cm.mu.RLock()
	var timedOut []peerid.ID
	var staleTerminal []peerid.ID
	for id, s := range cm.slots {
		switch {
		case s.handshaking && time.Since(s.createdAt) > handshakeTimeoutFor(s.hasMedia):
			timedOut = append(timedOut, id)
		case s.isTerminal() && time.Since(s.terminalAt) > config.StaleSlotReclaimAfter:
			staleTerminal = append(staleTerminal, id)
		}
	}
	cm.mu.RUnlock()

	for _, id := range timedOut {
		cm.failHandshake(id, "handshake timed out")
	}

	cm.mu.Lock()
	for _, id := range staleTerminal {
		delete(cm.slots, id)
	}
	cm.mu.Unlock()

	if cm.metrics != nil {
		for range timedOut {
			cm.metrics.SlotSetReclaims.Inc()
		}
		for range staleTerminal {
			cm.metrics.SlotSetReclaims.Inc()
		}
	}
	for _, id := range staleTerminal {
		cm.log.Info("reclaimed stale terminal slot", "peer", id.Short())
	}
}
