package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/internal/metrics"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
	"github.com/peerpigeon/peerpigeon/pkg/wire"
)

// DHT namespaces/spaces (spec §4.6 "Namespacing"). Space affects the
// replication factor only; overwrites follow the same last-writer-wins rule
// in every space.
const (
	SpacePrivate = "private"
	SpacePublic  = "public"
	SpaceFrozen  = "frozen"
	SpaceDefault = ""
)

type dhtRecord struct {
	Value       json.RawMessage
	Timestamp   int64
	Publisher   peerid.ID
	Space       string
	OriginalKey string
}

// WebDHT is a Kademlia-flavored key/value store layered over the mesh's
// direct connections, falling back to gossip routing when the peers
// closest to a key aren't directly connected (spec §4.6).
type WebDHT struct {
	self        peerid.ID
	networkName string
	replBase    int
	transport   peerTransport
	gossip      *Gossip
	discovered  func() []peerid.ID
	metrics     *metrics.Metrics
	log         *slog.Logger

	mu    sync.RWMutex
	store map[string]dhtRecord

	pendingMu sync.Mutex
	pending   map[string]chan wire.DHTQueryResponseData

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebDHT constructs the DHT. discovered returns every peer known via
// the signaling relay, including ones not directly connected (spec §4.6
// "Message forwarding" needs this wider set to pick a responsible peer
// that isn't a direct neighbor and route to it via gossip); nil-safe.
func NewWebDHT(self peerid.ID, cfg config.DHTConfig, transport peerTransport, gossip *Gossip, m *metrics.Metrics, log *slog.Logger, discovered func() []peerid.ID) *WebDHT {
	return &WebDHT{
		self:        self,
		networkName: cfg.NetworkName,
		replBase:    cfg.ReplicationFactorBase,
		transport:   transport,
		gossip:      gossip,
		discovered:  discovered,
		metrics:     m,
		log:         log.With("component", "dht"),
		store:       make(map[string]dhtRecord),
		pending:     make(map[string]chan wire.DHTQueryResponseData),
	}
}

// candidatePeers returns every peer eligible to be a DHT responsibility
// target: directly connected peers plus any other peer known via the
// signaling relay, deduplicated and excluding self.
func (d *WebDHT) candidatePeers() []peerid.ID {
	seen := make(map[peerid.ID]struct{})
	var out []peerid.ID
	add := func(id peerid.ID) {
		if id == d.self {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, p := range d.transport.Peers() {
		add(p)
	}
	if d.discovered != nil {
		for _, p := range d.discovered() {
			add(p)
		}
	}
	return out
}

// isDirect reports whether peer is a directly connected data-channel peer.
func (d *WebDHT) isDirect(peer peerid.ID) bool {
	for _, p := range d.transport.Peers() {
		if p == peer {
			return true
		}
	}
	return false
}

// sendDHTFrame delivers a marshaled MeshDHT frame to target, directly if
// it's a data-channel neighbor, or via directed gossip routing otherwise
// (spec §4.6 "Message forwarding").
func (d *WebDHT) sendDHTFrame(target peerid.ID, frameData []byte) error {
	if d.isDirect(target) {
		if err := d.transport.SendFrame(target, wire.MeshFrame{Type: wire.MeshDHT, Data: frameData}); err != nil {
			return err
		}
		return nil
	}
	if d.gossip == nil {
		return fmt.Errorf("mesh: dht target %s unreachable: no direct channel and no gossip fallback", target.Short())
	}
	return d.gossip.SendDirected(target, wire.DHTRoutingSubtype, frameData)
}

// Start begins the refresh and sweep maintenance loops.
func (d *WebDHT) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(2)
	go d.refreshLoop()
	go d.sweepLoop()
}

func (d *WebDHT) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// nsKey namespaces a key to this DHT's network, exactly per spec §3 "DHT
// Record": nsKey = networkName || ":" || originalKey. Space is not part of
// the key — it is record metadata that governs replication factor only
// (spec §3 "Storage Space... the core treats the space tag as opaque
// metadata and a replication-factor input").
func (d *WebDHT) nsKey(key string) string {
	return fmt.Sprintf("%s:%s", d.networkName, key)
}

// replicationFactor implements spec §4.6's space-dependent replica count,
// as a function of the number of currently connected peers.
func replicationFactor(space string, base int, peerCount int) int {
	switch space {
	case SpacePrivate:
		return minInt(3, peerCount)
	case SpacePublic:
		return clampInt(ceilFrac(peerCount, 0.3), 3, 7)
	case SpaceFrozen:
		return clampInt(ceilFrac(peerCount, 0.5), 5, 10)
	default:
		return minInt(base, peerCount)
	}
}

func ceilFrac(n int, frac float64) int {
	return int(math.Ceil(float64(n) * frac))
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Put stores a value locally and replicates it to the peers closest to the
// key (spec §4.6 "Put"). Self counts toward the replication factor.
func (d *WebDHT) Put(key string, value json.RawMessage, space string) error {
	ns := d.nsKey(key)
	rec := dhtRecord{Value: value, Timestamp: time.Now().UnixMilli(), Publisher: d.self, Space: space, OriginalKey: key}

	if !d.applyIfNewer(ns, rec) {
		return fmt.Errorf("mesh: dht put for %q superseded by a newer record", key)
	}

	peers := d.candidatePeers()
	r := replicationFactor(space, d.replBase, len(d.transport.Peers()))
	targets := closestToKey(ns, peers, r-1) // self is one of the r replicas
	return d.replicateTo(targets, ns, rec)
}

func (d *WebDHT) replicateTo(targets []peerid.ID, ns string, rec dhtRecord) error {
	storeData := wire.DHTStoreData{
		NSKey:       ns,
		OriginalKey: rec.OriginalKey,
		Value:       rec.Value,
		Timestamp:   rec.Timestamp,
		Publisher:   rec.Publisher.String(),
		Space:       rec.Space,
		NetworkName: d.networkName,
	}
	payload, err := json.Marshal(storeData)
	if err != nil {
		return err
	}
	frameData, err := json.Marshal(wire.DHTFrameData{
		MessageType: wire.DHTStore,
		Data:        payload,
		From:        d.self.String(),
		Timestamp:   rec.Timestamp,
	})
	if err != nil {
		return err
	}
	var firstErr error
	for _, t := range targets {
		if err := d.sendDHTFrame(t, frameData); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if d.metrics != nil {
			d.metrics.DHTOpsTotal.WithLabelValues("store", "sent").Inc()
		}
	}
	return firstErr
}

// Get resolves a key, checking the local store first, then querying the R
// closest peers in parallel — directly if connected, via gossip routing
// otherwise — and taking the first found==true reply (spec §4.6 "Get").
// Querying only the single closest peer would miss a hit whenever that
// particular peer isn't one of the R-1 replicas Put actually wrote to.
// space sets R, the number of peers queried, but not which record the key
// resolves to: nsKey has no space component (spec §3), so a key resolves to
// the same record regardless of which space the caller expects it to be in.
func (d *WebDHT) Get(ctx context.Context, key string, space string) (json.RawMessage, bool, error) {
	_ = space
	ns := d.nsKey(key)

	d.mu.RLock()
	rec, ok := d.store[ns]
	d.mu.RUnlock()
	if ok {
		return rec.Value, true, nil
	}

	r := replicationFactor(space, d.replBase, len(d.transport.Peers()))
	targets := closestToKey(ns, d.candidatePeers(), r)
	if len(targets) == 0 {
		return nil, false, nil
	}

	requestID := uuid.NewString()
	respCh := make(chan wire.DHTQueryResponseData, len(targets))
	d.pendingMu.Lock()
	d.pending[requestID] = respCh
	d.pendingMu.Unlock()
	defer func() {
		d.pendingMu.Lock()
		delete(d.pending, requestID)
		d.pendingMu.Unlock()
	}()

	queryData, err := json.Marshal(wire.DHTQueryData{NSKey: ns, RequestID: requestID})
	if err != nil {
		return nil, false, err
	}
	frameData, err := json.Marshal(wire.DHTFrameData{MessageType: wire.DHTQuery, Data: queryData, From: d.self.String(), Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return nil, false, err
	}

	sent := 0
	for _, t := range targets {
		if err := d.sendDHTFrame(t, frameData); err != nil {
			continue
		}
		sent++
		if d.metrics != nil {
			d.metrics.DHTOpsTotal.WithLabelValues("query", "sent").Inc()
		}
	}
	if sent == 0 {
		return nil, false, fmt.Errorf("mesh: dht query for %q: all %d targets unreachable", key, len(targets))
	}

	queryCtx, cancel := context.WithTimeout(ctx, config.DHTQueryTimeout)
	defer cancel()
	start := time.Now()
	replies := 0
	for replies < sent {
		select {
		case resp := <-respCh:
			replies++
			if resp.Found && resp.Data != nil {
				if d.metrics != nil {
					d.metrics.DHTQueryDuration.Observe(time.Since(start).Seconds())
				}
				return resp.Data.Value, true, nil
			}
		case <-queryCtx.Done():
			return nil, false, fmt.Errorf("mesh: dht query for %q timed out", key)
		}
	}
	return nil, false, nil
}

// HandleInbound implements FrameRouter for dht frames.
func (d *WebDHT) HandleInbound(from peerid.ID, frame wire.MeshFrame) {
	if frame.Type != wire.MeshDHT {
		return
	}
	var fd wire.DHTFrameData
	if err := json.Unmarshal(frame.Data, &fd); err != nil {
		return
	}
	switch fd.MessageType {
	case wire.DHTStore:
		d.handleStore(fd)
	case wire.DHTQuery:
		d.handleQuery(fd)
	case wire.DHTQueryResponse:
		d.handleQueryResponse(fd)
	}
}

// HandleRouted processes a MeshDHT frame that arrived wrapped in a directed
// gossip envelope (spec §4.6 "Message forwarding") rather than directly on
// a data channel. Dispatch is identical to HandleInbound.
func (d *WebDHT) HandleRouted(frame wire.MeshFrame) {
	var fd wire.DHTFrameData
	if err := json.Unmarshal(frame.Data, &fd); err != nil {
		return
	}
	switch fd.MessageType {
	case wire.DHTStore:
		d.handleStore(fd)
	case wire.DHTQuery:
		d.handleQuery(fd)
	case wire.DHTQueryResponse:
		d.handleQueryResponse(fd)
	}
}

func (d *WebDHT) handleStore(fd wire.DHTFrameData) {
	var sd wire.DHTStoreData
	if err := json.Unmarshal(fd.Data, &sd); err != nil {
		return
	}
	if sd.NetworkName != d.networkName {
		// Namespace isolation (spec §4.6 "Namespacing", §8 "Namespace
		// isolation"): a record from another network is dropped on arrival,
		// never merged into this network's store, even if this peer was
		// selected as a replication target by ring distance alone.
		if d.metrics != nil {
			d.metrics.DHTOpsTotal.WithLabelValues("store", "rejected_namespace").Inc()
		}
		return
	}
	publisher, err := peerid.Parse(sd.Publisher)
	if err != nil {
		return
	}
	rec := dhtRecord{Value: sd.Value, Timestamp: sd.Timestamp, Publisher: publisher, Space: sd.Space, OriginalKey: sd.OriginalKey}
	d.applyIfNewer(sd.NSKey, rec)
	if d.metrics != nil {
		d.metrics.DHTOpsTotal.WithLabelValues("store", "received").Inc()
	}
}

func (d *WebDHT) handleQuery(fd wire.DHTFrameData) {
	origin, err := peerid.Parse(fd.From)
	if err != nil {
		return
	}
	var qd wire.DHTQueryData
	if err := json.Unmarshal(fd.Data, &qd); err != nil {
		return
	}
	d.mu.RLock()
	rec, found := d.store[qd.NSKey]
	d.mu.RUnlock()

	resp := wire.DHTQueryResponseData{RequestID: qd.RequestID, Found: found}
	if found {
		resp.Data = &wire.DHTStoreData{
			NSKey:       qd.NSKey,
			OriginalKey: rec.OriginalKey,
			Value:       rec.Value,
			Timestamp:   rec.Timestamp,
			Publisher:   rec.Publisher.String(),
			Space:       rec.Space,
			NetworkName: d.networkName,
		}
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return
	}
	frameData, err := json.Marshal(wire.DHTFrameData{MessageType: wire.DHTQueryResponse, Data: payload, From: d.self.String(), Timestamp: time.Now().UnixMilli()})
	if err != nil {
		return
	}
	_ = d.sendDHTFrame(origin, frameData)
	if d.metrics != nil {
		d.metrics.DHTOpsTotal.WithLabelValues("query", "answered").Inc()
	}
}

func (d *WebDHT) handleQueryResponse(fd wire.DHTFrameData) {
	var resp wire.DHTQueryResponseData
	if err := json.Unmarshal(fd.Data, &resp); err != nil {
		return
	}
	d.pendingMu.Lock()
	ch, ok := d.pending[resp.RequestID]
	d.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// applyIfNewer performs LWW conflict resolution by timestamp, with ties
// broken by the larger publisher ID (spec §4.6 "Put": "on equal timestamps,
// the larger publisher peer ID wins"). Space is replication-policy metadata
// only (spec §3: "the core treats the space tag as opaque metadata and a
// replication-factor input") — enforcing any space-specific write semantics,
// such as frozen-record immutability, is a collaborator's responsibility,
// not the core's.
func (d *WebDHT) applyIfNewer(ns string, rec dhtRecord) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.store[ns]
	if ok {
		if existing.Timestamp > rec.Timestamp {
			return false
		}
		if existing.Timestamp == rec.Timestamp && !peerid.Less(existing.Publisher, rec.Publisher) {
			return false
		}
	}
	d.store[ns] = rec
	if d.metrics != nil {
		d.metrics.DHTRecordCount.Set(float64(len(d.store)))
	}
	return true
}

func (d *WebDHT) refreshLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(config.DHTRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.republishOwned()
		}
	}
}

func (d *WebDHT) republishOwned() {
	d.mu.RLock()
	var owned []struct {
		ns  string
		rec dhtRecord
	}
	for ns, rec := range d.store {
		if rec.Publisher == d.self {
			owned = append(owned, struct {
				ns  string
				rec dhtRecord
			}{ns, rec})
		}
	}
	d.mu.RUnlock()

	connected := d.transport.Peers()
	candidates := d.candidatePeers()
	for _, o := range owned {
		r := replicationFactor(o.rec.Space, d.replBase, len(connected))
		targets := closestToKey(o.ns, candidates, r-1)
		_ = d.replicateTo(targets, o.ns, o.rec)
	}
}

func (d *WebDHT) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(config.DHTSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.sweepExpired()
		}
	}
}

func (d *WebDHT) sweepExpired() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-config.DHTRecordMaxAge)
	for ns, rec := range d.store {
		if time.UnixMilli(rec.Timestamp).Before(cutoff) {
			delete(d.store, ns)
		}
	}
	if d.metrics != nil {
		d.metrics.DHTRecordCount.Set(float64(len(d.store)))
	}
}
