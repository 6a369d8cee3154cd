package mesh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/internal/metrics"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
)

// PeerRecord tracks a known peer's discovery lineage (spec §4.4 "Peer
// Discovery"), independent of whether a connection to it currently exists.
type PeerRecord struct {
	ID          peerid.ID
	FirstSeenAt time.Time
	LastSeenAt  time.Time
}

// Discovery tracks every peer ID seen via the signaling relay's announce
// broadcasts, ages them out after DiscoveryStaleAfter, and is the source
// the Optimizer consults for candidates to connect to.
type Discovery struct {
	self    peerid.ID
	metrics *metrics.Metrics
	log     *slog.Logger

	mu      sync.RWMutex
	records map[peerid.ID]*PeerRecord

	onDiscovered func(peerid.ID)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDiscovery constructs a Discovery tracker. onDiscovered fires the first
// time a previously-unknown peer is observed; nil-safe.
func NewDiscovery(self peerid.ID, m *metrics.Metrics, log *slog.Logger, onDiscovered func(peerid.ID)) *Discovery {
	return &Discovery{
		self:         self,
		metrics:      m,
		log:          log.With("component", "discovery"),
		records:      make(map[peerid.ID]*PeerRecord),
		onDiscovered: onDiscovered,
	}
}

// Start begins the background staleness sweep.
func (d *Discovery) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.wg.Add(1)
	go d.sweepLoop()
}

// Close stops the staleness sweep.
func (d *Discovery) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Observe records that peer was seen; the Mesh calls it for every signaling
// frame received from another peer (announce, offer, answer, ICE, ...).
// Returns true the first time this peer is seen.
func (d *Discovery) Observe(peer peerid.ID) bool {
	if peer == d.self {
		return false
	}
	d.mu.Lock()
	rec, known := d.records[peer]
	now := time.Now()
	if !known {
		rec = &PeerRecord{ID: peer, FirstSeenAt: now}
		d.records[peer] = rec
	}
	rec.LastSeenAt = now
	d.mu.Unlock()

	if !known {
		if d.metrics != nil {
			d.metrics.PeersDiscovered.Inc()
		}
		if d.onDiscovered != nil {
			d.onDiscovered(peer)
		}
	}
	return !known
}

// Forget removes a peer from discovery entirely. Called once a peer's
// connection attempts are exhausted (spec §4.3/§4.4: "the peer is removed
// from discovery and further attempts are refused until a fresh announce
// arrives") — Known() stops returning it immediately, and a later Observe
// re-adds it and fires onDiscovered as though it were new.
func (d *Discovery) Forget(peer peerid.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, peer)
}

// Known returns every currently-tracked peer ID.
func (d *Discovery) Known() []peerid.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]peerid.ID, 0, len(d.records))
	for id := range d.records {
		out = append(out, id)
	}
	return out
}

func (d *Discovery) sweepLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(config.DiscoveryStaleAfter)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.evictStale()
		}
	}
}

func (d *Discovery) evictStale() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-config.DiscoveryStaleAfter)
	for id, rec := range d.records {
		if rec.LastSeenAt.Before(cutoff) {
			delete(d.records, id)
		}
	}
}
