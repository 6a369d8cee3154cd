package mesh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
)

// optimizerTick is how often the Optimizer evaluates whether to open more
// connections. Isolated peers react immediately on discovery instead of
// waiting for this tick (spec §4.4 "Optimizer").
const optimizerTick = 3 * time.Second

// hysteresisFraction is the fraction of MaxPeers below which the Optimizer
// proactively dials more peers once MaxPeers is large enough for hysteresis
// to matter (spec §4.4: "for max_peers > 3, reconnect once below 70%").
const hysteresisFraction = 0.7

// Optimizer decides when to open new outbound connections: immediately
// when isolated, to satisfy MinPeers, or to refill capacity once
// connection count drops under the hysteresis threshold.
type Optimizer struct {
	self      peerid.ID
	cfg       config.TopologyConfig
	conns     *ConnectionManager
	discovery *Discovery
	log       *slog.Logger

	dial func(ctx context.Context, target peerid.ID)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewOptimizer(self peerid.ID, cfg config.TopologyConfig, conns *ConnectionManager, discovery *Discovery, log *slog.Logger, dial func(context.Context, peerid.ID)) *Optimizer {
	return &Optimizer{self: self, cfg: cfg, conns: conns, discovery: discovery, log: log.With("component", "optimizer"), dial: dial}
}

// Start begins the periodic evaluation loop.
func (o *Optimizer) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.wg.Add(1)
	go o.loop()
}

func (o *Optimizer) Close() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// OnPeerDiscovered reacts immediately when isolated, rather than waiting
// for the next tick (spec §4.4 "immediate-initiate-when-isolated").
func (o *Optimizer) OnPeerDiscovered(peer peerid.ID) {
	if !o.cfg.IsAutoDiscoveryEnabled() {
		return
	}
	if o.conns.IsIsolated() {
		o.log.Info("isolated, dialing newly discovered peer immediately", "peer", peer.Short())
		o.dial(o.ctx, peer)
	}
}

func (o *Optimizer) loop() {
	defer o.wg.Done()
	ticker := time.NewTicker(optimizerTick)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.evaluate()
		}
	}
}

func (o *Optimizer) evaluate() {
	if !o.cfg.IsAutoDiscoveryEnabled() {
		return
	}
	connected := o.conns.Peers()
	if !o.shouldOpenMore(len(connected)) {
		return
	}

	candidates := o.discovery.Known()
	target, ok := o.pickCandidate(connected, candidates, len(connected) == 0)
	if !ok {
		return
	}
	o.dial(o.ctx, target)
}

// shouldOpenMore implements spec §4.4's optimizer cadence: always react to
// isolation or a shortfall below minPeers; once minPeers is satisfied, a
// small mesh (maxPeers <= 3) keeps dialing until fully saturated, while a
// larger mesh stops early at 70% of maxPeers to avoid connection churn.
func (o *Optimizer) shouldOpenMore(connectedCount int) bool {
	if connectedCount == 0 {
		return true
	}
	if connectedCount < o.cfg.MinPeers {
		return true
	}
	if connectedCount >= o.cfg.MaxPeers {
		return false
	}
	if o.cfg.MaxPeers <= 3 {
		return true
	}
	threshold := float64(o.cfg.MaxPeers) * hysteresisFraction
	return float64(connectedCount) < threshold
}

// pickCandidate chooses the closest (by XOR distance) discovered peer not
// already connected, when xor_routing is enabled; otherwise the first
// unconnected candidate (spec §6 "xor_routing").
//
// Per spec §4.4 "Initiation rule", a peer only initiates to peers with a
// lexicographically greater ID ("lower initiates") to prevent duplicate-offer
// races, unless isolated (zero live connections), which overrides the rule
// so the mesh can recover from isolation regardless of ID ordering.
func (o *Optimizer) pickCandidate(connected, candidates []peerid.ID, isolated bool) (peerid.ID, bool) {
	connectedSet := make(map[peerid.ID]struct{}, len(connected))
	for _, p := range connected {
		connectedSet[p] = struct{}{}
	}

	var unconnected []peerid.ID
	for _, c := range candidates {
		if c == o.self {
			continue
		}
		if _, ok := connectedSet[c]; ok {
			continue
		}
		if !isolated && !peerid.Less(o.self, c) {
			continue
		}
		unconnected = append(unconnected, c)
	}
	if len(unconnected) == 0 {
		return peerid.ID{}, false
	}
	if o.cfg.IsXORRoutingEnabled() {
		ordered := peerid.Closest(o.self, unconnected, 1)
		return ordered[0], true
	}
	return unconnected[0], true
}
