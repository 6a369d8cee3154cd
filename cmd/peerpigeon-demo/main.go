// Command peerpigeon-demo brings up a single mesh node against a signaling
// relay, logs every observable event, and optionally broadcasts a gossip
// message on an interval. It exists to exercise pkg/mesh end to end; it is
// not a product surface (spec §1 excludes CLI wrappers from scope).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/internal/metrics"
	"github.com/peerpigeon/peerpigeon/pkg/mesh"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))

	fs := flag.NewFlagSet("peerpigeon-demo", flag.ExitOnError)
	configPath := fs.String("config", "", "path to a mesh config YAML file (optional)")
	signalingURL := fs.String("signaling-url", "", "signaling relay websocket URL (overrides config)")
	networkName := fs.String("network", "", "DHT network name (overrides config)")
	announceStr := fs.String("announce", "", "broadcast a gossip message on this interval, e.g. 10s (empty disables)")
	metricsAddr := fs.String("metrics-addr", "", "enable Prometheus metrics on this address, e.g. 127.0.0.1:9091")
	fs.Parse(os.Args[1:])

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if *signalingURL != "" {
		cfg.Signaling.URL = *signalingURL
	}
	if *networkName != "" {
		cfg.DHT.NetworkName = *networkName
	}
	if *metricsAddr != "" {
		cfg.Telemetry.Metrics.Enabled = true
		cfg.Telemetry.Metrics.ListenAddress = *metricsAddr
	}
	if cfg.Signaling.URL == "" {
		fatal("signaling URL is required: pass --signaling-url or set signaling.url in --config")
	}

	self, err := resolveSelf(cfg.Identity.PeerID)
	if err != nil {
		fatal("resolve identity: %v", err)
	}

	m, err := metricsForConfig(cfg)
	if err != nil {
		fatal("init metrics: %v", err)
	}

	node, err := mesh.New(mesh.Config{
		Self:    self,
		Mesh:    cfg,
		Metrics: m,
		Logger:  slog.Default(),
	})
	if err != nil {
		fatal("assemble mesh: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	node.Start(ctx)
	defer node.Close()

	slog.Info("peerpigeon-demo started", "peer", self.String(), "version", version, "commit", commit, "signaling", cfg.Signaling.URL, "network", cfg.DHT.NetworkName)

	if *announceStr != "" {
		interval, err := time.ParseDuration(*announceStr)
		if err != nil {
			fatal("invalid --announce interval %q: %v", *announceStr, err)
		}
		go announceLoop(ctx, node, interval)
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case ev, ok := <-node.Events():
			if !ok {
				return
			}
			logEvent(ev)
		}
	}
}

func loadConfig(path string) (*config.MeshConfig, error) {
	if path == "" {
		cfg := &config.MeshConfig{}
		cfg.ApplyDefaults()
		return cfg, nil
	}
	return config.Load(path)
}

func resolveSelf(pinned string) (peerid.ID, error) {
	if pinned == "" {
		return peerid.Generate()
	}
	return peerid.Parse(pinned)
}

func metricsForConfig(cfg *config.MeshConfig) (*metrics.Metrics, error) {
	m := metrics.New(version, runtime.Version())
	if cfg.Telemetry.Metrics.Enabled {
		go serveMetrics(cfg.Telemetry.Metrics.ListenAddress, m)
	}
	return m, nil
}

func serveMetrics(addr string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	slog.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}

func announceLoop(ctx context.Context, node *mesh.Mesh, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, _ := json.Marshal(map[string]any{"peer": node.Self().String(), "ts": time.Now().UnixMilli()})
			if err := node.Broadcast("demo-announce", payload); err != nil {
				slog.Warn("broadcast failed", "error", err)
			}
		}
	}
}

func logEvent(ev mesh.Event) {
	switch ev.Kind {
	case mesh.EventPeerDiscovered:
		slog.Info("peer discovered", "peer", ev.Peer.Short())
	case mesh.EventPeerConnected:
		slog.Info("peer connected", "peer", ev.Peer.Short())
	case mesh.EventPeerDisconnect:
		slog.Info("peer disconnected", "peer", ev.Peer.Short())
	case mesh.EventPeerEvicted:
		slog.Info("peer evicted", "peer", ev.Peer.Short(), "reason", ev.Reason)
	case mesh.EventMessage:
		slog.Info("message received", "peer", ev.Peer.Short(), "bytes", len(ev.Message))
	case mesh.EventDHTValueChange:
		slog.Info("dht value changed", "key", ev.DHTKey)
	default:
		slog.Info("event", "kind", ev.Kind)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
