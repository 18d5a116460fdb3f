package node

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/renzhidao/m2/internal/config"
	"github.com/renzhidao/m2/internal/loop"
	"github.com/renzhidao/m2/internal/metrics"
	"github.com/renzhidao/m2/internal/presence"
	"github.com/renzhidao/m2/internal/store"
	"github.com/renzhidao/m2/internal/transport"
)

// Assembly is a production node with the resources it owns.
type Assembly struct {
	Controller *Controller
	Loop       *loop.Loop
	Store      *store.PebbleStore
}

// Close releases resources the controller does not own.
func (a *Assembly) Close() error {
	return a.Store.Close()
}

// Build assembles a node over libp2p, the websocket presence broker and a
// pebble store under cfg.Node.DataDir. Metrics register on reg.
func Build(cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*Assembly, error) {
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
		logger.Info("Generated node id", zap.String("id", cfg.Node.ID))
	}
	if cfg.Node.Name == "" {
		cfg.Node.Name = "user-" + cfg.Node.ID[:min(6, len(cfg.Node.ID))]
	}

	st, err := store.Open(filepath.Join(cfg.Node.DataDir, "messages"), logger.Named("store"))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	lp := loop.New(nil, logger.Named("loop"))
	tr := transport.NewLibP2PTransport(transport.LibP2PConfig{
		ListenAddrs:    cfg.Transport.ListenAddrs,
		BootstrapPeers: cfg.Transport.BootstrapPeers,
		Protocol:       cfg.Transport.Protocol,
		MDNS:           cfg.Transport.MDNS,
	}, logger.Named("libp2p"))

	c, err := New(cfg, Deps{
		Sched:     lp,
		Transport: tr,
		Dialer:    presence.NewWebsocketDialer(logger.Named("broker")),
		Store:     st,
		Metrics:   metrics.New("m2", reg),
		Clock:     NewTimeSync(cfg.TimeSync.URL, logger.Named("timesync")),
	}, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	return &Assembly{Controller: c, Loop: lp, Store: st}, nil
}
