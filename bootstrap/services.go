package bootstrap

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/najoast/thorium/cluster"
	"github.com/najoast/thorium/config"
	"github.com/najoast/thorium/message"
	"github.com/najoast/thorium/network"
)

// NewTransport creates the transport named by cfg. A local transport is one
// endpoint of a private in-process hub, so only a single-node cluster is
// fully reachable with it.
func NewTransport(cfg *config.Config) (network.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportLocal:
		if cfg.Node.Size > 1 {
			log.WithField("size", cfg.Node.Size).Warn("local transport cannot reach other ranks")
		}
		hub := network.NewHub(cfg.Node.Size, cfg.Transport.PreferredMessageSize)
		return hub.Endpoint(message.NodeRank(cfg.Node.Rank)), nil
	case config.TransportTCP:
		return network.NewTCPTransport(network.TCPConfig{
			Rank:                 message.NodeRank(cfg.Node.Rank),
			Listen:               cfg.Transport.Listen,
			Peers:                cfg.Transport.Peers,
			PreferredMessageSize: cfg.Transport.PreferredMessageSize,
			DialTimeout:          cfg.Transport.DialTimeout,
			WriteTimeout:         cfg.Transport.WriteTimeout,
			DialAttempts:         cfg.Transport.DialAttempts,
			Version:              cfg.Transport.Version,
		})
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrInvalidTransport, cfg.Transport.Kind)
	}
}

type statser interface {
	Stats() network.Stats
}

// TransportService manages a transport.
type TransportService struct {
	transport network.Transport
}

func (s *TransportService) Name() string { return "transport" }

// Start outlives the start timeout: the transport runs until Stop.
func (s *TransportService) Start(ctx context.Context) error {
	return s.transport.Start(context.WithoutCancel(ctx))
}

func (s *TransportService) Stop(ctx context.Context) error {
	return s.transport.Stop(ctx)
}

func (s *TransportService) Health(ctx context.Context) (HealthStatus, error) {
	status := HealthStatus{State: HealthHealthy, Message: "transport running"}
	if st, ok := s.transport.(statser); ok {
		stats := st.Stats()
		status.Data = map[string]interface{}{
			"packets_sent":     stats.PacketsSent,
			"packets_received": stats.PacketsReceived,
			"connections":      stats.Connections,
		}
	}
	return status, nil
}

// NodeService manages the actor engine.
type NodeService struct {
	node *cluster.Node
}

func (s *NodeService) Name() string { return "node" }

func (s *NodeService) Start(ctx context.Context) error {
	return s.node.Start(context.WithoutCancel(ctx))
}

func (s *NodeService) Stop(ctx context.Context) error {
	return s.node.Stop(ctx)
}

// Health reports degraded while any peer is unreachable.
func (s *NodeService) Health(ctx context.Context) (HealthStatus, error) {
	stats := s.node.Stats()
	status := HealthStatus{
		State:   HealthHealthy,
		Message: "node running",
		Data: map[string]interface{}{
			"rank":     stats.Rank,
			"actors":   stats.Actors,
			"local":    stats.Local,
			"remote":   stats.Remote,
			"failures": stats.Failures,
		},
	}
	if len(stats.Unreachable) > 0 {
		status.State = HealthDegraded
		status.Message = fmt.Sprintf("unreachable ranks %v", stats.Unreachable)
	}
	return status, nil
}

// WatcherService reloads the configuration file and applies the tunable
// settings to the node.
type WatcherService struct {
	watcher *config.Watcher
	node    *cluster.Node
}

func (s *WatcherService) Name() string { return "config-watcher" }

func (s *WatcherService) Start(ctx context.Context) error {
	s.watcher.OnConfigChange(s.apply)
	return s.watcher.Start()
}

func (s *WatcherService) Stop(ctx context.Context) error {
	return s.watcher.Stop()
}

func (s *WatcherService) Health(ctx context.Context) (HealthStatus, error) {
	return HealthStatus{State: HealthHealthy, Message: "watching configuration"}, nil
}

func (s *WatcherService) apply(oldConfig, newConfig *config.Config) {
	if oldConfig.Node != newConfig.Node || oldConfig.Transport.Kind != newConfig.Transport.Kind ||
		oldConfig.Transport.Listen != newConfig.Transport.Listen {
		log.Warn("node and transport settings change only on restart")
	}
	if err := s.node.ApplyConfig(newConfig); err != nil {
		log.WithError(err).Error("failed to apply configuration")
	}
}
