package cluster

import (
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/najoast/thorium/config"
	"github.com/najoast/thorium/message"
	"github.com/najoast/thorium/multiplexer"
)

// NewConfig builds node parameters from a loaded configuration.
func NewConfig(cfg *config.Config) Config {
	c := DefaultConfig(cfg.Transport.PreferredMessageSize)
	c.Partition = cfg.Node.Partition
	c.BlockSize = cfg.Node.BlockSize

	c.Scheduler.Workers = cfg.Scheduler.Workers
	c.Scheduler.StealAttempts = cfg.Scheduler.StealAttempts
	c.Scheduler.MinBackoff = cfg.Scheduler.MinBackoff
	c.Scheduler.MaxBackoff = cfg.Scheduler.MaxBackoff
	if cfg.Node.MaxAllocation > 0 {
		c.Scheduler.MaxAllocation = cfg.Node.MaxAllocation
	}

	c.Multiplexer = multiplexer.Config{
		Enabled:       cfg.Multiplexer.Enabled,
		SizeThreshold: cfg.SizeThreshold(),
		TimeThreshold: cfg.Multiplexer.TimeThreshold,
		MinNodes:      cfg.Multiplexer.MinNodes,
	}
	c.BroadcastThreshold = cfg.Broadcast.Threshold
	c.CacheActions = cacheActions(cfg.Cache.Actions)
	if cfg.Transport.WriteTimeout > 0 {
		c.SendTimeout = cfg.Transport.WriteTimeout
	}
	return c
}

// ApplyConfig updates the settings that may change while the node runs:
// multiplexer thresholds and the cache enable list.
func (n *Node) ApplyConfig(cfg *config.Config) error {
	err := errors.Join(
		n.mux.SetThresholds(cfg.SizeThreshold(), cfg.Multiplexer.TimeThreshold),
		n.mux.SetEnabled(cfg.Multiplexer.Enabled),
	)
	n.cache.SetEnabled(cacheActions(cfg.Cache.Actions))

	log.WithFields(log.Fields{
		"rank":           n.rank,
		"size_threshold": cfg.SizeThreshold(),
		"time_threshold": cfg.Multiplexer.TimeThreshold,
		"batching":       cfg.Multiplexer.Enabled,
		"cached":         len(cfg.Cache.Actions),
	}).Info("node configuration applied")
	return err
}

func cacheActions(actions []int32) []message.Action {
	out := make([]message.Action, len(actions))
	for i, a := range actions {
		out[i] = message.Action(a)
	}
	return out
}
