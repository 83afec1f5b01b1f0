// Package config provides configuration management for the thorium runtime
package config

import (
	"runtime"
	"time"
)

// Environment represents the deployment environment
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// String returns the string representation of Environment
func (e Environment) String() string {
	return string(e)
}

// IsValid checks if the environment is valid
func (e Environment) IsValid() bool {
	switch e {
	case EnvDevelopment, EnvTesting, EnvStaging, EnvProduction:
		return true
	default:
		return false
	}
}

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelTrace LogLevel = "trace"
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// String returns the string representation of LogLevel
func (l LogLevel) String() string {
	return string(l)
}

// IsValid checks if the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelTrace, LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError, LogLevelFatal:
		return true
	default:
		return false
	}
}

// Transport kinds
const (
	TransportLocal = "local"
	TransportTCP   = "tcp"
)

// Config represents the complete runtime configuration
type Config struct {
	// Application configuration
	App AppConfig `yaml:"app" json:"app"`

	// Logging configuration
	Log LogConfig `yaml:"log" json:"log"`

	// Node identity and actor naming
	Node NodeConfig `yaml:"node" json:"node"`

	// Worker pool
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Outbound batching
	Multiplexer MultiplexerConfig `yaml:"multiplexer" json:"multiplexer"`

	// One-to-many sends
	Broadcast BroadcastConfig `yaml:"broadcast" json:"broadcast"`

	// Message-reply cache
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Node-to-node transport
	Transport TransportConfig `yaml:"transport" json:"transport"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	// Application name
	Name string `yaml:"name" json:"name"`

	// Application version
	Version string `yaml:"version" json:"version"`

	// Deployment environment
	Environment Environment `yaml:"environment" json:"environment"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	// Log level
	Level LogLevel `yaml:"level" json:"level"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format"`

	// Log output (stdout, stderr, or a file path)
	Output string `yaml:"output" json:"output"`
}

// NodeConfig places this process in the cluster
type NodeConfig struct {
	// Rank of this node, in [0, size)
	Rank int `yaml:"rank" json:"rank"`

	// Number of nodes
	Size int `yaml:"size" json:"size"`

	// Name-to-rank strategy: round_robin or block
	Partition string `yaml:"partition" json:"partition"`

	// Names per rank for the block partition
	BlockSize int `yaml:"block_size" json:"block_size"`

	// Largest single arena allocation in bytes
	MaxAllocation int `yaml:"max_allocation" json:"max_allocation"`
}

// SchedulerConfig contains worker pool configuration
type SchedulerConfig struct {
	Workers       int           `yaml:"workers" json:"workers"`
	StealAttempts int           `yaml:"steal_attempts" json:"steal_attempts"`
	MinBackoff    time.Duration `yaml:"min_backoff" json:"min_backoff"`
	MaxBackoff    time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// MultiplexerConfig contains batching thresholds
type MultiplexerConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Buffered bytes that force a flush; 0 means 90% of the preferred size
	SizeThreshold int `yaml:"size_threshold" json:"size_threshold"`

	// Longest wait of a buffered message; 0 disables batching
	TimeThreshold time.Duration `yaml:"time_threshold" json:"time_threshold"`

	// Smallest cluster that batches
	MinNodes int `yaml:"min_nodes" json:"min_nodes"`
}

// BroadcastConfig contains binomial tree parameters
type BroadcastConfig struct {
	// Lists shorter than this are sent directly
	Threshold int `yaml:"threshold" json:"threshold"`
}

// CacheConfig contains the message cache enable list
type CacheConfig struct {
	Actions []int32 `yaml:"actions" json:"actions"`
}

// TransportConfig contains node-to-node transport configuration
type TransportConfig struct {
	// Kind is local (in-process) or tcp
	Kind string `yaml:"kind" json:"kind"`

	// Listen address of this node
	Listen string `yaml:"listen" json:"listen"`

	// Address of every rank, indexed by rank
	Peers []string `yaml:"peers" json:"peers"`

	PreferredMessageSize int           `yaml:"preferred_message_size" json:"preferred_message_size"`
	DialTimeout          time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	WriteTimeout         time.Duration `yaml:"write_timeout" json:"write_timeout"`
	DialAttempts         int           `yaml:"dial_attempts" json:"dial_attempts"`

	// Protocol version announced in handshakes
	Version string `yaml:"version" json:"version"`
}

// DefaultConfig returns a single-node configuration
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "thorium",
			Version:     "1.0.0",
			Environment: EnvDevelopment,
		},
		Log: LogConfig{
			Level:  LogLevelInfo,
			Format: "text",
			Output: "stdout",
		},
		Node: NodeConfig{
			Rank:          0,
			Size:          1,
			Partition:     "round_robin",
			BlockSize:     1 << 20,
			MaxAllocation: 256 * 1024 * 1024,
		},
		Scheduler: SchedulerConfig{
			Workers:       runtime.NumCPU(),
			StealAttempts: 4,
			MinBackoff:    50 * time.Microsecond,
			MaxBackoff:    5 * time.Millisecond,
		},
		Multiplexer: MultiplexerConfig{
			Enabled:       true,
			TimeThreshold: 0,
			MinNodes:      16,
		},
		Broadcast: BroadcastConfig{
			Threshold: 4,
		},
		Transport: TransportConfig{
			Kind:                 TransportLocal,
			Listen:               "127.0.0.1:7600",
			PreferredMessageSize: 4096,
			DialTimeout:          5 * time.Second,
			WriteTimeout:         10 * time.Second,
			DialAttempts:         5,
			Version:              "1.0.0",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate app config
	if c.App.Name == "" {
		return ErrInvalidAppName
	}
	if !c.App.Environment.IsValid() {
		return ErrInvalidEnvironment
	}

	// Validate log config
	if !c.Log.Level.IsValid() {
		return ErrInvalidLogLevel
	}
	if c.Log.Format != "" && c.Log.Format != "text" && c.Log.Format != "json" {
		return ErrInvalidLogFormat
	}

	// Validate node config
	if c.Node.Size <= 0 {
		return ErrInvalidNodeSize
	}
	if c.Node.Rank < 0 || c.Node.Rank >= c.Node.Size {
		return ErrInvalidRank
	}
	switch c.Node.Partition {
	case "round_robin":
	case "block":
		if c.Node.BlockSize <= 0 {
			return ErrInvalidPartition
		}
	default:
		return ErrInvalidPartition
	}
	if c.Node.MaxAllocation < 0 {
		return ErrInvalidMaxAllocation
	}

	// Validate scheduler config
	if c.Scheduler.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if c.Scheduler.StealAttempts < 0 || c.Scheduler.MinBackoff < 0 || c.Scheduler.MaxBackoff < c.Scheduler.MinBackoff {
		return ErrInvalidScheduler
	}

	// Validate multiplexer config
	if c.Multiplexer.SizeThreshold < 0 || c.Multiplexer.TimeThreshold < 0 || c.Multiplexer.MinNodes < 0 {
		return ErrInvalidMultiplexer
	}
	if c.Broadcast.Threshold < 0 {
		return ErrInvalidBroadcast
	}

	// Validate transport config
	switch c.Transport.Kind {
	case TransportLocal:
	case TransportTCP:
		if len(c.Transport.Peers) != c.Node.Size {
			return ErrInvalidPeers
		}
		if c.Transport.Listen == "" {
			return ErrInvalidTransport
		}
	default:
		return ErrInvalidTransport
	}
	if c.Transport.PreferredMessageSize <= 0 {
		return ErrInvalidTransport
	}

	return nil
}

// IsDevelopment returns true if the environment is development
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if the environment is production
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// SizeThreshold returns the multiplexer size threshold, derived from the
// preferred message size when unset
func (c *Config) SizeThreshold() int {
	if c.Multiplexer.SizeThreshold > 0 {
		return c.Multiplexer.SizeThreshold
	}
	return c.Transport.PreferredMessageSize * 9 / 10
}
