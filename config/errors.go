// Package config provides error definitions for configuration management
package config

import "errors"

// Configuration validation errors
var (
	ErrInvalidAppName       = errors.New("invalid application name")
	ErrInvalidEnvironment   = errors.New("invalid environment")
	ErrInvalidLogLevel      = errors.New("invalid log level")
	ErrInvalidLogFormat     = errors.New("invalid log format")
	ErrInvalidNodeSize      = errors.New("invalid node count")
	ErrInvalidRank          = errors.New("invalid node rank")
	ErrInvalidPartition     = errors.New("invalid partition")
	ErrInvalidMaxAllocation = errors.New("invalid max allocation")
	ErrInvalidWorkers       = errors.New("invalid worker count")
	ErrInvalidScheduler     = errors.New("invalid scheduler settings")
	ErrInvalidMultiplexer   = errors.New("invalid multiplexer thresholds")
	ErrInvalidBroadcast     = errors.New("invalid broadcast threshold")
	ErrInvalidTransport     = errors.New("invalid transport")
	ErrInvalidPeers         = errors.New("peer list does not match node count")
)

// Configuration loading errors
var (
	ErrConfigFileNotFound  = errors.New("configuration file not found")
	ErrConfigParseError    = errors.New("configuration parse error")
	ErrEnvironmentVarError = errors.New("environment variable error")
	ErrConfigWatchError    = errors.New("configuration watch error")
)
