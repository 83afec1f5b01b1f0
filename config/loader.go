// Package config loads, validates and watches the runtime configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFormat names a document encoding.
type ConfigFormat string

const (
	FormatYAML ConfigFormat = "yaml"
	FormatJSON ConfigFormat = "json"
)

// Loader handles configuration loading from files and the environment
type Loader struct {
	// directories AutoLoad looks in
	searchPaths []string

	// prefix of override variables, without the trailing underscore
	envPrefix string

	// Values for every field a file leaves out
	defaultConfig *Config
}

// NewLoader returns a loader with the default search paths and prefix.
func NewLoader() *Loader {
	return &Loader{
		searchPaths: []string{
			".",
			"./config",
			"./configs",
			"/etc/thorium",
			os.Getenv("HOME") + "/.thorium",
		},
		envPrefix:     "THORIUM",
		defaultConfig: DefaultConfig(),
	}
}

// SetSearchPaths replaces the directories AutoLoad looks in.
func (l *Loader) SetSearchPaths(paths []string) *Loader {
	l.searchPaths = paths
	return l
}

// SetEnvPrefix changes the override variable prefix.
func (l *Loader) SetEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// SetDefaultConfig sets the configuration files are decoded onto
func (l *Loader) SetDefaultConfig(config *Config) *Loader {
	l.defaultConfig = config
	return l
}

// Load loads configuration from filename, or the defaults when filename is
// empty, then applies environment overrides and validates the result.
func (l *Loader) Load(filename string) (*Config, error) {
	if filename == "" {
		return l.finish(l.defaults())
	}
	return l.LoadFromFile(filename)
}

// LoadFromFile reads filename, choosing the format from its extension.
func (l *Loader) LoadFromFile(filename string) (*Config, error) {
	format, err := formatOf(filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", filename, ErrConfigFileNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", filename, err)
	}
	return l.finish(config)
}

// LoadFromReader decodes a document of the given format from reader.
func (l *Loader) LoadFromReader(reader io.Reader, format ConfigFormat) (*Config, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	config, err := l.parseConfig(data, format)
	if err != nil {
		return nil, err
	}
	return l.finish(config)
}

// AutoLoad discovers a configuration file in the search paths. Without one
// the defaults are used.
func (l *Loader) AutoLoad() (*Config, error) {
	configFile, err := l.findConfigFile()
	if errors.Is(err, ErrConfigFileNotFound) {
		return l.finish(l.defaults())
	}
	if err != nil {
		return nil, err
	}
	return l.LoadFromFile(configFile)
}

// finish applies environment overrides and validates.
func (l *Loader) finish(config *Config) (*Config, error) {
	if err := l.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return config, nil
}

func (l *Loader) defaults() *Config {
	if l.defaultConfig == nil {
		return DefaultConfig()
	}
	return l.defaultConfig.Clone()
}

// findConfigFile returns the first known file name present in a search path.
func (l *Loader) findConfigFile() (string, error) {
	filenames := []string{
		"thorium.yaml", "thorium.yml",
		"config.yaml", "config.yml",
		"thorium.json", "config.json",
	}

	for _, searchPath := range l.searchPaths {
		for _, filename := range filenames {
			fullPath := filepath.Join(searchPath, filename)
			if _, err := os.Stat(fullPath); err == nil {
				return fullPath, nil
			}
		}
	}

	return "", ErrConfigFileNotFound
}

func formatOf(filename string) (ConfigFormat, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported config file format: %s", ext)
	}
}

// parseConfig decodes data onto a copy of the defaults, so fields the
// document leaves out keep their default values.
func (l *Loader) parseConfig(data []byte, format ConfigFormat) (*Config, error) {
	config := l.defaults()

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: yaml: %v", ErrConfigParseError, err)
		}
	case FormatJSON:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("%w: json: %v", ErrConfigParseError, err)
		}
	default:
		return nil, fmt.Errorf("unknown config format: %s", format)
	}

	return config, nil
}

// loadFromEnv applies PREFIX_SECTION_FIELD overrides.
func (l *Loader) loadFromEnv(config *Config) error {
	env := envReader{prefix: l.envPrefix}

	// app
	env.setString("APP_NAME", &config.App.Name)
	env.setString("APP_VERSION", &config.App.Version)
	if val, ok := env.lookup("APP_ENVIRONMENT"); ok {
		config.App.Environment = Environment(val)
	}

	// log
	if val, ok := env.lookup("LOG_LEVEL"); ok {
		config.Log.Level = LogLevel(strings.ToLower(val))
	}
	env.setString("LOG_FORMAT", &config.Log.Format)
	env.setString("LOG_OUTPUT", &config.Log.Output)

	// node
	env.setInt("NODE_RANK", &config.Node.Rank)
	env.setInt("NODE_SIZE", &config.Node.Size)
	env.setString("NODE_PARTITION", &config.Node.Partition)
	env.setInt("NODE_BLOCK_SIZE", &config.Node.BlockSize)

	// scheduler
	env.setInt("SCHEDULER_WORKERS", &config.Scheduler.Workers)
	env.setInt("SCHEDULER_STEAL_ATTEMPTS", &config.Scheduler.StealAttempts)

	// multiplexer
	env.setBool("MULTIPLEXER_ENABLED", &config.Multiplexer.Enabled)
	env.setInt("MULTIPLEXER_SIZE_THRESHOLD", &config.Multiplexer.SizeThreshold)
	env.setDuration("MULTIPLEXER_TIME_THRESHOLD", &config.Multiplexer.TimeThreshold)
	env.setInt("BROADCAST_THRESHOLD", &config.Broadcast.Threshold)

	// transport
	env.setString("TRANSPORT_KIND", &config.Transport.Kind)
	env.setString("TRANSPORT_LISTEN", &config.Transport.Listen)
	if val, ok := env.lookup("TRANSPORT_PEERS"); ok {
		config.Transport.Peers = strings.Split(val, ",")
	}

	return env.err
}

// envReader collects the first malformed variable.
type envReader struct {
	prefix string
	err    error
}

func (e *envReader) lookup(key string) (string, bool) {
	val := os.Getenv(e.prefix + "_" + key)
	return val, val != ""
}

func (e *envReader) fail(key, val string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("%w: %s_%s=%q: %v", ErrEnvironmentVarError, e.prefix, key, val, err)
	}
}

func (e *envReader) setString(key string, dst *string) {
	if val, ok := e.lookup(key); ok {
		*dst = val
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if val, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if val, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if val, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(val)
		if err != nil {
			e.fail(key, val, err)
			return
		}
		*dst = d
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	out.Cache.Actions = append([]int32(nil), c.Cache.Actions...)
	out.Transport.Peers = append([]string(nil), c.Transport.Peers...)
	return &out
}
