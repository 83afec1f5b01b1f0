package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/najoast/thorium/cluster"
	"github.com/najoast/thorium/config"
	"github.com/najoast/thorium/core"
	"github.com/najoast/thorium/network"
)

// ErrAlreadyRunning is returned by a second Start or Run.
var ErrAlreadyRunning = errors.New("application is already running")

// DefaultApplication implements Application
type DefaultApplication struct {
	config    *config.Config
	transport network.Transport
	node      *cluster.Node
	lifecycle *DefaultLifecycleManager
	logs      io.Closer

	shutdownTimeout time.Duration
	running         atomic.Bool
}

// Start starts every service in dependency order
func (app *DefaultApplication) Start(ctx context.Context) error {
	if !app.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if err := app.lifecycle.Start(ctx); err != nil {
		app.running.Store(false)
		return err
	}
	log.WithFields(log.Fields{
		"app":     app.config.App.Name,
		"version": app.config.App.Version,
		"rank":    app.node.Rank(),
		"size":    app.node.Size(),
	}).Info("application started")
	return nil
}

// Run runs the application until ctx is done or SIGINT/SIGTERM arrives
func (app *DefaultApplication) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	log.Info("shutting down")

	return app.Shutdown(context.Background())
}

// Shutdown stops every service in reverse order
func (app *DefaultApplication) Shutdown(ctx context.Context) error {
	if !app.running.CompareAndSwap(true, false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, app.shutdownTimeout)
	defer cancel()

	err := app.lifecycle.Stop(ctx)
	log.Info("application stopped")
	if app.logs != nil {
		log.SetOutput(os.Stderr)
		app.logs.Close()
	}
	return err
}

// Node returns the actor engine
func (app *DefaultApplication) Node() *cluster.Node {
	return app.node
}

// Config returns the configuration the application was built from
func (app *DefaultApplication) Config() *config.Config {
	return app.config
}

// LifecycleManager returns the lifecycle manager
func (app *DefaultApplication) LifecycleManager() LifecycleManager {
	return app.lifecycle
}

// ApplicationBuilder assembles an application
type ApplicationBuilder struct {
	config     *config.Config
	configFile string
	watch      bool
	scripts    *core.Registry
	transport  network.Transport
	logging    bool
	services   []Service
	deps       [][]string
	err        error
}

// NewApplicationBuilder creates a builder with the default configuration
func NewApplicationBuilder() *ApplicationBuilder {
	return &ApplicationBuilder{
		config:  config.DefaultConfig(),
		scripts: core.NewRegistry(),
		logging: true,
	}
}

// WithConfig uses cfg as is
func (b *ApplicationBuilder) WithConfig(cfg *config.Config) *ApplicationBuilder {
	b.config = cfg
	return b
}

// WithConfigFile loads filename. With watch set, later edits of the file
// are applied to the running node.
func (b *ApplicationBuilder) WithConfigFile(filename string, watch bool) *ApplicationBuilder {
	cfg, err := config.NewLoader().Load(filename)
	if err != nil {
		b.err = errors.Join(b.err, err)
		return b
	}
	b.config = cfg
	b.configFile = filename
	b.watch = watch
	return b
}

// WithScripts sets the behaviors remote nodes may spawn here
func (b *ApplicationBuilder) WithScripts(scripts *core.Registry) *ApplicationBuilder {
	b.scripts = scripts
	return b
}

// WithTransport overrides the transport built from the configuration
func (b *ApplicationBuilder) WithTransport(transport network.Transport) *ApplicationBuilder {
	b.transport = transport
	return b
}

// WithoutLogging leaves the logrus setup alone
func (b *ApplicationBuilder) WithoutLogging() *ApplicationBuilder {
	b.logging = false
	return b
}

// WithService adds a service started after the node
func (b *ApplicationBuilder) WithService(service Service, deps ...string) *ApplicationBuilder {
	b.services = append(b.services, service)
	b.deps = append(b.deps, deps)
	return b
}

// Build creates the transport, the node and the lifecycle manager
func (b *ApplicationBuilder) Build() (Application, error) {
	if b.err != nil {
		return nil, fmt.Errorf("failed to configure application: %w", b.err)
	}
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	app := &DefaultApplication{
		config:          b.config,
		lifecycle:       NewLifecycleManager(),
		shutdownTimeout: 30 * time.Second,
	}

	if b.logging {
		logs, err := SetupLogging(b.config.Log)
		if err != nil {
			return nil, err
		}
		app.logs = logs
	}

	app.transport = b.transport
	if app.transport == nil {
		transport, err := NewTransport(b.config)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		app.transport = transport
	}

	node, err := cluster.NewNode(cluster.NewConfig(b.config), app.transport, b.scripts)
	if err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	app.node = node

	lm := app.lifecycle
	if err := lm.Register(&TransportService{transport: app.transport}); err != nil {
		return nil, err
	}
	if err := lm.Register(&NodeService{node: node}, "transport"); err != nil {
		return nil, err
	}
	if b.watch {
		watcher, err := config.NewWatcher(b.configFile, config.NewLoader())
		if err != nil {
			return nil, err
		}
		if err := lm.Register(&WatcherService{watcher: watcher, node: node}, "node"); err != nil {
			return nil, err
		}
	}
	for i, service := range b.services {
		deps := append([]string{"node"}, b.deps[i]...)
		if err := lm.Register(service, deps...); err != nil {
			return nil, err
		}
	}
	return app, nil
}
