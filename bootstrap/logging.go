package bootstrap

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/najoast/thorium/config"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// SetupLogging configures the standard logrus logger. The returned closer
// releases the log file, if any.
func SetupLogging(cfg config.LogConfig) (io.Closer, error) {
	level, err := log.ParseLevel(cfg.Level.String())
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	log.SetLevel(level)

	switch cfg.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	var out io.WriteCloser
	switch cfg.Output {
	case "", "stdout":
		out = nopCloser{os.Stdout}
	case "stderr":
		out = nopCloser{os.Stderr}
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("log output: %w", err)
		}
		out = f
	}
	log.SetOutput(out)
	return out, nil
}
