package main

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"nnbackend/internal/config"
	"nnbackend/internal/engine"
	"nnbackend/internal/logging"
)

// cliOptions are the persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
	logLevel   string
}

// buildRootCmd constructs the command tree around eng.
func buildRootCmd(eng engine.Engine) *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "nnbackend",
		Short:         "Session-managed LLM inference backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", envStr("NNBACKEND_CONFIG", ""), "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override logging.level: debug|info|warn|error")

	root.AddCommand(
		newServeCmd(opts, eng),
		newRunCmd(opts, eng),
		newModelsCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

// loadConfig resolves the config file, or the defaults when none is given.
func (o *cliOptions) loadConfig() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return cfg, err
		}
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Without a log file it writes to w.
func newLogger(c config.LoggingConfig, w io.Writer) (zerolog.Logger, io.Closer, error) {
	opts := logging.Options{
		Level:       c.Level,
		EnableDebug: c.EnableDebug,
		Timestamps:  c.Timestamps,
		Colors:      c.Colors,
		File:        c.File,
	}
	if c.File != "" {
		return logging.New(opts)
	}
	return logging.NewWithWriter(opts, w), nopCloser{}, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
