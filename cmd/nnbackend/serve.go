package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"nnbackend/internal/backend"
	"nnbackend/internal/common/fsutil"
	"nnbackend/internal/config"
	"nnbackend/internal/engine"
	"nnbackend/internal/httpapi"
	"nnbackend/internal/registry"
)

type serveFlags struct {
	addr         string
	modelsDir    string
	defaultModel string
	corsOrigins  string
	maxBodyBytes int64
	inferTimeout int64
}

func newServeCmd(opts *cliOptions, eng engine.Engine) *cobra.Command {
	f := &serveFlags{}
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the backend over HTTP",
		Example: "  nnbackend serve --addr :8080 --models-dir ~/models/llm --default-model tinyllama",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			if fl.Changed("addr") || os.Getenv("NNBACKEND_ADDR") != "" {
				cfg.Server.Addr = f.addr
			}
			if fl.Changed("models-dir") {
				cfg.Server.ModelsDir = f.modelsDir
			}
			if fl.Changed("default-model") {
				cfg.Server.DefaultModel = f.defaultModel
			}
			if fl.Changed("cors-origins") {
				cfg.Server.CORSOrigins = splitCSV(f.corsOrigins)
			}
			if fl.Changed("max-body-bytes") {
				cfg.Server.MaxBodyBytes = f.maxBodyBytes
			}
			log, closer, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, eng, log, f.inferTimeout, nil)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.addr, "addr", envStr("NNBACKEND_ADDR", ":8080"), "HTTP listen address, e.g. :8080")
	fl.StringVar(&f.modelsDir, "models-dir", "~/models/llm", "Directory to scan for *.gguf model files")
	fl.StringVar(&f.defaultModel, "default-model", "", "Model loaded as the active graph at startup")
	fl.StringVar(&f.corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins (enables CORS)")
	fl.Int64Var(&f.maxBodyBytes, "max-body-bytes", 1<<20, "Maximum JSON request body size")
	fl.Int64Var(&f.inferTimeout, "infer-timeout", 0, "Per-request inference timeout in seconds (0 disables)")
	return cmd
}

// serve runs the HTTP server until ctx is done, then shuts the server and
// the backend down. onListen, when set, receives the bound address.
func serve(ctx context.Context, cfg config.Config, eng engine.Engine, log zerolog.Logger, inferTimeout int64, onListen func(net.Addr)) error {
	if cfg.Server.ModelsDir != "" {
		dir, err := fsutil.CheckDir(cfg.Server.ModelsDir)
		if err != nil {
			log.Warn().Err(err).Str("models_dir", cfg.Server.ModelsDir).Msg("models directory unavailable, model names resolve as paths")
			cfg.Server.ModelsDir = ""
		} else {
			cfg.Server.ModelsDir = dir
		}
	}
	b, err := backend.New(cfg, backend.Options{Engine: eng, Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Deinit(dctx); err != nil {
			log.Error().Err(err).Msg("backend deinit")
		}
	}()

	if name := cfg.Server.DefaultModel; name != "" {
		path := name
		if m, ok := registry.Find(cfg.Server.ModelsDir, name); ok {
			path = m.Path
		}
		if _, err := b.LoadByName(ctx, path); err != nil {
			return err
		}
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.Server.MaxBodyBytes)
	httpapi.SetInferTimeoutSeconds(inferTimeout)
	httpapi.SetCORSOptions(len(cfg.Server.CORSOrigins) > 0, cfg.Server.CORSOrigins,
		[]string{"GET", "POST", "DELETE", "OPTIONS"},
		[]string{"Content-Type", "X-Log-Level", "X-Request-Id"})

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           httpapi.NewMux(httpapi.NewBackendService(b, cfg.Server.ModelsDir)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info().Str("addr", ln.Addr().String()).Str("models_dir", cfg.Server.ModelsDir).Msg("nnbackend listening")
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	if onListen != nil {
		onListen(ln.Addr())
	}

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	return nil
}

// splitCSV splits a comma-separated flag value, dropping empty items.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
