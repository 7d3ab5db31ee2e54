package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"nnbackend/internal/backend"
	"nnbackend/internal/engine"
	"nnbackend/internal/registry"
)

type runFlags struct {
	model      string
	prompt     string
	configJSON string
	quiet      bool
}

func newRunCmd(opts *cliOptions, eng engine.Engine) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:     "run [prompt]",
		Short:   "Run one prompt against a model and stream the reply",
		Example: "  nnbackend run --model ~/models/llm/tinyllama.gguf \"Write a haiku\"\n  echo hello | nnbackend run --model tinyllama --config-json '{\"stop\":[\"\\n\"]}'",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				f.prompt = args[0]
			}
			if f.prompt == "" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				f.prompt = strings.TrimSpace(string(b))
			}
			if f.prompt == "" {
				return errors.New("prompt is required (argument or stdin)")
			}
			if f.model == "" {
				return errors.New("--model is required")
			}
			return runOnce(cmd, opts, eng, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.model, "model", "", "Model path, or a name inside server.models_dir")
	fl.StringVar(&f.configJSON, "config-json", "", "Per-run JSON config (sampling, stopping) resolved over the loaded config")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "Do not print the stop reason")
	return cmd
}

func runOnce(cmd *cobra.Command, opts *cliOptions, eng engine.Engine, f *runFlags) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	log, closer, err := newLogger(cfg.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	b, err := backend.New(cfg, backend.Options{Engine: eng, Logger: log, ReapInterval: -1})
	if err != nil {
		return err
	}
	defer b.Deinit(ctx)

	path := f.model
	if m, ok := registry.Find(cfg.Server.ModelsDir, f.model); ok {
		path = m.Path
	}
	g, err := b.LoadByName(ctx, path)
	if err != nil {
		return err
	}
	id, err := b.InitExecutionContext(ctx, g)
	if err != nil {
		return err
	}
	defer b.CloseExecutionContext(id)

	var runCfg []byte
	if f.configJSON != "" {
		runCfg = []byte(f.configJSON)
	}
	out := cmd.OutOrStdout()
	res, err := b.RunInferenceStream(ctx, id, backend.Text(f.prompt), runCfg, func(delta string) error {
		_, err := io.WriteString(out, delta)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if !f.quiet {
		fmt.Fprintf(cmd.ErrOrStderr(), "stop=%s tokens=%d elapsed=%s\n", res.StopReason, res.Tokens, res.Elapsed.Round(time.Millisecond))
	}
	return nil
}
