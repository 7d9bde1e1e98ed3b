package weftcli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"weft/analysis"
	"weft/cache"
	"weft/cache/sqlitestore"
	"weft/engine"
	"weft/output"
	"weft/plugin/statuspublisher"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
}

// NewRunCommand builds `weft run <pipeline.yaml>`.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Run the engine against a pipeline description",
		Long: `Run starts the engine's evaluation loop against the refs described in a
pipeline YAML document and prints the evaluated status list every time it
changes, until interrupted.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args[0], cmd)
		},
	}

	return cmd
}

func runEngine(opts *RunOptions, pipelinePath string, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := LoadPipelineConfig(pipelinePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load pipeline", err)
	}

	client := newDemoClient(cfg.Refs)
	pipeline, provider := buildPipeline(cfg, client)

	engineOpts := []engine.Option[[]statuspublisher.Status]{engine.WithLogger[[]statuspublisher.Status](logger)}
	publishCache, closeCacheDB, err := openPublishCache(cfg, provider, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open cache db", err)
	}
	if closeCacheDB != nil {
		engineOpts = append(engineOpts, engine.WithShutdownHook[[]statuspublisher.Status](func(ctx context.Context) error {
			return closeCacheDB()
		}))
	}
	eng := engine.New[[]statuspublisher.Status](engine.Config{}, pipeline, engineOpts...)

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	unsubscribe := eng.Subscribe(func(o output.Output[[]statuspublisher.Status], a analysis.Analysis) {
		v, ok := o.Value()
		if !ok {
			out.Error(errors.New(o.PP()))
			return
		}
		if publishCache != nil {
			for i, status := range v {
				if i < len(cfg.Refs) {
					publishCache.Set(context.Background(), statuspublisher.Ref(cfg.Refs[i]), status)
				}
			}
		}
		out.Success(v)
	})
	defer unsubscribe()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := eng.Thread(ctx); err != nil && err != context.Canceled {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	return nil
}

// openPublishCache opens cfg.CacheDB, if set, and returns a cache wired to
// durably publish statuses through provider's PublishOperation, seeded from
// whatever checkpoints the database already holds from a previous run —
// so a restart does not republish a status the cache already finished
// publishing before the process exited. Returns a nil cache and a nil
// close func if no CacheDB is configured.
func openPublishCache(cfg PipelineConfig, provider *statuspublisher.Provider, logger *slog.Logger) (*cache.Cache[statuspublisher.Ref, statuspublisher.Status, string], func() error, error) {
	if cfg.CacheDB == "" {
		return nil, nil, nil
	}

	store, err := sqlitestore.Open(cfg.CacheDB)
	if err != nil {
		return nil, nil, err
	}

	op := statuspublisher.NewPublishOperation(provider)
	c := cache.New[statuspublisher.Ref, statuspublisher.Status, string](op, cache.WithPersistHook[statuspublisher.Ref, statuspublisher.Status, string](store.PersistHook()))

	resumable, err := store.LoadResumable(op.ID(), logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	seeds, err := sqlitestore.DecodeSeedEntries[statuspublisher.Status, string](resumable)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	c.Seed(seeds)
	logger.Info("resumed cache from checkpoint", slog.Int("entries", len(seeds)))

	return c, store.Close, nil
}
