package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrej220/remoterunner/internal/executor"
	"github.com/andrej220/remoterunner/internal/sink"
	"github.com/andrej220/remoterunner/pkg/config"
	"github.com/andrej220/remoterunner/pkg/config/configstore"
	"github.com/andrej220/remoterunner/pkg/config/mongostore"
	"github.com/andrej220/remoterunner/pkg/job"
	"github.com/andrej220/remoterunner/pkg/lg"
)

const reportCollection = "reports"

func newRunCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the commands of a job descriptor on its host",
		Long: `Run reads the job descriptor, connects to its host and runs every command
in order. Interrupting the process (Ctrl+C) cancels the run and disconnects.
The exit status is non-zero when the run was aborted or could not start.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRun(lg.Attach(ctx, g.logger), newViper(cmd), sink.NewWriter(cmd.OutOrStdout()), g.logger)
		},
	}
	fs := cmd.Flags()
	fs.StringP("config", "c", job.DefaultFileName, "Job descriptor file (JSON or YAML)")
	fs.String("password", "", "Password, overrides the descriptor")
	fs.String("passphrase", "", "Passphrase of an encrypted private key, overrides the descriptor")
	fs.Bool("watch", false, "Run again whenever the descriptor changes, cancelling a run in flight")
	fs.String("mongo-uri", "", "Read the descriptor from MongoDB instead of a file")
	fs.String("mongo-db", "remote_runner", "MongoDB database")
	fs.String("mongo-collection", "descriptors", "MongoDB collection holding descriptors")
	fs.String("mongo-id", "default", "Document id of the descriptor")
	addRunnerFlags(fs)
	return cmd
}

func runRun(ctx context.Context, v *viper.Viper, out sink.Sink, logger lg.Logger) error {
	narrator := sink.NewNarrator(out)
	opts := runnerOptions(v, out, logger)

	var store config.Config
	if uri := v.GetString("mongo-uri"); uri != "" {
		ms, err := mongostore.New(ctx, uri, v.GetString("mongo-db"), v.GetString("mongo-collection"), v.GetString("mongo-id"))
		if err != nil {
			narrator.ConfigError(err)
			return err
		}
		defer ms.Close(context.Background())
		opts.Recorder = executor.Recorders{opts.Recorder, executor.DocumentRecorder(ms.WithCollection(reportCollection))}
		store = ms
	} else {
		fs, err := config.NewStore(ctx, config.FileStore, &config.FileConfig{Path: v.GetString("config")})
		if err != nil {
			return err
		}
		store = fs
	}

	runner := executor.NewRunner(opts)
	once := func(ctx context.Context) error {
		d, err := loadDescriptor(ctx, store, v)
		if err != nil {
			narrator.ConfigError(err)
			return err
		}
		rep, err := runner.Run(ctx, d)
		if err != nil {
			return fmt.Errorf("run %s: %w", rep.Status, err)
		}
		return nil
	}

	if !v.GetBool("watch") {
		return once(ctx)
	}

	changes := make(chan struct{}, 1)
	err := store.Watch(ctx, func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	if err != nil {
		if errors.Is(err, configstore.ErrWatchUnsupported) {
			return fmt.Errorf("--watch: %w", err)
		}
		return err
	}
	return watchLoop(ctx, changes, once, logger)
}

// loadDescriptor reads the descriptor and applies credential overrides from
// flags or the environment.
func loadDescriptor(ctx context.Context, store configstore.ConfigStore, v *viper.Viper) (job.Descriptor, error) {
	d, err := config.LoadDescriptor(ctx, store)
	if err != nil {
		if errors.Is(err, configstore.ErrNotFound) {
			return job.Descriptor{}, fmt.Errorf("%w (create one with \"remote-runner init\")", err)
		}
		return job.Descriptor{}, err
	}
	if p := v.GetString("password"); p != "" {
		d.Password = p
	}
	if p := v.GetString("passphrase"); p != "" {
		d.Passphrase = p
	}
	return d, nil
}

// watchLoop runs once, then again after every change. A change arriving
// while a run is in flight cancels that run before the next one starts.
func watchLoop(ctx context.Context, changes <-chan struct{}, once func(context.Context) error, logger lg.Logger) error {
	for {
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- once(runCtx) }()

		select {
		case err := <-done:
			cancel()
			if err != nil {
				logger.Warn("run failed", lg.Err(err))
			}
			logger.Info("waiting for descriptor changes")
			select {
			case <-changes:
			case <-ctx.Done():
				return nil
			}
		case <-changes:
			logger.Info("descriptor changed, cancelling run in flight")
			cancel()
			<-done
		case <-ctx.Done():
			cancel()
			<-done
			return nil
		}
	}
}
