package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrej220/remoterunner/internal/executor"
	"github.com/andrej220/remoterunner/internal/jobserver"
	"github.com/andrej220/remoterunner/internal/sequencer"
	"github.com/andrej220/remoterunner/internal/serverutil"
	"github.com/andrej220/remoterunner/pkg/config/mongostore"
	"github.com/andrej220/remoterunner/pkg/consumer"
	"github.com/andrej220/remoterunner/pkg/events"
	"github.com/andrej220/remoterunner/pkg/lg"
	dm "github.com/andrej220/remoterunner/pkg/shared-models"
	"github.com/andrej220/remoterunner/pkg/workerpool"
)

func newServeCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept jobs over HTTP and Kafka and run them",
		Long: `Serve runs jobs submitted with POST /jobs or, when --kafka-brokers is set,
read from a Kafka topic. GET /jobs/{id} reports progress and DELETE /jobs/{id}
cancels. Finished reports go to --report, MongoDB and Kafka when configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(lg.Attach(ctx, g.logger), newViper(cmd), g.logger)
		},
	}
	fs := cmd.Flags()
	fs.String("listen", ":8080", "HTTP listen address")
	fs.Int("workers", workerpool.TotalMaxWorkers, "Jobs run at the same time")
	fs.Duration("job-retention", jobserver.DefaultRetention, "How long a finished job stays queryable by id")
	fs.StringSlice("kafka-brokers", nil, "Kafka brokers; enables the Kafka intake and report events")
	fs.String("kafka-topic", "remote-runner.jobs", "Topic of incoming job requests")
	fs.String("kafka-group", "remote-runner", "Consumer group of the job intake")
	fs.String("report-topic", events.DefaultReportTopic, "Topic finished reports are published to")
	fs.String("mongo-uri", "", "Store finished reports in MongoDB")
	fs.String("mongo-db", "remote_runner", "MongoDB database")
	fs.String("mongo-collection", reportCollection, "MongoDB collection for reports")
	addRunnerFlags(fs)
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper, logger lg.Logger) error {
	opts := runnerOptions(v, nil, logger)
	opts.OnOutput = func(id uuid.UUID, index int, kind sequencer.StreamKind, chunk []byte) {
		logger.Debug("output",
			lg.String("job_id", id.String()),
			lg.Int("index", index),
			lg.String("stream", kind.String()),
			lg.Int("bytes", len(chunk)))
	}

	if uri := v.GetString("mongo-uri"); uri != "" {
		ms, err := mongostore.New(ctx, uri, v.GetString("mongo-db"), v.GetString("mongo-collection"), "")
		if err != nil {
			return err
		}
		defer ms.Close(context.Background())
		opts.Recorder = executor.Recorders{opts.Recorder, executor.DocumentRecorder(ms)}
	}

	brokers := stringList(v, "kafka-brokers")
	if len(brokers) > 0 {
		producer := events.NewProducer(events.Config{Brokers: brokers, Topic: v.GetString("report-topic")})
		defer producer.Close()
		opts.Publisher = executor.EventPublisher(producer)
	}

	runner := executor.NewRunner(opts)
	pool := workerpool.NewPool[*executor.Job](v.GetInt("workers"))
	srv := jobserver.New(ctx, runner, pool, logger, jobserver.WithRetention(v.GetDuration("job-retention")))

	if len(brokers) > 0 {
		c := consumer.NewConsumer[dm.JobRequest](consumer.Config{
			Brokers: brokers,
			GroupID: v.GetString("kafka-group"),
			Topic:   v.GetString("kafka-topic"),
		})
		defer c.Close()
		go func() {
			if err := c.Consume(ctx, srv.HandleMessage); err != nil {
				logger.Error("kafka intake stopped", lg.Err(err))
			}
		}()
	}

	cfg := serverutil.DefaultServerConfig()
	cfg.Addr = v.GetString("listen")
	cfg.Logger = logger
	err := serverutil.RunServer(ctx, srv.Handler(), cfg)

	logger.Info("stopping jobs", lg.Int("active", runner.Active()))
	runner.CancelAll()
	pool.Stop()
	return err
}
