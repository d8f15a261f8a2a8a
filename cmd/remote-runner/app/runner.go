package app

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/andrej220/remoterunner/internal/connector"
	"github.com/andrej220/remoterunner/internal/executor"
	"github.com/andrej220/remoterunner/internal/persistence"
	"github.com/andrej220/remoterunner/internal/sink"
	"github.com/andrej220/remoterunner/pkg/lg"
)

// addRunnerFlags declares the flags shared by run and serve.
func addRunnerFlags(fs *pflag.FlagSet) {
	fs.String("known-hosts", "", "Verify host keys against this known_hosts file (default: accept any host key)")
	fs.Int("retries", 0, "Connection attempts to retry after a transport failure")
	fs.Duration("timeout", 0, "Abort a run that takes longer than this (0 = no limit)")
	fs.Duration("cancel-grace", 0, "On cancel, let the command in flight finish for this long before disconnecting")
	fs.String("report", "", "Write a JSON report of every run to this directory")
}

// runnerOptions turns the shared flags into executor options writing to out.
func runnerOptions(v *viper.Viper, out sink.Sink, logger lg.Logger) executor.Options {
	conn := connector.New(connector.Options{
		KnownHostsPath: v.GetString("known-hosts"),
		Sink:           out,
		Logger:         logger,
	})

	res := executor.DefaultResilience()
	if retries := v.GetInt("retries"); retries > 0 {
		res.MaxAttempts = retries + 1
	}

	opts := executor.Options{
		Connect:     executor.FromConnector(conn),
		Resilience:  res,
		Sink:        out,
		Logger:      logger,
		Timeout:     v.GetDuration("timeout"),
		CancelGrace: v.GetDuration("cancel-grace"),
	}
	if dir := v.GetString("report"); dir != "" {
		opts.Recorder = executor.DirRecorder(persistence.NewDir(dir))
	}
	return opts
}
