package app

import (
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrej220/remoterunner/pkg/lg"
)

const (
	serviceName = "remote-runner"
	envPrefix   = "REMOTE_RUNNER"
)

type globals struct {
	logger lg.Logger
}

// NewRootCommand builds the command tree. Narration goes to out.
func NewRootCommand(out io.Writer) *cobra.Command {
	g := &globals{logger: lg.Discard}

	root := &cobra.Command{
		Use:   "remote-runner",
		Short: "Run a list of commands on a remote host over SSH",
		Long: `remote-runner connects to one host over SSH and runs the commands of a
job descriptor in order, streaming their output. A non-zero exit code is
reported and the next command still runs; a lost connection aborts the run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v := newViper(cmd)
			g.logger = lg.New(&lg.Config{
				ServiceName: serviceName,
				Debug:       v.GetBool("debug"),
				Format:      v.GetString("log-format"),
			})
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = g.logger.Sync()
		},
	}
	root.SetOut(out)
	root.PersistentFlags().Bool("debug", false, "Enable debug logging")
	root.PersistentFlags().String("log-format", "console", `Log encoding, "console" or "json"`)

	root.AddCommand(newRunCommand(g))
	root.AddCommand(newInitCommand(g))
	root.AddCommand(newServeCommand(g))
	root.AddCommand(newVersionCommand())
	return root
}

// Run is the entry point called by main.go.
func Run() error {
	return NewRootCommand(os.Stdout).Execute()
}

// newViper layers REMOTE_RUNNER_* environment variables under the flags of cmd:
// an explicitly set flag wins, then the environment, then the flag default.
func newViper(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	_ = v.BindPFlags(cmd.Flags())
	return v
}

// stringList reads a list option that may arrive comma separated from the environment.
func stringList(v *viper.Viper, key string) []string {
	var out []string
	for _, item := range v.GetStringSlice(key) {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
