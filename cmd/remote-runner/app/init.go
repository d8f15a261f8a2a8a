package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/andrej220/remoterunner/pkg/config/filestore"
	"github.com/andrej220/remoterunner/pkg/job"
	"github.com/andrej220/remoterunner/pkg/lg"
)

func newInitCommand(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter job descriptor",
		Long: `Init writes a job descriptor with commands guessed from the project in
--dir (CMake, Makefile, Node.js or Python). Edit host, username and the
credential before running it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := runInit(cmd, newViper(cmd), g.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s. Edit it, then run \"remote-runner run\".\n", path)
			return nil
		},
	}
	fs := cmd.Flags()
	fs.StringP("config", "c", job.DefaultFileName, "Descriptor file to write (.json, .yaml)")
	fs.String("dir", ".", "Project directory used to guess the commands")
	fs.String("host", "example.com", "Remote host")
	fs.Int("port", job.DefaultPort, "SSH port")
	fs.String("username", "user", "Remote user")
	fs.String("private-key-path", "", "Private key file; leave empty to fill in a password later")
	fs.Bool("force", false, "Overwrite an existing descriptor")
	return cmd
}

func runInit(cmd *cobra.Command, v *viper.Viper, logger lg.Logger) (string, error) {
	path := v.GetString("config")
	store := filestore.New(path)
	if store.Exists() && !v.GetBool("force") {
		return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	commands, err := job.DetectCommands(v.GetString("dir"))
	if err != nil {
		return "", err
	}
	d := job.Descriptor{
		Host:           v.GetString("host"),
		Port:           v.GetInt("port"),
		Username:       v.GetString("username"),
		PrivateKeyPath: v.GetString("private-key-path"),
		Commands:       commands,
	}
	if err := store.Save(cmd.Context(), d); err != nil {
		return "", err
	}
	logger.Debug("descriptor written", lg.String("path", path), lg.Int("commands", len(commands)))
	return path, nil
}
