package main

import (
	"fmt"
	"os"

	"github.com/andrej220/remoterunner/cmd/remote-runner/app"
)

// Version information set by build-time LDFLAGS
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	app.SetVersionInfo(Version, BuildTime)

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
