package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/glimte/mmate-lite/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:   "mmate-lite",
		Short: "Push, call and publish over RabbitMQ",
		Long: `mmate-lite talks to RabbitMQ through the mmate-lite messaging layer.

It can run a worker on a queue, push values to it (optionally packed into
batches), call it and wait for the reply, publish to a topic and subscribe
to one. Values on the command line are JSON.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.BindFlags(rootCmd, v)

	rootCmd.AddCommand(newWorkerCmd(v))
	rootCmd.AddCommand(newPushCmd(v))
	rootCmd.AddCommand(newCallCmd(v))
	rootCmd.AddCommand(newPublishCmd(v))
	rootCmd.AddCommand(newSubscribeCmd(v))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
