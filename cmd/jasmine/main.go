package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "jasmine",
		Short: "Jasmine distributed pub/sub broker",
		Long: `jasmine runs a broker node of a Jasmine cluster, or talks to one.
Topics are led by exactly one live broker; consistent messages are logged on
every broker and delivered by the leader, best-effort messages are delivered
by the leader only.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newBrokerCmd(),
		newSubscribeCmd(),
		newPublishCmd(),
		newPingCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
