package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/mqttrelay/internal/version"
)

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of relayctl",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("relayctl %s\n", version.Version)
	},
}
