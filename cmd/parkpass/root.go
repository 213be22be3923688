package main

import (
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	CommitSHA = "none"
	BuildDate = "unknown"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "parkpass",
		Short: "Parking discount automation for the building portal",
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newServeCmd())

	return root
}
