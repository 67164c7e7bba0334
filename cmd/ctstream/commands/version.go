package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewVersionCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("ctstream %s\ncommit: %s\nbuilt:  %s\n", version, commit, buildDate)
			return nil
		},
	}
}
