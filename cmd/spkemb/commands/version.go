package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haivivi/spkemb/cmd/spkemb/internal/build"
	"github.com/haivivi/spkemb/pkg/cli"
)

var versionFormat string

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		if versionFormat == "" {
			fmt.Fprintln(cmd.OutOrStdout(), build.String())
			if verbose {
				info := build.Get()
				fmt.Fprintf(cmd.OutOrStdout(), "  go:      %s\n", info.Go)
				fmt.Fprintf(cmd.OutOrStdout(), "  save:    %s\n", saveDir)
				fmt.Fprintf(cmd.OutOrStdout(), "  storage: %s\n", location())
			}
			return nil
		}
		format, err := cli.ParseFormat(versionFormat)
		if err != nil {
			return usageError{err}
		}
		return cli.Output(build.Get(), cli.OutputOptions{Format: format, Writer: cmd.OutOrStdout()})
	},
}

func init() {
	versionCmd.Flags().StringVar(&versionFormat, "format", "", "output format: yaml or json (default: one line)")
	rootCmd.AddCommand(versionCmd)
}
