package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	saveDir    string
	storageLoc string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "spkemb",
	Short: "Speaker-embedding training pipeline",
	Long: `spkemb - A staged speaker-embedding pipeline.

Stages:
  0  build the train, enroll and test lists from the data config
  1  extract MFCC features with energy VAD
  2  drop short utterances and speakers with too few utterances
  3  train the embedding network with periodic checkpoints
  4  extract enroll and test embeddings
  5  PLDA training (not implemented)
  6  PLDA scoring (not implemented)

Every stage writes its outputs under --save (or --storage), so a run can
start at any stage whose predecessors have completed.

Examples:
  # Run everything
  spkemb run --data-config data.yaml --save ./save

  # Resume training after an interruption
  spkemb run --stage 3 --resume --save ./save

  # See what happened
  spkemb status --save ./save
  spkemb inspect train --query '[.[] | .frames] | add' --save ./save`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&saveDir, "save", "../save", "local directory for state and logs (and artifacts unless --storage is set)")
	rootCmd.PersistentFlags().StringVar(&storageLoc, "storage", "", "artifact location: a directory or s3://bucket/prefix (default: --save)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
}

// location is where artifacts are read and written.
func location() string {
	if storageLoc != "" {
		return storageLoc
	}
	return saveDir
}
