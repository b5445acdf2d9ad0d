package commands

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/spkemb/pkg/check"
	"github.com/haivivi/spkemb/pkg/pipeline"
	"github.com/haivivi/spkemb/pkg/speaker"
)

// Process exit codes.
const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitUsage           = 2
	ExitMissingArtifact = 3
	ExitStageOrder      = 4
	ExitNoSpeakers      = 5
	ExitInterrupted     = 130
)

// usageError marks bad flags, arguments and config files.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// usageArgs wraps a positional argument validator so its failures map to
// ExitUsage.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// ExitCode maps an error returned by Execute to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		ue  usageError
		mae *check.MissingArtifactError
		soe *pipeline.StageOrderError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &ue):
		return ExitUsage
	case errors.As(err, &mae):
		return ExitMissingArtifact
	case errors.As(err, &soe):
		return ExitStageOrder
	case errors.Is(err, speaker.ErrNoSpeakers):
		return ExitNoSpeakers
	case strings.HasPrefix(err.Error(), "unknown command"):
		return ExitUsage
	}
	return ExitFailure
}
