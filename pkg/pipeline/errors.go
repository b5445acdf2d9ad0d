package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/journal"
	"github.com/haivivi/spkemb/pkg/trainer"
)

// StageOrderError reports an artifact that an earlier stage should have
// produced but that is missing, typically because --stage skipped that
// stage on a fresh save directory.
type StageOrderError struct {
	Stage    int    // stage that produces Artifact
	Artifact string // storage path
	Err      error

	// LastDone is the journal's latest successful run of Stage. It is nil
	// when the stage never completed or no journal was consulted.
	LastDone *journal.Entry

	journaled bool
}

func (e *StageOrderError) Error() string {
	msg := fmt.Sprintf("pipeline: %s not found, run stage %d first (--stage %d)", e.Artifact, e.Stage, e.Stage)
	switch {
	case e.LastDone != nil:
		msg += fmt.Sprintf("; stage %d last completed %s by run %s",
			e.Stage, e.LastDone.FinishedAt.Format(time.RFC3339), shortID(e.LastDone.RunID))
	case e.journaled:
		msg += fmt.Sprintf("; stage %d never completed", e.Stage)
	}
	return msg
}

func (e *StageOrderError) Unwrap() error { return e.Err }

// orderErr converts not-found errors from loading artifact name into a
// *StageOrderError naming stage, with the stage's history from the journal
// when there is one.
func (c *Context) orderErr(ctx context.Context, stage int, name string, err error) error {
	if !errors.Is(err, artifact.ErrNotFound) && !errors.Is(err, trainer.ErrNoCheckpoint) {
		return err
	}
	soe := &StageOrderError{Stage: stage, Artifact: name, Err: err}
	if c.Journal == nil {
		return soe
	}
	last, jerr := c.Journal.LastDone(ctx, stage)
	switch {
	case jerr == nil:
		soe.LastDone, soe.journaled = last, true
	case errors.Is(jerr, journal.ErrNotFound):
		soe.journaled = true
	default:
		c.Logger.Warn("pipeline: journal lookup", "stage", stage, "error", jerr)
	}
	return soe
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
