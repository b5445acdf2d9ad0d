// Package check verifies that the per-utterance files a stage depends on
// exist before the stage runs.
//
// A failed check is either fatal or a logged warning, chosen per artifact
// kind by Policy.
package check

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/storage"
	"github.com/haivivi/spkemb/pkg/utterance"
)

// Kind is the artifact family being checked.
type Kind string

const (
	KindFeatures   Kind = "features"
	KindEmbeddings Kind = "embeddings"
)

// stage returns the stage that produces kind.
func (k Kind) stage() int {
	if k == KindEmbeddings {
		return 4
	}
	return 1
}

// Policy decides what a failed check does.
type Policy string

const (
	// Fatal makes Verify return a *MissingArtifactError.
	Fatal Policy = "fatal"
	// Warn logs the failure and lets the caller continue.
	Warn Policy = "warn"
)

// ParsePolicy parses "fatal" or "warn".
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(s)); p {
	case Fatal, Warn:
		return p, nil
	}
	return "", fmt.Errorf("check: unknown policy %q (want fatal or warn)", s)
}

// Set is a named utterance list.
type Set struct {
	Name string
	List utterance.List
}

// Path returns the storage path of the artifact kind expects for row row
// of set.
func Path(kind Kind, set string, row int, r utterance.Record) string {
	if kind == KindEmbeddings {
		return artifact.EmbeddingPath(set, row)
	}
	return artifact.FeaturePath(r.ID)
}

// Report summarizes a check.
type Report struct {
	Kind    Kind
	Pass    int
	Fail    int
	Missing []string // storage paths, capped at MaxMissing
}

// MaxMissing bounds Report.Missing.
const MaxMissing = 20

// Total returns Pass+Fail.
func (r Report) Total() int { return r.Pass + r.Fail }

// MissingArtifactError reports files a stage needs but cannot find.
type MissingArtifactError struct {
	Report
}

func (e *MissingArtifactError) Error() string {
	return fmt.Sprintf("check: no %s for %d of %d files, execute stage %d before proceeding",
		e.Kind, e.Fail, e.Total(), e.Kind.stage())
}

// Run checks every record of set and returns how many artifacts exist
// and how many are missing.
func Run(ctx context.Context, fs storage.FileStore, kind Kind, set Set) (Report, error) {
	rep := Report{Kind: kind}
	for row, r := range set.List {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		p := Path(kind, set.Name, row, r)
		ok, err := fs.Exists(ctx, p)
		if err != nil {
			return rep, fmt.Errorf("check: stat %s: %w", p, err)
		}
		if ok {
			rep.Pass++
			continue
		}
		rep.Fail++
		if len(rep.Missing) < MaxMissing {
			rep.Missing = append(rep.Missing, p)
		}
	}
	return rep, nil
}

// Checker applies per-kind policies to Run results.
type Checker struct {
	fs       storage.FileStore
	policies map[Kind]Policy
	logger   *slog.Logger
}

// New returns a Checker with the default policies: missing features are
// fatal, missing embeddings are a warning.
func New(fs storage.FileStore, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		fs: fs,
		policies: map[Kind]Policy{
			KindFeatures:   Fatal,
			KindEmbeddings: Warn,
		},
		logger: logger,
	}
}

// SetPolicy overrides the policy for kind.
func (c *Checker) SetPolicy(kind Kind, p Policy) {
	c.policies[kind] = p
}

// Policy returns the policy for kind.
func (c *Checker) Policy(kind Kind) Policy {
	return c.policies[kind]
}

// Verify counts kind artifacts across sets. Missing artifacts produce a
// *MissingArtifactError under Fatal and a warning under Warn.
func (c *Checker) Verify(ctx context.Context, kind Kind, sets ...Set) (Report, error) {
	total := Report{Kind: kind}
	for _, set := range sets {
		rep, err := Run(ctx, c.fs, kind, set)
		if err != nil {
			return total, err
		}
		c.logger.Debug("check: counted", "kind", kind, "set", set.Name, "pass", rep.Pass, "fail", rep.Fail)
		total.Pass += rep.Pass
		total.Fail += rep.Fail
		for _, m := range rep.Missing {
			if len(total.Missing) < MaxMissing {
				total.Missing = append(total.Missing, m)
			}
		}
	}
	if total.Fail == 0 {
		return total, nil
	}
	err := &MissingArtifactError{Report: total}
	if c.policies[kind] == Warn {
		c.logger.Warn(err.Error(), "missing", total.Missing)
		return total, nil
	}
	return total, err
}
