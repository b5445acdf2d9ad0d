package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/cli"
	"github.com/haivivi/spkemb/pkg/journal"
	"github.com/haivivi/spkemb/pkg/pipeline"
)

var statusOpts struct {
	output string
	plain  bool
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the per-stage run journal",
	Long: `Show, for every stage, the most recent execution, the last successful
one and the counts it recorded. Reads the journal under <save>/state.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOpts.output, "output", "o", "table", "output format: table, yaml or json")
	statusCmd.Flags().BoolVar(&statusOpts.plain, "plain", false, "render the table without colors")
	rootCmd.AddCommand(statusCmd)
}

// stageStatus is one row of the status output.
type stageStatus struct {
	Stage    int            `json:"stage" yaml:"stage"`
	Name     string         `json:"name" yaml:"name"`
	Status   string         `json:"status" yaml:"status"`
	Started  string         `json:"started,omitempty" yaml:"started,omitempty"`
	Elapsed  string         `json:"elapsed,omitempty" yaml:"elapsed,omitempty"`
	LastDone string         `json:"last_done,omitempty" yaml:"last_done,omitempty"`
	Runs     int            `json:"runs" yaml:"runs"`
	Counts   map[string]int `json:"counts,omitempty" yaml:"counts,omitempty"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
}

const timeLayout = "2006-01-02 15:04:05"

// stageStatuses returns one row per stage, including stages the journal
// has never seen.
func stageStatuses(sums []journal.Summary) []stageStatus {
	rows := make([]stageStatus, pipeline.NumStages)
	for k := range rows {
		rows[k] = stageStatus{Stage: k, Name: pipeline.StageNames[k], Status: "-"}
	}
	for _, s := range sums {
		if s.Stage < 0 || s.Stage >= len(rows) {
			continue
		}
		r := &rows[s.Stage]
		r.Runs = s.Runs
		r.Counts = s.Counts
		if s.Last == nil {
			r.Status = string(journal.StatusSkipped)
			continue
		}
		r.Status = string(s.Last.Status)
		r.Started = s.Last.StartedAt.Local().Format(timeLayout)
		if d := s.Last.Elapsed(); d > 0 {
			r.Elapsed = cli.FormatDuration(d)
		}
		r.Error = s.Last.Error
		if s.LastDone != nil {
			r.LastDone = s.LastDone.FinishedAt.Local().Format(timeLayout)
		}
	}
	return rows
}

func formatCounts(m map[string]int) string {
	var parts []string
	for _, k := range slices.Sorted(maps.Keys(m)) {
		parts = append(parts, k+"="+cli.FormatCount(m[k]))
	}
	return strings.Join(parts, " ")
}

func statusTable(rows []stageStatus, styles cli.Styles) string {
	t := cli.Table{
		Styles:   styles,
		Title:    "spkemb stages",
		Headers:  []string{"stage", "status", "started", "elapsed", "runs", "counts", "error"},
		MaxWidth: 48,
	}
	for _, r := range rows {
		st := styles.Status(r.Status)
		t.Rows = append(t.Rows, []cli.Cell{
			{Text: fmt.Sprintf("%d %s", r.Stage, r.Name)},
			{Text: r.Status, Style: &st},
			{Text: r.Started},
			{Text: r.Elapsed},
			{Text: fmt.Sprint(r.Runs)},
			{Text: formatCounts(r.Counts)},
			{Text: r.Error, Style: &styles.Bad},
		})
	}
	return t.Render()
}

func runStatus(cmd *cobra.Command, _ []string) error {
	format := statusOpts.output
	if format != "table" {
		if _, err := cli.ParseFormat(format); err != nil {
			return usageError{err}
		}
	}

	dir := filepath.Join(saveDir, artifact.StateDir)
	sums, err := readJournal(cmd, dir)
	if err != nil {
		return err
	}

	rows := stageStatuses(sums)
	if format != "table" {
		return cli.Output(rows, cli.OutputOptions{Format: cli.OutputFormat(format), Writer: cmd.OutOrStdout()})
	}
	styles := cli.NewStyles(cli.DefaultTheme)
	if statusOpts.plain {
		styles = cli.PlainStyles()
	}
	fmt.Fprintln(cmd.OutOrStdout(), statusTable(rows, styles))
	if len(sums) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no runs recorded under %s\n", dir)
	}
	return nil
}

// readJournal summarizes the journal in dir. A missing journal means no
// run was recorded yet.
func readJournal(cmd *cobra.Command, dir string) ([]journal.Summary, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	jr, err := journal.Open(dir, journal.BadgerOptions{Logger: cli.NewLogger(verbose, cmd.ErrOrStderr())})
	if err != nil {
		return nil, err
	}
	defer jr.Close()
	return jr.Summarize(cmd.Context())
}
