package commands

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/cli"
	"github.com/haivivi/spkemb/pkg/storage"
)

var inspectOpts struct {
	query  string
	schema bool
	output string
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <artifact>",
	Short: "Decode an artifact written by a stage",
	Long: `Decode a MessagePack artifact and print it as YAML or JSON.

<artifact> is a storage path such as data/train_data.msgpack or one of the
short names: ` + strings.Join(slices.Sorted(maps.Keys(artifact.Lists)), ", ") + `.

--query runs a jq expression over the payload. --schema prints the JSON
schema of the artifact's payload instead of its content.

Examples:
  spkemb inspect train --query 'length'
  spkemb inspect speaker_to_idx -o json
  spkemb inspect enroll --schema`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: runInspect,
}

func init() {
	f := inspectCmd.Flags()
	f.StringVarP(&inspectOpts.query, "query", "q", "", "jq expression applied to the payload")
	f.BoolVar(&inspectOpts.schema, "schema", false, "print the payload JSON schema")
	f.StringVarP(&inspectOpts.output, "output", "o", "yaml", "output format: yaml or json")
	rootCmd.AddCommand(inspectCmd)
}

// shortKinds are the kinds of the short artifact names, so --schema works
// before the artifact exists.
var shortKinds = map[string]artifact.Kind{
	"train":          artifact.KindUtterances,
	"enroll":         artifact.KindUtterances,
	"test":           artifact.KindUtterances,
	"speaker_to_idx": artifact.KindSpeakerToIdx,
	"idx_to_speaker": artifact.KindIdxToSpeaker,
}

func runInspect(cmd *cobra.Command, args []string) error {
	format, err := cli.ParseFormat(inspectOpts.output)
	if err != nil || format == cli.FormatRaw {
		return usageError{fmt.Errorf("unsupported output format %q (want yaml or json)", inspectOpts.output)}
	}
	var query *gojq.Query
	if inspectOpts.query != "" {
		if query, err = gojq.Parse(inspectOpts.query); err != nil {
			return usageError{fmt.Errorf("parse query: %w", err)}
		}
	}

	name := args[0]
	if p, ok := artifact.Lists[name]; ok {
		name = p
	}
	fs, err := storage.Open(location(), storage.S3Config{})
	if err != nil {
		return err
	}
	store := artifact.New(fs)
	out := cli.OutputOptions{Format: format, Writer: cmd.OutOrStdout()}

	if inspectOpts.schema {
		kind, ok := shortKinds[args[0]]
		if !ok {
			info, err := store.Stat(cmd.Context(), name)
			if err != nil {
				return err
			}
			kind = info.Kind
		}
		s, err := artifact.Schema(kind)
		if err != nil {
			return err
		}
		v, err := jsonValue(s)
		if err != nil {
			return err
		}
		return cli.Output(v, out)
	}

	info, payload, err := store.Decode(cmd.Context(), name)
	if err != nil {
		return err
	}
	if query == nil {
		return cli.Output(map[string]any{
			"kind":       string(info.Kind),
			"version":    info.Version,
			"created_at": info.CreatedAt.Format(time.RFC3339),
			"payload":    payload,
		}, out)
	}

	var results []any
	iter := query.RunWithContext(cmd.Context(), payload)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return fmt.Errorf("query: %w", err)
		}
		results = append(results, v)
	}
	if len(results) == 1 {
		return cli.Output(results[0], out)
	}
	return cli.Output(results, out)
}

// jsonValue converts v to plain JSON values so YAML output follows its
// JSON field names.
func jsonValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
