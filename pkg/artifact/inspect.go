package artifact

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/spkemb/pkg/utterance"
)

// Decode loads the artifact at name without knowing its Go type. The
// payload is returned as plain JSON-compatible values (maps with string
// keys, []any, float64/int, string), suitable for jq queries and YAML
// output.
func (s *Store) Decode(ctx context.Context, name string) (Info, any, error) {
	env, err := s.read(ctx, name)
	if err != nil {
		return Info{}, nil, err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(env.Payload))
	dec.SetMapDecoder(func(d *msgpack.Decoder) (any, error) {
		return d.DecodeUntypedMap()
	})
	v, err := dec.DecodeInterface()
	if err != nil {
		return Info{}, nil, fmt.Errorf("artifact: decode %s: %w", name, err)
	}
	return env.Info, plain(v), nil
}

// plain converts decoded MessagePack values into JSON-compatible ones.
func plain(v any) any {
	switch v := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[fmt.Sprint(k)] = plain(e)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(v))
		for k, e := range v {
			m[k] = plain(e)
		}
		return m
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = plain(e)
		}
		return out
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		return int(v)
	case float32:
		return float64(v)
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return v
	}
}

// Schema returns the JSON schema of a kind's payload.
// idx_to_speaker is described with string keys, as JSON object keys are
// always strings; they hold decimal indices.
func Schema(kind Kind) (*jsonschema.Schema, error) {
	opts := &jsonschema.ForOptions{}
	switch kind {
	case KindUtterances:
		return jsonschema.For[utterance.List](opts)
	case KindSpeakerToIdx:
		return jsonschema.For[map[string]int](opts)
	case KindIdxToSpeaker:
		return jsonschema.For[map[string]string](opts)
	default:
		return nil, fmt.Errorf("artifact: unknown kind %q", kind)
	}
}
