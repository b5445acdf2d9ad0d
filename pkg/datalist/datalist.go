// Package datalist builds the train, enroll and test utterance lists from
// Kaldi-style data directories named in a YAML data config.
//
// A data directory holds:
//
//	wav.scp   <utt-id> <path> [channel]
//	utt2spk   <utt-id> <speaker>
//
// utt2spk is optional for enroll and test sets; utterances missing from it
// get an empty speaker. Lines starting with '#' and blank lines are
// ignored. Relative paths in wav.scp are resolved against the directory.
package datalist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/spf13/afero"

	"github.com/haivivi/spkemb/pkg/utterance"
)

// Config lists the data sources of each set.
//
//	train:
//	  - name: sre04
//	    dir: /corpora/sre04
//	enroll:
//	  - name: sre16_enroll
//	    dir: /corpora/sre16/enroll
//	test:
//	  - name: sre16_test
//	    dir: /corpora/sre16/test
type Config struct {
	Train  []Source `yaml:"train" json:"train"`
	Enroll []Source `yaml:"enroll" json:"enroll"`
	Test   []Source `yaml:"test" json:"test"`
}

// Source is one Kaldi data directory.
type Source struct {
	Name string `yaml:"name" json:"name"`
	Dir  string `yaml:"dir" json:"dir"`

	// Limit keeps only the first Limit utterances when positive.
	Limit int `yaml:"limit,omitempty" json:"limit,omitempty"`
}

// Builder reads data directories from a filesystem.
type Builder struct {
	fs afero.Fs
}

// New returns a Builder over fsys, or the OS filesystem when fsys is nil.
func New(fsys afero.Fs) *Builder {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Builder{fs: fsys}
}

// LoadConfig reads and validates a data config.
func (b *Builder) LoadConfig(path string) (*Config, error) {
	data, err := afero.ReadFile(b.fs, path)
	if err != nil {
		return nil, fmt.Errorf("datalist: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML data config.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("datalist: parse config: %w", err)
	}
	if len(cfg.Train) == 0 {
		return nil, errors.New("datalist: config has no train sources")
	}
	for _, set := range [][]Source{cfg.Train, cfg.Enroll, cfg.Test} {
		for i, s := range set {
			if s.Dir == "" {
				return nil, fmt.Errorf("datalist: source %d (%q) has no dir", i, s.Name)
			}
		}
	}
	return &cfg, nil
}

// Lists holds the three lists produced by Build.
type Lists struct {
	Train  utterance.List
	Enroll utterance.List
	Test   utterance.List
}

// Build reads every source of cfg. Train utterances must have a speaker.
// Utterance IDs must be unique across all three lists, since features are
// stored by ID alone.
func (b *Builder) Build(cfg *Config) (*Lists, error) {
	seen := make(map[string]string)
	train, err := b.readAll("train", cfg.Train, true, seen)
	if err != nil {
		return nil, err
	}
	enroll, err := b.readAll("enroll", cfg.Enroll, false, seen)
	if err != nil {
		return nil, err
	}
	test, err := b.readAll("test", cfg.Test, false, seen)
	if err != nil {
		return nil, err
	}
	return &Lists{Train: train, Enroll: enroll, Test: test}, nil
}

// readAll reads srcs of set, recording each ID in seen under set/dataset.
func (b *Builder) readAll(set string, srcs []Source, needSpeaker bool, seen map[string]string) (utterance.List, error) {
	var out utterance.List
	for _, s := range srcs {
		l, err := b.Read(s, needSpeaker)
		if err != nil {
			return nil, err
		}
		for _, r := range l {
			where := set + "/" + r.Dataset
			if prev, ok := seen[r.ID]; ok {
				return nil, fmt.Errorf("datalist: utterance %s appears in both %s and %s", r.ID, prev, where)
			}
			seen[r.ID] = where
		}
		out = append(out, l...)
	}
	return out, nil
}

// Read builds the list of one data directory in wav.scp order.
func (b *Builder) Read(s Source, needSpeaker bool) (utterance.List, error) {
	name := s.Name
	if name == "" {
		name = filepath.Base(s.Dir)
	}

	wavs, err := b.open(filepath.Join(s.Dir, "wav.scp"))
	if err != nil {
		return nil, err
	}
	defer wavs.Close()

	spk := map[string]string{}
	f, err := b.open(filepath.Join(s.Dir, "utt2spk"))
	switch {
	case err == nil:
		spk, err = ReadUtt2Spk(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("datalist: %s: %w", name, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !needSpeaker:
	default:
		return nil, err
	}

	list, err := ReadWavSCP(wavs)
	if err != nil {
		return nil, fmt.Errorf("datalist: %s: %w", name, err)
	}
	for i := range list {
		r := &list[i]
		r.Dataset = name
		if !filepath.IsAbs(r.Path) {
			r.Path = filepath.Join(s.Dir, r.Path)
		}
		r.Speaker = spk[r.ID]
		if needSpeaker && r.Speaker == "" {
			return nil, fmt.Errorf("datalist: %s: utterance %s has no speaker", name, r.ID)
		}
	}
	if s.Limit > 0 {
		list = list.Head(s.Limit)
	}
	return list, nil
}

func (b *Builder) open(path string) (afero.File, error) {
	f, err := b.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("datalist: %w", err)
	}
	return f, nil
}

// ReadWavSCP parses wav.scp lines into records with NoLabel and no frames.
func ReadWavSCP(r io.Reader) (utterance.List, error) {
	var list utterance.List
	err := scanFields(r, func(n int, f []string) error {
		if len(f) < 2 || len(f) > 3 {
			return fmt.Errorf("wav.scp line %d: want <utt-id> <path> [channel], got %d fields", n, len(f))
		}
		rec := utterance.Record{ID: f[0], Path: f[1], Label: utterance.NoLabel}
		if len(f) == 3 {
			ch, err := strconv.Atoi(f[2])
			if err != nil || ch < 0 {
				return fmt.Errorf("wav.scp line %d: bad channel %q", n, f[2])
			}
			rec.Channel = ch
		}
		list = append(list, rec)
		return nil
	})
	return list, err
}

// ReadUtt2Spk parses utt2spk lines.
func ReadUtt2Spk(r io.Reader) (map[string]string, error) {
	m := make(map[string]string)
	err := scanFields(r, func(n int, f []string) error {
		if len(f) != 2 {
			return fmt.Errorf("utt2spk line %d: want <utt-id> <speaker>, got %d fields", n, len(f))
		}
		m[f[0]] = f[1]
		return nil
	})
	return m, err
}

func scanFields(r io.Reader, fn func(line int, fields []string) error) error {
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(n, strings.Fields(line)); err != nil {
			return err
		}
	}
	return sc.Err()
}
