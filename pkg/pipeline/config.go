package pipeline

import (
	"fmt"

	"github.com/haivivi/spkemb/pkg/check"
	"github.com/haivivi/spkemb/pkg/feature"
	"github.com/haivivi/spkemb/pkg/loader"
	"github.com/haivivi/spkemb/pkg/speaker"
	"github.com/haivivi/spkemb/pkg/trainer"
)

// Stages.
const (
	StageData      = 0
	StageFeatures  = 1
	StageSpeakers  = 2
	StageTrain     = 3
	StageEmbed     = 4
	StagePLDATrain = 5
	StagePLDAScore = 6
	NumStages      = 7
	LastStage      = NumStages - 1
)

// StageNames are the human-readable stage names.
var StageNames = [NumStages]string{
	"data lists",
	"feature extraction",
	"speaker filtering",
	"model training",
	"embedding extraction",
	"PLDA training",
	"PLDA scoring",
}

// Config holds the run parameters. Field tags name the keys of the YAML
// pipeline config.
type Config struct {
	BatchSize   int     `yaml:"batch_size" json:"batch_size"`
	Decay       float64 `yaml:"decay" json:"decay"`
	Epochs      int     `yaml:"epochs" json:"epochs"`
	LR          float64 `yaml:"lr" json:"lr"`
	NumFeatures int     `yaml:"num_features" json:"num_features"`
	SampleRate  int     `yaml:"sample_rate" json:"sample_rate"`
	SkipCheck   bool    `yaml:"skip_check" json:"skip_check"`

	DataConfig      string       `yaml:"data_config" json:"data_config"`
	Jobs            int          `yaml:"n_jobs" json:"n_jobs"`
	CheckpointEvery int          `yaml:"checkpoint_every" json:"checkpoint_every"`
	KeepCheckpoints int          `yaml:"keep_checkpoints" json:"keep_checkpoints"`
	Resume          bool         `yaml:"resume" json:"resume"`
	FeatureCheck    check.Policy `yaml:"feature_check" json:"feature_check"`
	EmbeddingCheck  check.Policy `yaml:"embedding_check" json:"embedding_check"`
	Seed            uint64       `yaml:"seed" json:"seed"`
	Splits          []int        `yaml:"splits" json:"splits"`
	EmbeddingDim    int          `yaml:"embedding_dim" json:"embedding_dim"`
	MinFrames       int          `yaml:"min_frames" json:"min_frames"`
	MinUtterances   int          `yaml:"min_utterances" json:"min_utterances"`
	Device          Device       `yaml:"device" json:"device"`
}

// DefaultConfig returns the default run parameters.
func DefaultConfig() Config {
	return Config{
		BatchSize:       64,
		Decay:           0.6,
		Epochs:          50,
		LR:              0.0001,
		NumFeatures:     20,
		SampleRate:      8000,
		Jobs:            20,
		CheckpointEvery: 100,
		KeepCheckpoints: trainer.DefaultKeep,
		FeatureCheck:    check.Fatal,
		EmbeddingCheck:  check.Warn,
		Splits:          loader.DefaultSplits,
		EmbeddingDim:    128,
		MinFrames:       speaker.DefaultMinFrames,
		MinUtterances:   speaker.DefaultMinUtterances,
		Device:          DefaultDevice(),
	}
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return fmt.Errorf("pipeline: batch size must be positive, got %d", c.BatchSize)
	case c.Epochs <= 0:
		return fmt.Errorf("pipeline: epochs must be positive, got %d", c.Epochs)
	case c.LR <= 0:
		return fmt.Errorf("pipeline: learning rate must be positive, got %g", c.LR)
	case c.Decay <= 0 || c.Decay > 1:
		return fmt.Errorf("pipeline: decay must be in (0, 1], got %g", c.Decay)
	case c.NumFeatures <= 0:
		return fmt.Errorf("pipeline: num features must be positive, got %d", c.NumFeatures)
	}
	if _, err := check.ParsePolicy(string(c.FeatureCheck)); err != nil {
		return err
	}
	if _, err := check.ParsePolicy(string(c.EmbeddingCheck)); err != nil {
		return err
	}
	return c.Device.check()
}

// featureConfig derives the MFCC settings.
func (c Config) featureConfig() feature.Config {
	fc := feature.DefaultConfig()
	fc.SampleRate = c.SampleRate
	fc.NumCeps = c.NumFeatures
	if fc.NumMels < fc.NumCeps {
		fc.NumMels = fc.NumCeps
	}
	if nyq := float64(c.SampleRate) / 2; fc.HighFreq > nyq {
		fc.HighFreq = nyq - 100
	}
	fc.Jobs = c.Jobs
	return fc
}

// extractBatchSize is the batch size of embedding extraction: half the
// training batch, at least one.
func (c Config) extractBatchSize() int {
	return max(1, c.BatchSize/2)
}
