package commands

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/check"
	"github.com/haivivi/spkemb/pkg/cli"
	"github.com/haivivi/spkemb/pkg/journal"
	"github.com/haivivi/spkemb/pkg/pipeline"
	"github.com/haivivi/spkemb/pkg/storage"
)

var runOpts struct {
	configFile     string
	dataConfig     string
	batchSize      int
	decay          float64
	epochs         int
	lr             float64
	numFeatures    int
	sampleRate     int
	skipCheck      bool
	stage          int
	jobs           int
	every          int
	resume         bool
	featureCheck   string
	embeddingCheck string
	seed           uint64
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run pipeline stages",
	Long: `Run pipeline stages --stage through 6.

Parameters come from the defaults, then --config, then any flag given on
the command line. Stages before --stage are not run; their outputs are
loaded from storage and, unless --skip-check is set, verified.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: runRun,
}

func init() {
	d := pipeline.DefaultConfig()
	f := runCmd.Flags()
	f.StringVar(&runOpts.configFile, "config", "", "pipeline config file (YAML or JSON)")
	f.StringVar(&runOpts.dataConfig, "data-config", "", "data config naming the train, enroll and test directories")
	f.IntVar(&runOpts.batchSize, "batch-size", d.BatchSize, "training batch size")
	f.Float64Var(&runOpts.decay, "decay", d.Decay, "learning rate decay per epoch")
	f.IntVar(&runOpts.epochs, "epochs", d.Epochs, "training epochs")
	f.Float64Var(&runOpts.lr, "lr", d.LR, "initial learning rate")
	f.IntVar(&runOpts.numFeatures, "num-features", d.NumFeatures, "MFCC coefficients per frame")
	f.IntVar(&runOpts.sampleRate, "sample-rate", d.SampleRate, "audio sample rate in Hz")
	f.BoolVarP(&runOpts.skipCheck, "skip-check", "c", false, "skip artifact checks of skipped stages")
	f.IntVar(&runOpts.stage, "stage", 0, fmt.Sprintf("first stage to run (0-%d)", pipeline.LastStage))
	f.IntVar(&runOpts.jobs, "n-jobs", d.Jobs, "parallel feature extraction jobs")
	f.IntVar(&runOpts.every, "checkpoint-every", d.CheckpointEvery, "checkpoint every N training steps")
	f.BoolVar(&runOpts.resume, "resume", false, "continue training from the latest checkpoint")
	f.StringVar(&runOpts.featureCheck, "feature-check", string(d.FeatureCheck), "missing features: fatal or warn")
	f.StringVar(&runOpts.embeddingCheck, "embedding-check", string(d.EmbeddingCheck), "missing embeddings: fatal or warn")
	f.Uint64Var(&runOpts.seed, "seed", d.Seed, "shuffle and initialization seed")

	rootCmd.AddCommand(runCmd)
}

// loadRunConfig layers --config and the explicitly set flags over the
// defaults.
func loadRunConfig(cmd *cobra.Command) (pipeline.Config, error) {
	cfg := pipeline.DefaultConfig()
	if runOpts.configFile != "" {
		if err := cli.LoadFile(runOpts.configFile, &cfg); err != nil {
			return cfg, usageError{fmt.Errorf("config %s: %w", runOpts.configFile, err)}
		}
	}

	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("data-config", func() { cfg.DataConfig = runOpts.dataConfig })
	set("batch-size", func() { cfg.BatchSize = runOpts.batchSize })
	set("decay", func() { cfg.Decay = runOpts.decay })
	set("epochs", func() { cfg.Epochs = runOpts.epochs })
	set("lr", func() { cfg.LR = runOpts.lr })
	set("num-features", func() { cfg.NumFeatures = runOpts.numFeatures })
	set("sample-rate", func() { cfg.SampleRate = runOpts.sampleRate })
	set("skip-check", func() { cfg.SkipCheck = runOpts.skipCheck })
	set("n-jobs", func() { cfg.Jobs = runOpts.jobs })
	set("checkpoint-every", func() { cfg.CheckpointEvery = runOpts.every })
	set("resume", func() { cfg.Resume = runOpts.resume })
	set("seed", func() { cfg.Seed = runOpts.seed })

	var err error
	if f.Changed("feature-check") {
		if cfg.FeatureCheck, err = check.ParsePolicy(runOpts.featureCheck); err != nil {
			return cfg, usageError{err}
		}
	}
	if f.Changed("embedding-check") {
		if cfg.EmbeddingCheck, err = check.ParsePolicy(runOpts.embeddingCheck); err != nil {
			return cfg, usageError{err}
		}
	}
	if runOpts.stage < 0 || runOpts.stage > pipeline.LastStage {
		return cfg, usageError{fmt.Errorf("--stage must be in [0, %d], got %d", pipeline.LastStage, runOpts.stage)}
	}
	if runOpts.stage == pipeline.StageData && cfg.DataConfig == "" {
		return cfg, usageError{fmt.Errorf("stage 0 needs --data-config")}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, usageError{err}
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}

	logFile, err := cli.OpenLogFile(filepath.Join(saveDir, artifact.LogDir, "run.log"))
	if err != nil {
		return err
	}
	defer logFile.Close()
	logger := cli.NewLogger(verbose, cmd.ErrOrStderr(), logFile)

	if cfg.Device.Threads > 0 {
		runtime.GOMAXPROCS(cfg.Device.Threads)
	}

	fs, err := storage.Open(location(), storage.S3Config{})
	if err != nil {
		return err
	}
	jr, err := journal.Open(filepath.Join(saveDir, artifact.StateDir), journal.BadgerOptions{Logger: logger})
	if err != nil {
		return err
	}
	defer jr.Close()

	c := pipeline.NewContext(fs, jr, logger)
	p, err := pipeline.New(c, cfg)
	if err != nil {
		return usageError{err}
	}
	logger.Info("spkemb: run",
		"stage", runOpts.stage,
		"storage", location(),
		"batch_size", cfg.BatchSize,
		"epochs", cfg.Epochs,
		"lr", cfg.LR,
		"resume", cfg.Resume)
	if err := p.Run(cmd.Context(), runOpts.stage); err != nil {
		return err
	}
	logger.Info("spkemb: run complete")
	return nil
}
