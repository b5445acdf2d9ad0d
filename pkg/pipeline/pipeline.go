// Package pipeline runs the speaker-embedding stages in order:
//
//	0  build the train, enroll and test lists
//	1  extract MFCC + VAD features and count frames
//	2  filter speakers and assign dense indices
//	3  train the embedding network
//	4  extract enroll and test embeddings
//	5  PLDA training (not implemented)
//	6  PLDA scoring (not implemented)
//
// Run(ctx, from) executes stages from..6. Earlier stages are skipped and
// their outputs are loaded from the save directory instead; a missing
// output is a *StageOrderError. Unless checks are disabled, skipping
// feature extraction verifies the feature files and skipping embedding
// extraction verifies the embeddings.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/afero"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/check"
	"github.com/haivivi/spkemb/pkg/datalist"
	"github.com/haivivi/spkemb/pkg/feature"
	"github.com/haivivi/spkemb/pkg/loader"
	"github.com/haivivi/spkemb/pkg/speaker"
	"github.com/haivivi/spkemb/pkg/trainer"
	"github.com/haivivi/spkemb/pkg/utterance"
	"github.com/haivivi/spkemb/pkg/xvector"
)

// Pipeline holds the state passed from stage to stage.
type Pipeline struct {
	c   *Context
	cfg Config

	// Audio is the filesystem audio paths and the data config are read
	// from. Defaults to the OS filesystem.
	Audio afero.Fs

	// Network is trained and used for extraction. Defaults to an
	// xvector.Net sized from the config.
	Network trainer.Network

	checker *check.Checker
	from    int

	train, enroll, test utterance.List
	index               *speaker.Index
}

// New returns a Pipeline for cfg.
func New(c *Context, cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Device.Name != "" {
		c.Device = cfg.Device
	}
	ch := check.New(c.FS, c.Logger)
	ch.SetPolicy(check.KindFeatures, cfg.FeatureCheck)
	ch.SetPolicy(check.KindEmbeddings, cfg.EmbeddingCheck)
	return &Pipeline{c: c, cfg: cfg, Audio: afero.NewOsFs(), checker: ch}, nil
}

// Lists returns the current train, enroll and test lists.
func (p *Pipeline) Lists() (train, enroll, test utterance.List) {
	return p.train, p.enroll, p.test
}

// Index returns the speaker index, once stage 2 ran or was loaded.
func (p *Pipeline) Index() *speaker.Index { return p.index }

type stageFunc func(ctx context.Context, e entry) error

// entry lets stages attach counts to their journal entry.
type entry interface {
	Count(name string, n int)
}

// Run executes stages from..6. Stage k runs iff from <= k; every stage
// completes before the next begins.
func (p *Pipeline) Run(ctx context.Context, from int) error {
	if from < 0 || from > LastStage {
		return fmt.Errorf("pipeline: stage %d out of range [0, %d]", from, LastStage)
	}
	p.from = from
	stages := [NumStages]struct{ run, skip stageFunc }{
		{p.makeData, p.loadData},
		{p.extractFeatures, p.checkFeatures},
		{p.filterSpeakers, p.loadIndex},
		{p.trainModel, nil},
		{p.extractEmbeddings, p.checkEmbeddings},
		{p.pldaTrain, nil},
		{p.pldaScore, nil},
	}
	for k, st := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}
		if k < from {
			p.c.skip(ctx, k)
			if st.skip == nil {
				continue
			}
			if err := st.skip(ctx, &counts{}); err != nil {
				return err
			}
			continue
		}
		e := p.c.begin(ctx, k)
		done := p.c.timer(fmt.Sprintf("stage %d: %s", k, StageNames[k]), "stage", k)
		err := st.run(ctx, e)
		p.c.finish(ctx, e, err)
		if err != nil {
			return fmt.Errorf("stage %d: %w", k, err)
		}
		done()
	}
	return nil
}

// counts discards counts of skipped stages.
type counts struct{}

func (*counts) Count(string, int) {}

func (p *Pipeline) sets() []check.Set {
	return []check.Set{
		{Name: "train", List: p.train},
		{Name: "enroll", List: p.enroll},
		{Name: "test", List: p.test},
	}
}

func (p *Pipeline) saveLists(ctx context.Context) error {
	for name, l := range map[string]utterance.List{
		artifact.TrainList:  p.train,
		artifact.EnrollList: p.enroll,
		artifact.TestList:   p.test,
	} {
		if err := p.c.Store.PutList(ctx, name, l); err != nil {
			return err
		}
	}
	return nil
}

// Stage 0.

func (p *Pipeline) makeData(ctx context.Context, e entry) error {
	if p.cfg.DataConfig == "" {
		return errors.New("pipeline: a data config is required to build the data lists")
	}
	b := datalist.New(p.Audio)
	dc, err := b.LoadConfig(p.cfg.DataConfig)
	if err != nil {
		return err
	}
	lists, err := b.Build(dc)
	if err != nil {
		return err
	}
	p.train, p.enroll, p.test = lists.Train, lists.Enroll, lists.Test
	p.c.Logger.Info("stage 0: made data lists", "train", len(p.train), "enroll", len(p.enroll), "test", len(p.test))
	e.Count("train", len(p.train))
	e.Count("enroll", len(p.enroll))
	e.Count("test", len(p.test))
	return p.saveLists(ctx)
}

func (p *Pipeline) loadData(ctx context.Context, _ entry) error {
	var err error
	if p.train, err = p.c.Store.GetList(ctx, artifact.TrainList); err != nil {
		return p.c.orderErr(ctx, StageData, artifact.TrainList, err)
	}
	if p.enroll, err = p.c.Store.GetList(ctx, artifact.EnrollList); err != nil {
		return p.c.orderErr(ctx, StageData, artifact.EnrollList, err)
	}
	if p.test, err = p.c.Store.GetList(ctx, artifact.TestList); err != nil {
		return p.c.orderErr(ctx, StageData, artifact.TestList, err)
	}
	p.c.Logger.Info("loaded data lists", "train", len(p.train), "enroll", len(p.enroll), "test", len(p.test))
	return nil
}

// Stage 1.

func (p *Pipeline) extractFeatures(ctx context.Context, e entry) error {
	if err := feature.WriteSCP(ctx, p.c.FS, artifact.DataSCP, p.train, p.enroll, p.test); err != nil {
		return err
	}
	p.c.Logger.Info("stage 1: wrote data scp", "path", artifact.DataSCP)

	x, err := feature.NewExtractor(p.cfg.featureConfig(), p.Audio, p.c.FS, p.c.Logger)
	if err != nil {
		return err
	}
	all := make(utterance.List, 0, len(p.train)+len(p.enroll)+len(p.test))
	all = append(append(append(all, p.train...), p.enroll...), p.test...)
	res, err := x.Extract(ctx, all)
	if err != nil {
		return err
	}
	if len(res.Unvoiced) > 0 {
		p.c.Logger.Warn("stage 1: dropping utterances without voiced frames", "count", len(res.Unvoiced))
	}

	p.train = withFrames(p.train, res.Frames)
	p.enroll = withFrames(p.enroll, res.Frames)
	p.test = withFrames(p.test, res.Frames)
	e.Count("features", len(res.Frames))
	e.Count("unvoiced", len(res.Unvoiced))
	return p.saveLists(ctx)
}

// withFrames sets frame counts from frames and drops records without one.
func withFrames(l utterance.List, frames map[string]int) utterance.List {
	out := l.Clone()
	out.SetFrames(frames)
	kept := out[:0]
	for _, r := range out {
		if r.HasFrames() {
			kept = append(kept, r)
		}
	}
	return kept
}

// checkFeatures guards the stages that read features (2 and 3).
func (p *Pipeline) checkFeatures(ctx context.Context, _ entry) error {
	if p.cfg.SkipCheck || p.from >= StageEmbed {
		return nil
	}
	rep, err := p.checker.Verify(ctx, check.KindFeatures, p.sets()...)
	if err != nil {
		return err
	}
	p.c.Logger.Info("checked features", "pass", rep.Pass, "fail", rep.Fail)

	var missing utterance.List
	for _, l := range []utterance.List{p.train, p.enroll, p.test} {
		missing = append(missing, l.MissingFrames()...)
	}
	if len(missing) == 0 {
		return nil
	}
	frames, err := feature.FrameCounts(ctx, p.c.FS, missing, p.cfg.Jobs)
	if err != nil {
		return err
	}
	n := p.train.SetFrames(frames) + p.enroll.SetFrames(frames) + p.test.SetFrames(frames)
	p.c.Logger.Info("backfilled frame counts from feature files", "updated", n, "missing", len(missing))
	if n == 0 {
		return nil
	}
	return p.saveLists(ctx)
}

// Stage 2.

func (p *Pipeline) filterSpeakers(ctx context.Context, e entry) error {
	res, err := speaker.Filter(p.train, speaker.Options{
		MinFrames:     p.cfg.MinFrames,
		MinUtterances: p.cfg.MinUtterances,
	})
	if err != nil {
		return err
	}
	p.c.Logger.Info("stage 2: filtered speakers",
		"utterances_before", len(p.train), "utterances_after", len(res.List),
		"speakers_before", res.SpeakersBefore, "speakers_after", res.SpeakersAfter)
	p.train, p.index = res.List, res.Index
	e.Count("utterances", len(p.train))
	e.Count("speakers", p.index.Len())

	if err := p.c.Store.PutList(ctx, artifact.TrainList, p.train); err != nil {
		return err
	}
	return p.c.Store.PutIndex(ctx, artifact.SpeakerToIdx, artifact.IdxToSpeaker, p.index)
}

func (p *Pipeline) loadIndex(ctx context.Context, _ entry) error {
	idx, err := p.c.Store.GetIndex(ctx, artifact.SpeakerToIdx, artifact.IdxToSpeaker)
	if err != nil {
		return p.c.orderErr(ctx, StageSpeakers, artifact.SpeakerToIdx, err)
	}
	if err := idx.Apply(p.train); err != nil {
		return err
	}
	p.index = idx
	p.c.Logger.Info("loaded speaker index", "speakers", idx.Len())
	return nil
}

// Stage 3.

func (p *Pipeline) network() (trainer.Network, error) {
	if p.Network != nil {
		return p.Network, nil
	}
	n, err := xvector.New(xvector.Config{
		Features: p.cfg.NumFeatures,
		Dim:      p.cfg.EmbeddingDim,
		Seed:     p.cfg.Seed,
	})
	if err != nil {
		return nil, err
	}
	p.Network = n
	return n, nil
}

func (p *Pipeline) trainModel(ctx context.Context, e entry) error {
	net, err := p.network()
	if err != nil {
		return err
	}
	ld, err := loader.NewSplitLoader(feature.NewStore(p.c.FS), p.train, loader.SplitOptions{
		BatchSize: p.cfg.BatchSize,
		Splits:    p.cfg.Splits,
		Seed:      p.cfg.Seed,
	})
	if err != nil {
		return err
	}
	tr := trainer.New(net, p.c.FS, trainer.WithLogger(p.c.Logger))
	if p.cfg.Resume {
		_, err := tr.Resume(ctx)
		if errors.Is(err, trainer.ErrNoCheckpoint) {
			p.c.Logger.Info("stage 3: nothing to resume, training from scratch")
		} else if err != nil {
			return err
		}
	}
	rec, err := tr.Train(ctx, ld, trainer.Schedule{
		Epochs: p.cfg.Epochs,
		LR:     p.cfg.LR,
		Decay:  p.cfg.Decay,
		Every:  p.cfg.CheckpointEvery,
		Keep:   p.cfg.KeepCheckpoints,
	})
	if err != nil {
		return err
	}
	e.Count("steps", rec.Step)
	p.c.Logger.Info("stage 3: trained", "checkpoint", rec.File, "steps", rec.Step, "loss", rec.Loss)
	return nil
}

// Stage 4.

func (p *Pipeline) extractEmbeddings(ctx context.Context, e entry) error {
	net, err := p.network()
	if err != nil {
		return err
	}
	x := trainer.NewExtractor(net, p.c.FS, trainer.WithLogger(p.c.Logger))
	x.SkipExisting = p.cfg.Resume
	src := feature.NewStore(p.c.FS)

	for _, set := range []struct {
		name string
		list *utterance.List
		path string
	}{
		{"enroll", &p.enroll, artifact.EnrollList},
		{"test", &p.test, artifact.TestList},
	} {
		ld, err := loader.NewSequentialLoader(src, *set.list, p.cfg.extractBatchSize())
		if err != nil {
			return err
		}
		last, err := x.Extract(ctx, ld, set.name)
		if err != nil {
			p.c.Logger.Warn("stage 4: extraction stopped", "set", set.name, "last_row", last)
			if errors.Is(err, trainer.ErrNoCheckpoint) {
				return p.c.orderErr(ctx, StageTrain, latestPath(net), err)
			}
			return err
		}
		*set.list = set.list.Head(last + 1)
		if err := p.c.Store.PutList(ctx, set.path, *set.list); err != nil {
			return err
		}
		e.Count(set.name, len(*set.list))
		p.c.Logger.Info("stage 4: extracted embeddings", "set", set.name, "count", last+1)
	}
	return nil
}

// latestPath returns the latest pointer path of net, for error messages.
func latestPath(net trainer.Network) string {
	return artifact.ModelDir + "/" + trainer.LatestName(net.Tag())
}

func (p *Pipeline) checkEmbeddings(ctx context.Context, _ entry) error {
	if p.cfg.SkipCheck {
		return nil
	}
	rep, err := p.checker.Verify(ctx, check.KindEmbeddings,
		check.Set{Name: "enroll", List: p.enroll},
		check.Set{Name: "test", List: p.test},
	)
	if err != nil {
		return err
	}
	p.c.Logger.Info("checked embeddings", "pass", rep.Pass, "fail", rep.Fail)
	return nil
}

// Stages 5 and 6.

func (p *Pipeline) pldaTrain(context.Context, entry) error {
	p.c.Logger.Info("stage 5: PLDA training is not implemented")
	return nil
}

func (p *Pipeline) pldaScore(context.Context, entry) error {
	p.c.Logger.Info("stage 6: PLDA scoring is not implemented")
	return nil
}
