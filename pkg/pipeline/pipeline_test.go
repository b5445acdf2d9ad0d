package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/sbinet/npyio"
	"github.com/spf13/afero"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/check"
	"github.com/haivivi/spkemb/pkg/journal"
	"github.com/haivivi/spkemb/pkg/speaker"
	"github.com/haivivi/spkemb/pkg/storage"
	"github.com/haivivi/spkemb/pkg/trainer"
	"github.com/haivivi/spkemb/pkg/xvector"
)

func writeTone(t *testing.T, fs afero.Fs, path string, freq, seconds float64, seed uint64) {
	t.Helper()
	const rate = 8000
	rng := rand.New(rand.NewPCG(seed, 7))
	n := int(seconds * rate)
	data := make([]int, n+1600)
	for i := range data {
		v := rng.Float64()*20 - 10
		if i >= 800 && i < 800+n {
			v += 6000 * math.Sin(2*math.Pi*freq*float64(i)/rate)
		}
		data[i] = int(v)
	}
	f, err := fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	if err := enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

// corpus writes two training speakers with five 3.5 s utterances each, a
// third speaker with two, and small enroll and test sets.
func corpus(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	var wavscp, utt2spk string
	for s, freq := range map[string]float64{"spkA": 440, "spkB": 880} {
		for u := 0; u < 5; u++ {
			id := fmt.Sprintf("%s-%d", s, u)
			writeTone(t, fs, "/corpus/train/"+id+".wav", freq, 3.5, uint64(u))
			wavscp += id + " " + id + ".wav\n"
			utt2spk += id + " " + s + "\n"
		}
	}
	for u := 0; u < 2; u++ {
		id := fmt.Sprintf("spkC-%d", u)
		writeTone(t, fs, "/corpus/train/"+id+".wav", 660, 3.5, 99)
		wavscp += id + " " + id + ".wav\n"
		utt2spk += id + " spkC\n"
	}
	afero.WriteFile(fs, "/corpus/train/wav.scp", []byte(wavscp), 0o644)
	afero.WriteFile(fs, "/corpus/train/utt2spk", []byte(utt2spk), 0o644)

	for _, set := range []string{"enroll", "test"} {
		var scp string
		for u, freq := range []float64{440, 880} {
			id := fmt.Sprintf("%s-%d", set, u)
			writeTone(t, fs, "/corpus/"+set+"/"+id+".wav", freq, 1, uint64(10+u))
			scp += id + " " + id + ".wav\n"
		}
		afero.WriteFile(fs, "/corpus/"+set+"/wav.scp", []byte(scp), 0o644)
	}
	afero.WriteFile(fs, "/data.yaml", []byte(`
train:
  - name: train
    dir: /corpus/train
enroll:
  - name: sre16_enroll
    dir: /corpus/enroll
test:
  - name: sre16_test
    dir: /corpus/test
`), 0o644)
	return fs
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DataConfig = "/data.yaml"
	cfg.BatchSize = 4
	cfg.Epochs = 2
	cfg.LR = 0.01
	cfg.CheckpointEvery = 2
	cfg.EmbeddingDim = 8
	cfg.Jobs = 2
	cfg.Seed = 1
	return cfg
}

type env struct {
	fs      storage.FileStore
	journal *journal.Journal
	audio   afero.Fs
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fs, err := storage.NewLocalFs(afero.NewMemMapFs(), "/save")
	if err != nil {
		t.Fatal(err)
	}
	return &env{fs: fs, journal: journal.New(journal.NewMemory()), audio: corpus(t)}
}

func (e *env) pipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, err := New(NewContext(e.fs, e.journal, logger), cfg)
	if err != nil {
		t.Fatal(err)
	}
	p.Audio = e.audio
	return p
}

func TestRunAllStages(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	p := e.pipeline(t, testConfig())
	if err := p.Run(ctx, 0); err != nil {
		t.Fatal(err)
	}

	train, enroll, test := p.Lists()
	if len(train) != 10 {
		t.Fatalf("train = %d utterances, want 10 (spkC filtered)", len(train))
	}
	for i, r := range train {
		if r.Frames < 300 {
			t.Fatalf("train[%d] has %d frames", i, r.Frames)
		}
		if i > 0 && train[i-1].Frames > r.Frames {
			t.Fatal("train list not sorted by frames")
		}
	}
	if p.Index().Len() != 2 {
		t.Fatalf("speakers = %d, want 2", p.Index().Len())
	}
	if i, _ := p.Index().Lookup("spkA"); i != 0 {
		t.Fatalf("spkA index = %d, want 0", i)
	}
	if len(enroll) != 2 || len(test) != 2 {
		t.Fatalf("enroll %d test %d", len(enroll), len(test))
	}

	for _, set := range []string{"enroll", "test"} {
		for row := 0; row < 2; row++ {
			emb, err := trainer.ReadEmbedding(ctx, e.fs, set, row)
			if err != nil {
				t.Fatalf("%s/%d: %v", set, row, err)
			}
			if len(emb) != 8 {
				t.Fatalf("embedding length = %d", len(emb))
			}
		}
	}
	if ok, _ := e.fs.Exists(ctx, artifact.DataSCP); !ok {
		t.Fatal("data.scp not written")
	}
	stored, err := p.c.Store.GetList(ctx, artifact.TrainList)
	if err != nil || len(stored) != 10 {
		t.Fatalf("stored train list = %d, %v", len(stored), err)
	}

	sum, err := e.journal.Summarize(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum) != NumStages {
		t.Fatalf("journal covers %d stages", len(sum))
	}
	for _, s := range sum {
		if s.LastDone == nil {
			t.Fatalf("stage %d not done", s.Stage)
		}
	}
	if sum[StageSpeakers].Counts["speakers"] != 2 {
		t.Fatalf("stage 2 counts = %v", sum[StageSpeakers].Counts)
	}
}

func TestRunFromLaterStage(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := e.pipeline(t, testConfig()).Run(ctx, 0); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Resume = true
	p := e.pipeline(t, cfg)
	if err := p.Run(ctx, StageTrain); err != nil {
		t.Fatal(err)
	}
	train, _, _ := p.Lists()
	for _, r := range train {
		if r.Label == -1 {
			t.Fatalf("%s has no label after reloading the index", r.ID)
		}
	}

	if err := e.pipeline(t, testConfig()).Run(ctx, StagePLDATrain); err != nil {
		t.Fatal(err)
	}
}

func TestStageOrderError(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	err := e.pipeline(t, testConfig()).Run(ctx, StageSpeakers)
	var soe *StageOrderError
	if !errors.As(err, &soe) {
		t.Fatalf("err = %v, want *StageOrderError", err)
	}
	if soe.Stage != StageData || soe.Artifact != artifact.TrainList {
		t.Fatalf("StageOrderError = %+v", soe)
	}
	if msg := err.Error(); !strings.Contains(msg, "run stage 0 first") || !strings.Contains(msg, "stage 0 never completed") {
		t.Fatalf("message = %q", msg)
	}
}

func TestStageOrderErrorHistory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	first := e.pipeline(t, testConfig())
	if err := first.Run(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := e.fs.Delete(ctx, artifact.SpeakerToIdx); err != nil {
		t.Fatal(err)
	}

	err := e.pipeline(t, testConfig()).Run(ctx, StageTrain)
	var soe *StageOrderError
	if !errors.As(err, &soe) {
		t.Fatalf("err = %v, want *StageOrderError", err)
	}
	if soe.Stage != StageSpeakers || soe.LastDone == nil || soe.LastDone.RunID != first.c.RunID {
		t.Fatalf("StageOrderError = %+v", soe)
	}
	want := "stage 2 last completed " + soe.LastDone.FinishedAt.Format(time.RFC3339) + " by run " + first.c.RunID[:8]
	if !strings.Contains(err.Error(), want) {
		t.Fatalf("message = %q, want it to contain %q", err.Error(), want)
	}

	// Without a journal the message carries no history.
	p, perr := New(NewContext(e.fs, nil, slog.New(slog.NewTextHandler(io.Discard, nil))), testConfig())
	if perr != nil {
		t.Fatal(perr)
	}
	p.Audio = e.audio
	err = p.Run(ctx, StageTrain)
	if !errors.As(err, &soe) || soe.LastDone != nil || strings.Contains(err.Error(), "completed") {
		t.Fatalf("err = %v", err)
	}
}

func TestResumeRewritesEmbeddings(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := e.pipeline(t, testConfig()).Run(ctx, 0); err != nil {
		t.Fatal(err)
	}
	before, err := trainer.EmbeddingCheckpoint(ctx, e.fs, "test")
	if err != nil || before == "" {
		t.Fatalf("marker = %q, %v", before, err)
	}
	// A row the old checkpoint produced, made recognizable.
	sentinel := []float32{42, 42, 42, 42, 42, 42, 42, 42}
	if err := storage.WriteFunc(ctx, e.fs, artifact.EmbeddingPath("test", 0), func(w io.Writer) error {
		return npyio.Write(w, sentinel)
	}); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig()
	cfg.Resume = true
	cfg.Epochs = 4
	if err := e.pipeline(t, cfg).Run(ctx, StageTrain); err != nil {
		t.Fatal(err)
	}

	latest, err := trainer.LoadLatest(ctx, e.fs, artifact.ModelDir, xvector.Tag)
	if err != nil {
		t.Fatal(err)
	}
	if latest.File == before {
		t.Fatalf("resume with more epochs kept checkpoint %s", before)
	}
	for _, set := range []string{"enroll", "test"} {
		got, err := trainer.EmbeddingCheckpoint(ctx, e.fs, set)
		if err != nil {
			t.Fatal(err)
		}
		if got != latest.File {
			t.Fatalf("%s marker = %q, want %q", set, got, latest.File)
		}
	}
	emb, err := trainer.ReadEmbedding(ctx, e.fs, "test", 0)
	if err != nil {
		t.Fatal(err)
	}
	if fmt.Sprint(emb) == fmt.Sprint(sentinel) {
		t.Fatal("embedding of the old checkpoint was kept")
	}
}

func TestMissingFeaturesFatal(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := e.pipeline(t, testConfig()).Run(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := e.fs.Delete(ctx, artifact.FeaturePath("spkA-0")); err != nil {
		t.Fatal(err)
	}

	err := e.pipeline(t, testConfig()).Run(ctx, StageSpeakers)
	var mae *check.MissingArtifactError
	if !errors.As(err, &mae) || mae.Fail != 1 {
		t.Fatalf("err = %v, want MissingArtifactError for 1 file", err)
	}

	cfg := testConfig()
	cfg.SkipCheck = true
	cfg.Epochs = 1
	if err := e.pipeline(t, cfg).Run(ctx, StageSpeakers); err == nil {
		t.Fatal("training on a missing feature file should fail")
	}
}

func TestMissingEmbeddingsWarn(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if err := e.pipeline(t, testConfig()).Run(ctx, 0); err != nil {
		t.Fatal(err)
	}
	e.fs.Delete(ctx, artifact.EmbeddingPath("test", 1))

	if err := e.pipeline(t, testConfig()).Run(ctx, StagePLDATrain); err != nil {
		t.Fatalf("warn policy should not fail: %v", err)
	}
	cfg := testConfig()
	cfg.EmbeddingCheck = check.Fatal
	err := e.pipeline(t, cfg).Run(ctx, StagePLDATrain)
	var mae *check.MissingArtifactError
	if !errors.As(err, &mae) {
		t.Fatalf("err = %v, want MissingArtifactError", err)
	}
}

func TestNoSpeakers(t *testing.T) {
	cfg := testConfig()
	cfg.MinUtterances = 6
	err := newEnv(t).pipeline(t, cfg).Run(context.Background(), 0)
	if !errors.Is(err, speaker.ErrNoSpeakers) {
		t.Fatalf("err = %v, want ErrNoSpeakers", err)
	}
}

func TestRunValidation(t *testing.T) {
	e := newEnv(t)
	if err := e.pipeline(t, testConfig()).Run(context.Background(), 7); err == nil {
		t.Fatal("expected error for stage 7")
	}
	cfg := testConfig()
	cfg.BatchSize = 0
	if _, err := New(NewContext(e.fs, nil, nil), cfg); err == nil {
		t.Fatal("expected error for batch size 0")
	}
	cfg = testConfig()
	cfg.Device.Name = "cuda"
	if _, err := New(NewContext(e.fs, nil, nil), cfg); err == nil {
		t.Fatal("expected error for unsupported device")
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := newEnv(t)
	err := e.pipeline(t, testConfig()).Run(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
