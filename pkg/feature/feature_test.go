package feature

import (
	"bytes"
	"context"
	"io"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"
	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/spkemb/pkg/artifact"
	"github.com/haivivi/spkemb/pkg/storage"
	"github.com/haivivi/spkemb/pkg/utterance"
)

// signal returns noise-only samples with a 440 Hz tone between toneFrom
// and toneTo seconds.
func signal(rate int, seconds, toneFrom, toneTo float64) []int {
	rng := rand.New(rand.NewPCG(1, 1))
	out := make([]int, int(seconds*float64(rate)))
	for i := range out {
		v := rng.Float64()*20 - 10
		t := float64(i) / float64(rate)
		if t >= toneFrom && t < toneTo {
			v += 8000 * math.Sin(2*math.Pi*440*t)
		}
		out[i] = int(v)
	}
	return out
}

func writeWAV(t *testing.T, fs afero.Fs, path string, rate, channels int, data []int) {
	t.Helper()
	f, err := fs.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func memStore(t *testing.T) storage.FileStore {
	t.Helper()
	fs, err := storage.NewLocalFs(afero.NewMemMapFs(), "/save")
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestMFCCShape(t *testing.T) {
	m, err := NewMFCC(DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	raw := signal(8000, 1, 0, 1)
	samples := make([]float64, len(raw))
	for i, v := range raw {
		samples[i] = float64(v)
	}
	out, energy := m.Compute(samples)
	rows, cols := out.Dims()
	if rows != 98 || cols != 20 || len(energy) != 98 {
		t.Fatalf("dims = %dx%d, energy %d", rows, cols, len(energy))
	}
	for i := 0; i < rows; i++ {
		if out.At(i, 0) != energy[i] {
			t.Fatalf("c0 of frame %d is not the log energy", i)
		}
		for j := 0; j < cols; j++ {
			if math.IsNaN(out.At(i, j)) || math.IsInf(out.At(i, j), 0) {
				t.Fatalf("non-finite coefficient at %d,%d", i, j)
			}
		}
	}

	if short, _ := m.Compute(make([]float64, 100)); short != nil {
		t.Fatal("expected nil for audio shorter than a frame")
	}
}

func TestConfigValidate(t *testing.T) {
	bad := DefaultConfig()
	bad.NumCeps = 30
	if bad.Validate() == nil {
		t.Fatal("expected error for ceps > mels")
	}
	bad = DefaultConfig()
	bad.HighFreq = 5000
	if bad.Validate() == nil {
		t.Fatal("expected error for high freq above nyquist")
	}
}

func TestComputeVAD(t *testing.T) {
	energy := []float64{1, 1, 20, 20, 20, 1}
	got := ComputeVAD(energy, VADConfig{EnergyThreshold: 0, MeanScale: 1, Proportion: 0.6})
	want := []bool{false, false, true, true, true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("vad = %v, want %v", got, want)
		}
	}

	// With one frame of context, frame 1 sees {1,1,20}: 1/3 above.
	// Frame 5 sees {20,1}: 1/2 above.
	got = ComputeVAD(energy, VADConfig{MeanScale: 1, Context: 1, Proportion: 0.5})
	if got[1] || !got[2] || !got[5] {
		t.Fatalf("vad with context = %v", got)
	}

	m := mat.NewDense(3, 2, []float64{1, 2, 3, 4, 5, 6})
	v := ApplyVAD(m, []bool{true, false, true})
	if r, _ := v.Dims(); r != 2 || v.At(1, 0) != 5 {
		t.Fatalf("ApplyVAD = %v", mat.Formatted(v))
	}
	if ApplyVAD(m, []bool{false, false, false}) != nil {
		t.Fatal("expected nil when nothing is voiced")
	}
}

func TestDecodeChannel(t *testing.T) {
	audioFs := afero.NewMemMapFs()
	writeWAV(t, audioFs, "/st.wav", 8000, 2, []int{1, -1, 2, -2, 3, -3})
	f, _ := audioFs.Open("/st.wav")
	defer f.Close()
	samples, rate, err := Decode(f, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 8000 || len(samples) != 3 || samples[2] != -3 {
		t.Fatalf("rate=%d samples=%v", rate, samples)
	}

	f.Seek(0, io.SeekStart)
	if _, _, err := Decode(f, 2); err == nil {
		t.Fatal("expected channel range error")
	}
	if _, _, err := Decode(bytes.NewReader([]byte("not a wav file at all")), 0); err != ErrNotWAV {
		t.Fatalf("err = %v, want ErrNotWAV", err)
	}
}

func TestResampleSameRate(t *testing.T) {
	in := []float64{1, 2, 3}
	out, err := Resample(in, 8000, 8000)
	if err != nil || len(out) != 3 {
		t.Fatalf("out=%v err=%v", out, err)
	}
}

func TestExtract(t *testing.T) {
	ctx := context.Background()
	audioFs := afero.NewMemMapFs()
	writeWAV(t, audioFs, "/wav/a.wav", 8000, 1, signal(8000, 3, 1, 2))
	writeWAV(t, audioFs, "/wav/quiet.wav", 8000, 1, signal(8000, 1, 0, 0))

	fs := memStore(t)
	cfg := DefaultConfig()
	cfg.Jobs = 2
	x, err := NewExtractor(cfg, audioFs, fs, nil)
	if err != nil {
		t.Fatal(err)
	}
	list := utterance.List{
		{ID: "a", Path: "/wav/a.wav"},
		{ID: "quiet", Path: "/wav/quiet.wav"},
	}
	res, err := x.Extract(ctx, list)
	if err != nil {
		t.Fatal(err)
	}
	n := res.Frames["a"]
	if n < 95 || n > 105 {
		t.Fatalf("voiced frames of a = %d, want about 100", n)
	}
	if len(res.Unvoiced) != 1 || res.Unvoiced[0] != "quiet" {
		t.Fatalf("unvoiced = %v", res.Unvoiced)
	}
	if ok, _ := fs.Exists(ctx, artifact.FeaturePath("quiet")); ok {
		t.Fatal("unvoiced utterance should have no feature file")
	}

	got, err := ReadFrames(ctx, fs, "a")
	if err != nil || got != n {
		t.Fatalf("ReadFrames = %d, %v; want %d", got, err, n)
	}
	counts, err := FrameCounts(ctx, fs, list, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(counts) != 1 || counts["a"] != n {
		t.Fatalf("FrameCounts = %v", counts)
	}

	m, err := NewStore(fs).Features(ctx, list[0])
	if err != nil {
		t.Fatal(err)
	}
	if r, c := m.Dims(); r != n || c != cfg.NumCeps {
		t.Fatalf("stored dims = %dx%d", r, c)
	}
}

func TestExtractMissingAudio(t *testing.T) {
	x, _ := NewExtractor(DefaultConfig(), afero.NewMemMapFs(), memStore(t), nil)
	_, err := x.Extract(context.Background(), utterance.List{{ID: "x", Path: "/nope.wav"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestWriteSCP(t *testing.T) {
	ctx := context.Background()
	fs := memStore(t)
	a := utterance.List{{ID: "a", Path: "/a.wav"}}
	b := utterance.List{{ID: "b", Path: "/b.wav", Channel: 1}}
	if err := WriteSCP(ctx, fs, artifact.DataSCP, a, b); err != nil {
		t.Fatal(err)
	}
	var got bytes.Buffer
	storage.ReadFunc(ctx, fs, artifact.DataSCP, func(r io.Reader) error {
		_, err := got.ReadFrom(r)
		return err
	})
	if got.String() != "a /a.wav 0\nb /b.wav 1\n" {
		t.Fatalf("scp = %q", got.String())
	}
}
