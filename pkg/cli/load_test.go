package cli

import (
	"os"
	"path/filepath"
	"testing"
)

type loadTarget struct {
	BatchSize int     `yaml:"batch_size" json:"batch_size"`
	LR        float64 `yaml:"lr" json:"lr"`
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"run.yaml": "batch_size: 64\nlr: 0.01\n",
		"run.yml":  "batch_size: 64\nlr: 0.01\n",
		"run.json": `{"batch_size": 64, "lr": 0.01}`,
		"run.conf": `{"batch_size": 64, "lr": 0.01}`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
				t.Fatal(err)
			}
			var got loadTarget
			if err := LoadFile(path, &got); err != nil {
				t.Fatalf("LoadFile: %v", err)
			}
			if got.BatchSize != 64 || got.LR != 0.01 {
				t.Errorf("got %+v", got)
			}
		})
	}
}

func TestLoadFile_KeepsUnsetFields(t *testing.T) {
	got := loadTarget{BatchSize: 128, LR: 0.5}
	if err := ParseFile([]byte("lr: 0.1\n"), "run.yaml", &got); err != nil {
		t.Fatal(err)
	}
	if got.BatchSize != 128 || got.LR != 0.1 {
		t.Errorf("got %+v", got)
	}
}

func TestLoadFile_Errors(t *testing.T) {
	var v loadTarget
	if err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), &v); err == nil {
		t.Error("missing file should fail")
	}
	if err := ParseFile([]byte("batch_sz: 3\n"), "run.yaml", &v); err == nil {
		t.Error("unknown YAML key should fail")
	}
	if err := ParseFile([]byte(`{"batch_sz": 3}`), "run.json", &v); err == nil {
		t.Error("unknown JSON key should fail")
	}
}

func TestParseFile_Empty(t *testing.T) {
	v := loadTarget{BatchSize: 7}
	if err := ParseFile(nil, "run.yaml", &v); err != nil {
		t.Fatalf("empty YAML: %v", err)
	}
	if v.BatchSize != 7 {
		t.Errorf("BatchSize = %d", v.BatchSize)
	}
}
