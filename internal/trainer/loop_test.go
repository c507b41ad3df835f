package trainer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"doodle-forge/internal/dataset"
	"doodle-forge/internal/model"
	"doodle-forge/internal/store"
)

func bar(vertical bool, offset int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 28, 28))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	for a := 4; a < 24; a++ {
		for b := offset; b < offset+3; b++ {
			if vertical {
				img.SetGray(b, a, color.Gray{})
			} else {
				img.SetGray(a, b, color.Gray{})
			}
		}
	}
	return img
}

func seedStore(t *testing.T, opts store.Options, n int) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	for i := 0; i < n; i++ {
		label, vertical := "horizontal", false
		if i%2 == 0 {
			label, vertical = "vertical", true
		}
		if _, err := st.Add(ctx, store.FromImage(bar(vertical, 6+i%14)), label); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
}

func runConfig(t *testing.T) RunConfig {
	t.Helper()
	dir := t.TempDir()
	return RunConfig{
		Store:    store.Options{Driver: store.DriverSQLite, Path: filepath.Join(dir, "doodles.db"), Table: "doodles"},
		Build:    model.DefaultBuildConfig(),
		Train:    model.TrainOptions{Epochs: 2, BatchSize: 4},
		Artifact: filepath.Join(dir, "model.gob"),
		Seed:     3,
		Workers:  2,
		LogEvery: 1,
		Logger:   log.New(io.Discard, "", 0),
	}
}

func TestRunTrainsAndSaves(t *testing.T) {
	cfg := runConfig(t)
	seedStore(t, cfg.Store, 12)
	var buf bytes.Buffer
	cfg.Logger = log.New(&buf, "", 0)

	rep, err := Run(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.Samples != 12 || rep.RunID == "" || len(rep.Classes) != 2 || rep.Classes[0] != "vertical" {
		t.Fatalf("report %+v", rep)
	}
	if _, err := os.Stat(cfg.Artifact); err != nil {
		t.Fatalf("artifact: %v", err)
	}
	for _, want := range []string{"samples=12", "epoch=2 ", "saved artifact="} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("log missing %q:\n%s", want, buf.String())
		}
	}

	cfg.Resume = cfg.Artifact
	cfg.Artifact = ""
	if _, err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("resume: %v", err)
	}
}

func TestResumeKeepsClassOrder(t *testing.T) {
	cfg := runConfig(t)
	seedStore(t, cfg.Store, 8)
	if _, err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}

	ctx := context.Background()
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	for i := 0; i < 8; i++ {
		label, vertical := "vertical", true
		if i%2 == 0 {
			label, vertical = "horizontal", false
		}
		if _, err := st.Add(ctx, store.FromImage(bar(vertical, 6+i)), label); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	st.Close()

	cfg.Resume, cfg.Artifact = cfg.Artifact, ""
	rep, err := Run(ctx, cfg)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if rep.Classes[0] != "vertical" || rep.Classes[1] != "horizontal" {
		t.Fatalf("resumed run remapped classes to %v", rep.Classes)
	}

	cfg.Classes = []string{"horizontal", "vertical"}
	if _, err := Run(ctx, cfg); !errors.Is(err, model.ErrRegistryChanged) {
		t.Fatalf("expected ErrRegistryChanged, got %v", err)
	}
}

func TestRunEmptyStore(t *testing.T) {
	cfg := runConfig(t)
	seedStore(t, cfg.Store, 0)
	if _, err := Run(context.Background(), cfg); !errors.Is(err, dataset.ErrEmptyDataset) {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestRunUnknownConfiguredClass(t *testing.T) {
	cfg := runConfig(t)
	seedStore(t, cfg.Store, 4)
	cfg.Classes = []string{"vertical", "diagonal"}
	if _, err := Run(context.Background(), cfg); !errors.Is(err, dataset.ErrLabelNotInRegistry) {
		t.Fatalf("expected ErrLabelNotInRegistry, got %v", err)
	}
	if _, err := os.Stat(cfg.Artifact); !os.IsNotExist(err) {
		t.Fatalf("artifact written for a failed run: %v", err)
	}
}

func TestPredictPrintsRankedScores(t *testing.T) {
	cfg := runConfig(t)
	seedStore(t, cfg.Store, 8)
	if _, err := Run(context.Background(), cfg); err != nil {
		t.Fatalf("Run: %v", err)
	}

	path := filepath.Join(t.TempDir(), "query.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := png.Encode(f, bar(true, 12)); err != nil {
		t.Fatalf("png: %v", err)
	}
	f.Close()

	var out bytes.Buffer
	scores, err := Predict(context.Background(), PredictConfig{Artifact: cfg.Artifact, Image: path, Top: 1}, &out)
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if len(scores) != 1 || scores[0].Probability <= 0 {
		t.Fatalf("scores %+v", scores)
	}
	if !strings.Contains(out.String(), "format=png size=28x28") || !strings.Contains(out.String(), "class="+scores[0].Class) {
		t.Fatalf("output %q", out.String())
	}

	if _, err := Predict(context.Background(), PredictConfig{Artifact: filepath.Join(t.TempDir(), "none.gob"), Image: path}, nil); !errors.Is(err, model.ErrArtifact) {
		t.Fatalf("expected ErrArtifact, got %v", err)
	}
}
