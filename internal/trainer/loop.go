package trainer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"

	"doodle-forge/internal/dataset"
	"doodle-forge/internal/model"
	"doodle-forge/internal/preprocess"
	"doodle-forge/internal/store"
	"doodle-forge/internal/tensor"
	"doodle-forge/internal/visor"
)

// RunConfig captures the knobs required by a training run.
type RunConfig struct {
	Store store.Options
	// Classes fixes the class order. Empty derives it from the stored labels.
	Classes []string
	Build   model.BuildConfig
	Train   model.TrainOptions
	// Resume continues from this artifact (path or URL) instead of a fresh build.
	Resume string
	// Artifact is where the trained model is written. Empty skips saving.
	Artifact string
	Seed     int64
	Workers  int
	LogEvery int
	// Dashboard, when set, receives run events and the inspection views.
	Dashboard *visor.Dashboard
	Sinks     []visor.Sink
	Logger    *log.Logger
}

// Report describes a finished run.
type Report struct {
	RunID      string
	Samples    int
	Classes    []string
	Evaluation model.Evaluation
	Artifact   string
	Elapsed    time.Duration
}

// Run trains a model on every sample in the store.
func Run(ctx context.Context, cfg RunConfig) (*Report, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 10
	}
	start := time.Now()

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	samples, err := st.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.Wrapf(dataset.ErrEmptyDataset, "store %s table %s", cfg.Store.Path, cfg.Store.Table)
	}

	sess := tensor.NewSession(tensor.Options{Workers: cfg.Workers})
	defer sess.Close()
	w := model.NewWrapper(sess, model.Options{Seed: cfg.Seed})
	defer w.Reset()

	classes := cfg.Classes
	if cfg.Resume != "" {
		if err := w.Load(ctx, cfg.Resume); err != nil {
			return nil, err
		}
		logger.Printf("resumed artifact=%s", cfg.Resume)
		if len(classes) == 0 {
			classes = w.Classes()
		}
	}
	reg, err := resolveRegistry(classes, samples)
	if err != nil {
		return nil, err
	}
	logger.Printf("samples=%d classes=%v driver=%s", len(samples), reg.Names(), st.Driver())
	if cfg.Resume == "" {
		build := cfg.Build
		build.NumClasses = reg.Len()
		if err := w.Build(ctx, build); err != nil {
			return nil, err
		}
	}

	logSink := visor.NewLogSink(logger, cfg.LogEvery)
	if sum, err := w.Summary(); err == nil {
		logSink.ShowModel(sum)
	}
	callbacks := []model.Callback{logSink}
	var async *visor.AsyncSink
	if cfg.Dashboard != nil {
		async = visor.Async(cfg.Dashboard, 256)
		callbacks = append(callbacks, async)
	}
	for _, sk := range cfg.Sinks {
		callbacks = append(callbacks, sk)
	}

	res, err := w.Train(ctx, samples, reg, cfg.Train, callbacks...)
	if async != nil {
		async.Close()
		if n := async.Dropped(); n > 0 {
			logger.Printf("dashboard dropped_events=%d", n)
		}
	}
	if err != nil {
		return nil, err
	}

	if cfg.Dashboard != nil {
		if err := visor.Inspect(ctx, cfg.Dashboard, w, samples); err != nil {
			logger.Printf("inspect: %v", err)
		}
	}
	if cfg.Artifact != "" {
		if err := w.Save(cfg.Artifact); err != nil {
			return nil, err
		}
		logger.Printf("saved artifact=%s", cfg.Artifact)
	}

	return &Report{
		RunID:      res.RunID,
		Samples:    len(samples),
		Classes:    reg.Names(),
		Evaluation: res.Evaluation,
		Artifact:   cfg.Artifact,
		Elapsed:    time.Since(start),
	}, nil
}

func resolveRegistry(classes []string, samples []store.Sample) (*dataset.Registry, error) {
	if len(classes) > 0 {
		return dataset.NewRegistry(classes...)
	}
	return dataset.RegistryFromSamples(samples)
}

// PredictConfig names an artifact and the image file to classify.
type PredictConfig struct {
	Artifact string
	Image    string
	// Top limits the printed scores. Zero prints all of them.
	Top     int
	Workers int
}

// Predict classifies one image file and writes the ranked scores to out.
func Predict(ctx context.Context, cfg PredictConfig, out io.Writer) ([]model.Score, error) {
	f, err := os.Open(cfg.Image)
	if err != nil {
		return nil, errors.Wrap(err, "open image")
	}
	defer f.Close()
	img, format, err := preprocess.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", cfg.Image)
	}

	sess := tensor.NewSession(tensor.Options{Workers: cfg.Workers, Quiet: true})
	defer sess.Close()
	w := model.NewWrapper(sess, model.Options{})
	if err := w.Load(ctx, cfg.Artifact); err != nil {
		return nil, err
	}
	defer w.Reset()

	probs, err := w.PredictSample(ctx, img)
	if err != nil {
		return nil, err
	}
	scores := model.Rank(probs, w.Classes())
	if cfg.Top > 0 && cfg.Top < len(scores) {
		scores = scores[:cfg.Top]
	}
	if out != nil {
		fmt.Fprintf(out, "image=%s format=%s size=%dx%d\n", cfg.Image, format, img.Width, img.Height)
		for _, sc := range scores {
			fmt.Fprintf(out, "class=%s probability=%.4f\n", sc.Class, sc.Probability)
		}
	}
	return scores, nil
}

// ImportConfig streams shard directories into a store.
type ImportConfig struct {
	Store  store.Options
	Import dataset.ImportOptions
	Logger *log.Logger
}

// Import adds every decodable shard sample under the configured roots.
func Import(ctx context.Context, cfg ImportConfig) (dataset.ImportStats, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return dataset.ImportStats{}, err
	}
	defer st.Close()

	stats, err := dataset.Import(ctx, st, cfg.Import)
	if err != nil {
		return stats, err
	}
	rate := 0.0
	if secs := stats.Elapsed.Seconds(); secs > 0 {
		rate = float64(stats.Added) / secs
	}
	logger.Printf("imported=%d first_key=%d last_key=%d images_per_sec=%.1f", stats.Added, stats.FirstKey, stats.LastKey, rate)
	for label, n := range stats.ByLabel {
		logger.Printf("label=%s count=%d", label, n)
	}
	return stats, nil
}
