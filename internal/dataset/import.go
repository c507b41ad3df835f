package dataset

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"doodle-forge/internal/store"
)

// Adder persists a labeled image. *store.Store implements it.
type Adder interface {
	Add(ctx context.Context, img store.Image, label string) (int64, error)
}

// ImportOptions configures Import.
type ImportOptions struct {
	Roots      []string
	Seed       int64
	NumWorkers int
	// Limit stops the import after this many records. Zero imports everything.
	Limit int
}

// ImportStats summarises an import.
type ImportStats struct {
	Added    int
	ByLabel  map[string]int
	FirstKey int64
	LastKey  int64
	Elapsed  time.Duration
}

// Import reads every shard under opts.Roots and adds its records to dst in
// sampler order.
func Import(ctx context.Context, dst Adder, opts ImportOptions) (ImportStats, error) {
	stats := ImportStats{ByLabel: make(map[string]int), FirstKey: -1, LastKey: -1}
	roots, err := DiscoverByRoot(opts.Roots)
	if err != nil {
		return stats, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, errCh, err := StartSampler(ctx, SamplerOptions{Roots: roots, Seed: opts.Seed, NumWorkers: opts.NumWorkers})
	if err != nil {
		return stats, err
	}

	start := time.Now()
	for stream != nil || errCh != nil {
		select {
		case rec, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			key, err := dst.Add(ctx, rec.Image, rec.Label)
			if err != nil {
				return stats, errors.Wrapf(err, "import %s", rec.Key)
			}
			if stats.FirstKey < 0 {
				stats.FirstKey = key
			}
			stats.LastKey = key
			stats.Added++
			stats.ByLabel[rec.Label]++
			if stats.Added%500 == 0 {
				log.Printf("import added=%d last_key=%d", stats.Added, key)
			}
			if opts.Limit > 0 && stats.Added >= opts.Limit {
				stats.Elapsed = time.Since(start)
				return stats, nil
			}
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return stats, err
			}
		}
	}
	stats.Elapsed = time.Since(start)
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}
