package dataset

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"doodle-forge/internal/preprocess"
	"doodle-forge/internal/store"
)

// Record is a labeled drawing read from a shard. Key is the tar member name
// without extension.
type Record struct {
	Key   string
	Label string
	Image store.Image
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("dataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// StreamShard reads the tar shard at path and emits one Record for every
// <key>.png|jpg|jpeg|gif|bmp|webp member paired with a <key>.cls member holding
// the class name. Images are decoded before they are sent.
func StreamShard(ctx context.Context, path string, pendingCap int) (<-chan Record, <-chan error) {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}
	out := make(chan Record)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		f, err := os.Open(path)
		if err != nil {
			errCh <- errors.Wrap(err, "open shard")
			return
		}
		defer f.Close()

		tr := tar.NewReader(bufio.NewReader(f))
		pending := make(map[string]*partial)

		for {
			select {
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			default:
			}

			hdr, err := tr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				errCh <- errors.Wrapf(err, "read tar %s", path)
				return
			}
			if hdr.FileInfo().IsDir() {
				continue
			}
			name := filepath.Base(hdr.Name)
			ext := strings.ToLower(filepath.Ext(name))
			key := strings.TrimSuffix(name, filepath.Ext(name))

			var part *partial
			switch ext {
			case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp":
				data, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read image %s", name)
					return
				}
				img, _, err := preprocess.Decode(bytes.NewReader(data))
				if err != nil {
					errCh <- errors.Wrapf(err, "shard %s member %s", filepath.Base(path), name)
					return
				}
				part = pendingFor(pending, key)
				part.image = &img
			case ".cls":
				payload, err := io.ReadAll(tr)
				if err != nil {
					errCh <- errors.Wrapf(err, "read label %s", name)
					return
				}
				label := strings.TrimSpace(string(payload))
				if label == "" {
					errCh <- errors.Errorf("empty label in %s", name)
					return
				}
				part = pendingFor(pending, key)
				part.label = label
			default:
				continue
			}

			if len(pending) > pendingCap {
				errCh <- ErrPendingOverflow
				return
			}

			if part.ready() {
				rec := Record{Key: key, Label: part.label, Image: *part.image}
				delete(pending, key)
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case out <- rec:
				}
			}
		}

		if len(pending) > 0 {
			errCh <- errors.Errorf("shard %s: %d samples incomplete", filepath.Base(path), len(pending))
		}
	}()

	return out, errCh
}

type partial struct {
	image *store.Image
	label string
}

func pendingFor(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

func (p *partial) ready() bool {
	return p.image != nil && p.label != ""
}
