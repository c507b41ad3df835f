package model

import (
	"context"
	"encoding/gob"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
)

// ArtifactVersion is written into every saved model.
const ArtifactVersion = 1

// Weight is a named parameter buffer.
type Weight struct {
	Name  string
	Shape []int
	Data  []float32
}

// Artifact is the on-disk form of a model: architecture, weights and the
// class names its outputs correspond to.
type Artifact struct {
	Version      int
	Architecture Architecture
	Weights      []Weight
	ClassNames   []string
	SavedAt      time.Time
}

// WriteArtifact gob-encodes a.
func WriteArtifact(w io.Writer, a *Artifact) error {
	if err := gob.NewEncoder(w).Encode(a); err != nil {
		return errors.Wrapf(ErrArtifact, "encode: %v", err)
	}
	return nil
}

// ReadArtifact decodes an artifact and checks its version.
func ReadArtifact(r io.Reader) (*Artifact, error) {
	var a Artifact
	if err := gob.NewDecoder(r).Decode(&a); err != nil {
		return nil, errors.Wrapf(ErrArtifact, "decode: %v", err)
	}
	if a.Version != ArtifactVersion {
		return nil, errors.Wrapf(ErrArtifact, "version %d, want %d", a.Version, ArtifactVersion)
	}
	return &a, nil
}

// SaveArtifact writes a to path atomically.
func SaveArtifact(path string, a *Artifact) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "create artifact dir")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "create artifact")
	}
	defer os.Remove(tmp.Name())
	if err := WriteArtifact(tmp, a); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close artifact")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "rename artifact")
}

// OpenArtifact reads an artifact from a file path or an http(s) URL.
func OpenArtifact(ctx context.Context, src string) (*Artifact, error) {
	if u, err := url.Parse(src); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		return fetchArtifact(ctx, u.String())
	}
	f, err := os.Open(src)
	if err != nil {
		return nil, errors.Wrapf(ErrArtifact, "open %s: %v", src, err)
	}
	defer f.Close()
	return ReadArtifact(f)
}

func fetchArtifact(ctx context.Context, src string) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, errors.Wrapf(ErrArtifact, "request %s: %v", src, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrArtifact, "fetch %s: %v", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrArtifact, "fetch %s: status %s", src, resp.Status)
	}
	return ReadArtifact(resp.Body)
}
