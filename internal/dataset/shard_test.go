package dataset

import (
	"archive/tar"
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestStreamShardPairsEntries(t *testing.T) {
	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000000.tar")
	mustShard(t, shard, []shardEntry{
		{key: "000001", label: "cat", shade: 10},
		{key: "000002", label: "dog", shade: 200},
	})

	records, err := drainShard(t, shard)
	if err != nil {
		t.Fatalf("StreamShard returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
	if records[0].Label != "cat" || records[1].Label != "dog" {
		t.Fatalf("labels %q %q", records[0].Label, records[1].Label)
	}
	if im := records[1].Image; im.Width != 6 || im.Height != 6 || im.Pix[0] != 200 {
		t.Fatalf("image not decoded: %dx%d first=%d", im.Width, im.Height, im.Pix[0])
	}
}

func TestStreamShardIncompletePair(t *testing.T) {
	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000000.tar")
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarPayload(t, tw, "lonely.cls", []byte("cat"))
	tw.Close()
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	if _, err := drainShard(t, shard); err == nil {
		t.Fatal("expected incomplete pair error")
	}
}

func TestStreamShardBadImage(t *testing.T) {
	dir := t.TempDir()
	shard := filepath.Join(dir, "shard-000000.tar")
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	addTarPayload(t, tw, "x.png", []byte("not a png"))
	addTarPayload(t, tw, "x.cls", []byte("cat"))
	tw.Close()
	if err := os.WriteFile(shard, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
	if _, err := drainShard(t, shard); err == nil {
		t.Fatal("expected decode error")
	}
}

func drainShard(t *testing.T, path string) ([]Record, error) {
	t.Helper()
	recCh, errCh := StreamShard(context.Background(), path, 4)
	var records []Record
	var firstErr error
	for recCh != nil || errCh != nil {
		select {
		case rec, ok := <-recCh:
			if !ok {
				recCh = nil
				continue
			}
			records = append(records, rec)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return records, firstErr
}

type shardEntry struct {
	key   string
	label string
	shade uint8
}

func mustShard(t *testing.T, path string, entries []shardEntry) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	for _, e := range entries {
		addTarPayload(t, tw, e.key+".png", pngBytes(t, e.shade))
		addTarPayload(t, tw, e.key+".cls", []byte(e.label+"\n"))
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write shard: %v", err)
	}
}

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 6, 6))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func addTarPayload(t *testing.T, tw *tar.Writer, name string, data []byte) {
	t.Helper()
	hdr := &tar.Header{Name: name, Size: int64(len(data)), Mode: 0o644}
	if err := tw.WriteHeader(hdr); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := tw.Write(data); err != nil {
		t.Fatalf("write data: %v", err)
	}
}
