package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"os"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// boltBackend keeps one bucket per dataset. The bucket sequence drives key
// assignment and is carried over when the bucket is recreated by clear.
type boltBackend struct {
	db     *bolt.DB
	path   string
	bucket []byte
}

type boltRecord struct {
	Label    string
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

func openBolt(path, table string) (*boltBackend, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 250 * time.Millisecond})
	if err != nil {
		return nil, err
	}
	b := &boltBackend{db: db, path: path, bucket: []byte(table)}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b.bucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "create bucket %s", table)
	}
	return b, nil
}

func encodeKey(k int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(k))
	return buf
}

func decodeKey(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func (b *boltBackend) add(ctx context.Context, label string, img Image) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	rec := boltRecord{Label: label, Width: img.Width, Height: img.Height, Channels: img.Channels, Pix: img.Pix}
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return 0, err
	}
	var key int64
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(b.bucket)
		seq, err := bk.NextSequence()
		if err != nil {
			return err
		}
		key = int64(seq) - 1
		return bk.Put(encodeKey(key), buf.Bytes())
	})
	return key, err
}

func (b *boltBackend) getRange(ctx context.Context, low, high int64) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Sample
	hi := encodeKey(high)
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		for k, v := c.Seek(encodeKey(low)); k != nil && bytes.Compare(k, hi) <= 0; k, v = c.Next() {
			s, err := decodeSample(k, v)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	return out, err
}

func (b *boltBackend) getAll(ctx context.Context) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Sample
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).ForEach(func(k, v []byte) error {
			s, err := decodeSample(k, v)
			if err != nil {
				return err
			}
			out = append(out, s)
			return nil
		})
	})
	return out, err
}

func decodeSample(k, v []byte) (Sample, error) {
	var rec boltRecord
	if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
		return Sample{}, errors.Wrapf(err, "decode sample %d", decodeKey(k))
	}
	return Sample{
		Key:   decodeKey(k),
		Label: rec.Label,
		Image: Image{Width: rec.Width, Height: rec.Height, Channels: rec.Channels, Pix: rec.Pix},
	}, nil
}

func (b *boltBackend) count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(b.bucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *boltBackend) clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		seq := tx.Bucket(b.bucket).Sequence()
		if err := tx.DeleteBucket(b.bucket); err != nil {
			return err
		}
		bk, err := tx.CreateBucket(b.bucket)
		if err != nil {
			return err
		}
		return bk.SetSequence(seq)
	})
}

func (b *boltBackend) close() error {
	return b.db.Close()
}

func (b *boltBackend) destroy() error {
	if err := b.db.Close(); err != nil {
		return err
	}
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
