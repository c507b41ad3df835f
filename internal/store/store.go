// Package store persists labeled image samples under auto-incrementing keys.
package store

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	// ErrStorageUnavailable matches every failure to open or persist to the backend.
	ErrStorageUnavailable = errors.New("store: storage unavailable")
	// ErrClosed is returned by operations on a closed or destroyed store.
	ErrClosed = errors.New("store: closed")
	// ErrInvalidSample rejects samples with an empty label or malformed image.
	ErrInvalidSample = errors.New("store: invalid sample")
)

// StorageError records which operation failed against the backend.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// Is makes every StorageError match ErrStorageUnavailable.
func (e *StorageError) Is(target error) bool { return target == ErrStorageUnavailable }

// Sample is a labeled image. Keys start at 0 and are never reused.
type Sample struct {
	Key   int64
	Label string
	Image Image
}

const (
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Options selects and configures the backend.
type Options struct {
	Driver      string
	Path        string
	Table       string
	OpenTimeout time.Duration
}

var tableRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (o Options) withDefaults() Options {
	if o.Driver == "" {
		o.Driver = DriverSQLite
	}
	if o.Table == "" {
		o.Table = "samples"
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 10 * time.Second
	}
	return o
}

func (o Options) validate() error {
	if o.Path == "" {
		return errors.New("store: path must be set")
	}
	if !tableRegexp.MatchString(o.Table) {
		return errors.Errorf("store: invalid table name %q", o.Table)
	}
	switch o.Driver {
	case DriverSQLite, DriverBolt:
		return nil
	default:
		return errors.Errorf("store: unknown driver %q", o.Driver)
	}
}

type backend interface {
	add(ctx context.Context, label string, img Image) (int64, error)
	getRange(ctx context.Context, low, high int64) ([]Sample, error)
	getAll(ctx context.Context) ([]Sample, error)
	count(ctx context.Context) (int, error)
	clear(ctx context.Context) error
	close() error
	destroy() error
}

// Store is a ready-to-use handle; Open only returns once the backend is open
// and the table exists.
type Store struct {
	mu     sync.RWMutex
	be     backend
	opts   Options
	closed bool
}

// Open opens (creating if needed) the backing storage. Transient failures such
// as a held file lock are retried with exponential backoff until OpenTimeout.
func Open(ctx context.Context, opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.OpenTimeout)
	defer cancel()

	var be backend
	op := func() error {
		b, err := openBackend(ctx, opts)
		if err != nil {
			if transient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		be = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("store=%s table=%s open retry_in=%s err=%v", opts.Path, opts.Table, wait, err)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	return &Store{be: be, opts: opts}, nil
}

func openBackend(ctx context.Context, opts Options) (backend, error) {
	switch opts.Driver {
	case DriverBolt:
		return openBolt(opts.Path, opts.Table)
	default:
		return openSQLite(ctx, opts.Path, opts.Table)
	}
}

func transient(err error) bool {
	if errors.Is(err, bolt.ErrTimeout) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Driver reports the backend in use.
func (s *Store) Driver() string { return s.opts.Driver }

// Table reports the table (or bucket) holding the samples.
func (s *Store) Table() string { return s.opts.Table }

// Add persists a sample and returns its key.
func (s *Store) Add(ctx context.Context, img Image, label string) (int64, error) {
	if strings.TrimSpace(label) == "" {
		return 0, errors.Wrap(ErrInvalidSample, "empty label")
	}
	if err := img.Validate(); err != nil {
		return 0, errors.Wrap(ErrInvalidSample, err.Error())
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	key, err := s.be.add(ctx, label, img)
	if err != nil {
		return 0, &StorageError{Op: "add", Err: err}
	}
	return key, nil
}

// GetRange returns samples with low <= key <= high in ascending key order.
func (s *Store) GetRange(ctx context.Context, low, high int64) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if high < low || high < 0 {
		return nil, nil
	}
	if low < 0 {
		low = 0
	}
	out, err := s.be.getRange(ctx, low, high)
	if err != nil {
		return nil, &StorageError{Op: "get range", Err: err}
	}
	return out, nil
}

// GetAll returns every sample in ascending key order.
func (s *Store) GetAll(ctx context.Context) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out, err := s.be.getAll(ctx)
	if err != nil {
		return nil, &StorageError{Op: "get all", Err: err}
	}
	return out, nil
}

// Count returns the number of stored samples.
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrClosed
	}
	n, err := s.be.count(ctx)
	if err != nil {
		return 0, &StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// Clear removes all samples. The key sequence continues where it left off.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.be.clear(ctx); err != nil {
		return &StorageError{Op: "clear", Err: err}
	}
	return nil
}

// Destroy deletes the underlying storage. The store is unusable afterwards.
func (s *Store) Destroy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.closed = true
	if err := s.be.destroy(); err != nil {
		return &StorageError{Op: "destroy", Err: err}
	}
	log.Printf("store=%s destroyed", s.opts.Path)
	return nil
}

// Close releases the backend without deleting data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.be.close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}
