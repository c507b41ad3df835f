package tensor

import (
	"log"
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// Options configures a Session.
type Options struct {
	// Workers bounds the goroutines used by batch kernels. Zero picks the
	// number of physical cores.
	Workers int
	// Quiet disables the device log line on creation.
	Quiet bool
}

// DeviceInfo describes the CPU the session runs on.
type DeviceInfo struct {
	Brand         string
	PhysicalCores int
	LogicalCores  int
	Features      []string
}

// MemoryInfo is a snapshot of the tensors a session still holds.
type MemoryInfo struct {
	NumTensors int
	NumBytes   int64
}

// Session is the explicit compute context passed to preprocessing, dataset
// building and model operations. It tracks every live tensor so that callers
// can verify nothing leaks between training runs.
type Session struct {
	mu      sync.Mutex
	live    map[*Tensor]struct{}
	bytes   int64
	info    DeviceInfo
	workers int
	closed  bool
}

// NewSession creates a session and detects the host CPU.
func NewSession(opts Options) *Session {
	info := detectDevice()
	workers := opts.Workers
	if workers <= 0 {
		workers = info.PhysicalCores
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	s := &Session{
		live:    make(map[*Tensor]struct{}),
		info:    info,
		workers: workers,
	}
	if !opts.Quiet {
		log.Printf("session cpu=%q cores=%d threads=%d features=%v workers=%d",
			info.Brand, info.PhysicalCores, info.LogicalCores, info.Features, workers)
	}
	return s
}

func detectDevice() DeviceInfo {
	info := DeviceInfo{
		Brand:         cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	for _, f := range []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD, cpuid.SVE} {
		if cpuid.CPU.Supports(f) {
			info.Features = append(info.Features, f.String())
		}
	}
	return info
}

// Info returns the detected device.
func (s *Session) Info() DeviceInfo { return s.info }

// Workers is the parallelism batch kernels should use.
func (s *Session) Workers() int { return s.workers }

// Memory reports live tensors and their byte footprint.
func (s *Session) Memory() MemoryInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return MemoryInfo{NumTensors: len(s.live), NumBytes: s.bytes}
}

// Close releases every tensor still owned by the session.
func (s *Session) Close() {
	s.mu.Lock()
	live := make([]*Tensor, 0, len(s.live))
	for t := range s.live {
		live = append(live, t)
	}
	s.closed = true
	s.mu.Unlock()
	for _, t := range live {
		t.Release()
	}
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Zeros allocates a zero-filled tensor owned by the caller. It panics on a
// closed session; callers that may outlive the session check Closed first.
func (s *Session) Zeros(shape ...int) *Tensor {
	t, err := s.alloc(shape, nil)
	if err != nil {
		panic(err)
	}
	return t
}

// FromData wraps a copy of data in a tensor with the given shape.
func (s *Session) FromData(data []float32, shape ...int) (*Tensor, error) {
	return s.alloc(shape, data)
}

// Reshape returns a view of t with a new shape. The view shares t's data and
// must be released separately.
func (s *Session) Reshape(t *Tensor, shape ...int) (*Tensor, error) {
	return s.view(t, shape)
}

// NewScope opens a scope; tensors allocated through it are released on Close.
func (s *Session) NewScope() *Scope {
	return &Scope{sess: s, kept: make(map[*Tensor]bool)}
}

// Tidy runs fn inside a scope. Every tensor fn allocates through the scope is
// released when fn returns, except the returned tensor, which is handed to the
// caller. On error nothing survives.
func (s *Session) Tidy(fn func(sc *Scope) (*Tensor, error)) (*Tensor, error) {
	sc := s.NewScope()
	defer sc.Close()
	t, err := fn(sc)
	if err != nil {
		return nil, err
	}
	if t != nil {
		sc.Keep(t)
	}
	return t, nil
}

func (s *Session) alloc(shape []int, data []float32) (*Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	n := numElements(shape)
	if data != nil && len(data) != n {
		return nil, errors.Wrapf(ErrShape, "data has %d elements, shape %v needs %d", len(data), shape, n)
	}
	buf := &buffer{data: make([]float32, n), refs: 1}
	copy(buf.data, data)
	t := &Tensor{shape: append([]int(nil), shape...), buf: buf, sess: s}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.live[t] = struct{}{}
	s.bytes += int64(n) * 4
	return t, nil
}

func (s *Session) view(t *Tensor, shape []int) (*Tensor, error) {
	if t.buf == nil {
		return nil, errors.New("tensor: reshape of released tensor")
	}
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	if numElements(shape) != t.Size() {
		return nil, errors.Wrapf(ErrShape, "cannot reshape %v to %v", t.shape, shape)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t.buf.refs++
	v := &Tensor{shape: append([]int(nil), shape...), buf: t.buf, sess: s}
	s.live[v] = struct{}{}
	return v, nil
}

func (s *Session) release(t *Tensor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.buf == nil {
		return
	}
	t.buf.refs--
	if t.buf.refs == 0 {
		s.bytes -= int64(len(t.buf.data)) * 4
	}
	t.buf = nil
	delete(s.live, t)
}

// Scope owns the tensors allocated through it until Close.
type Scope struct {
	sess   *Session
	owned  []*Tensor
	kept   map[*Tensor]bool
	closed bool
}

// Session returns the owning session.
func (sc *Scope) Session() *Session { return sc.sess }

// Zeros allocates a zero-filled tensor owned by the scope.
func (sc *Scope) Zeros(shape ...int) *Tensor {
	return sc.Track(sc.sess.Zeros(shape...))
}

// FromData wraps a copy of data in a scope-owned tensor.
func (sc *Scope) FromData(data []float32, shape ...int) (*Tensor, error) {
	t, err := sc.sess.FromData(data, shape...)
	if err != nil {
		return nil, err
	}
	return sc.Track(t), nil
}

// Reshape returns a scope-owned view of t.
func (sc *Scope) Reshape(t *Tensor, shape ...int) (*Tensor, error) {
	v, err := sc.sess.Reshape(t, shape...)
	if err != nil {
		return nil, err
	}
	return sc.Track(v), nil
}

// Track hands ownership of t to the scope.
func (sc *Scope) Track(t *Tensor) *Tensor {
	if sc.closed {
		panic("tensor: track on closed scope")
	}
	sc.owned = append(sc.owned, t)
	return t
}

// Keep exempts t from release when the scope closes.
func (sc *Scope) Keep(t *Tensor) *Tensor {
	sc.kept[t] = true
	return t
}

// Close releases all owned tensors that were not kept.
func (sc *Scope) Close() {
	if sc.closed {
		return
	}
	sc.closed = true
	for _, t := range sc.owned {
		if !sc.kept[t] {
			t.Release()
		}
	}
	sc.owned = nil
}
