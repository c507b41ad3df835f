package tensor

import (
	"errors"
	"testing"
)

func newTestSession() *Session {
	return NewSession(Options{Workers: 2, Quiet: true})
}

func TestTidyReleasesIntermediates(t *testing.T) {
	sess := newTestSession()
	out, err := sess.Tidy(func(sc *Scope) (*Tensor, error) {
		a := sc.Zeros(2, 3)
		b, err := sc.Reshape(a, 3, 2)
		if err != nil {
			return nil, err
		}
		b.Set(1, 0, 1)
		return sc.Zeros(4), nil
	})
	if err != nil {
		t.Fatalf("Tidy: %v", err)
	}
	mem := sess.Memory()
	if mem.NumTensors != 1 || mem.NumBytes != 16 {
		t.Fatalf("expected 1 tensor / 16 bytes, got %+v", mem)
	}
	out.Release()
	out.Release()
	if mem := sess.Memory(); mem.NumTensors != 0 || mem.NumBytes != 0 {
		t.Fatalf("expected empty session, got %+v", mem)
	}
}

func TestTidyErrorLeaksNothing(t *testing.T) {
	sess := newTestSession()
	boom := errors.New("boom")
	_, err := sess.Tidy(func(sc *Scope) (*Tensor, error) {
		sc.Zeros(10)
		sc.Zeros(5, 5)
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if mem := sess.Memory(); mem.NumTensors != 0 {
		t.Fatalf("leaked %d tensors", mem.NumTensors)
	}
}

func TestReshapeSharesData(t *testing.T) {
	sess := newTestSession()
	a := sess.Zeros(2, 2)
	v, err := sess.Reshape(a, 4)
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	v.Data()[3] = 7
	if a.At(1, 1) != 7 {
		t.Fatalf("view does not share data")
	}
	a.Release()
	if got := sess.Memory().NumBytes; got != 16 {
		t.Fatalf("buffer freed while view alive: bytes=%d", got)
	}
	v.Release()
	if got := sess.Memory().NumBytes; got != 0 {
		t.Fatalf("expected 0 bytes, got %d", got)
	}
	if _, err := sess.Reshape(sess.Zeros(3), 2); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}

func TestStackOneHotArgMax(t *testing.T) {
	sess := newTestSession()
	sc := sess.NewScope()
	defer sc.Close()

	a, _ := sc.FromData([]float32{1, 2}, 2)
	b, _ := sc.FromData([]float32{3, 4}, 2)
	s, err := Stack(sc, []*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}
	if !SameShape(s.Shape(), []int{2, 2}) || s.At(1, 0) != 3 {
		t.Fatalf("unexpected stack %v %v", s.Shape(), s.Data())
	}

	oh, err := OneHot(sc, []int{0, 1, 0}, 2)
	if err != nil {
		t.Fatalf("OneHot: %v", err)
	}
	want := []float32{1, 0, 0, 1, 1, 0}
	for i, v := range oh.Data() {
		if v != want[i] {
			t.Fatalf("one-hot[%d]=%v want %v", i, v, want[i])
		}
	}
	if got := ArgMax(oh); got[0] != 0 || got[1] != 1 || got[2] != 0 {
		t.Fatalf("ArgMax=%v", got)
	}
	if _, err := OneHot(sc, []int{-1}, 2); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for -1 index, got %v", err)
	}
}

func TestReleasedTensorPanics(t *testing.T) {
	sess := newTestSession()
	a := sess.Zeros(1)
	a.Release()
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on use after release")
		}
	}()
	_ = a.Data()
}

func TestClosedSessionRejectsAllocation(t *testing.T) {
	sess := newTestSession()
	sess.Close()
	if !sess.Closed() {
		t.Fatalf("Closed() = false after Close")
	}
	if _, err := sess.FromData([]float32{1, 2}, 2); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
