package moreatomic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

func TestMapLoadOrStore(t *testing.T) {
	var created atomic.Int32

	m := NewMap(func(k string) (*int, error) {
		created.Inc()
		v := len(k)
		return &v, nil
	})

	var wg sync.WaitGroup
	values := make([]*int, 50)

	for i := range values {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			v, _, err := m.LoadOrStore(context.Background(), "hello")
			if err != nil {
				t.Error("Failed to load:", err)
			}
			values[i] = v
		}(i)
	}

	wg.Wait()

	if n := created.Load(); n != 1 {
		t.Fatal("Constructor called", n, "times")
	}

	for _, v := range values {
		if v != values[0] {
			t.Fatal("Callers got different values")
		}
	}

	if v, ok := m.Load("hello"); !ok || *v != 5 {
		t.Fatal("Unexpected loaded value")
	}
}

func TestMapConstructorError(t *testing.T) {
	errNo := errors.New("no")

	m := NewMap(func(k int) (*int, error) { return nil, errNo })

	if _, _, err := m.LoadOrStore(context.Background(), 1); !errors.Is(err, errNo) {
		t.Fatal("Unexpected error:", err)
	}

	if m.Len() != 0 {
		t.Fatal("Failed value was stored")
	}
}

func TestMapLoadOrStoreTimeout(t *testing.T) {
	release := make(chan struct{})

	m := NewMap(func(k int) (*int, error) {
		<-release
		return new(int), nil
	})

	go m.LoadOrStore(context.Background(), 1)
	defer close(release)

	// Let the first caller take the lock.
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, _, err := m.LoadOrStore(ctx, 2); err == nil {
		t.Fatal("LoadOrStore did not give up on a held lock")
	}
}

func TestMapCompareAndDelete(t *testing.T) {
	m := NewMap(func(k int) (*int, error) { return new(int), nil })

	v, _, _ := m.LoadOrStore(context.Background(), 1)

	if m.CompareAndDelete(1, new(int)) {
		t.Fatal("Deleted with a stale value")
	}
	if !m.CompareAndDelete(1, v) {
		t.Fatal("Failed to delete with the current value")
	}
	if _, ok := m.Load(1); ok {
		t.Fatal("Value still present")
	}
}

func TestMapDrain(t *testing.T) {
	m := NewMap(func(k int) (*int, error) { return new(int), nil })

	for i := 0; i < 3; i++ {
		m.LoadOrStore(context.Background(), i)
	}

	if drained := m.Drain(); len(drained) != 3 {
		t.Fatal("Drained", len(drained), "values")
	}
	if m.Len() != 0 {
		t.Fatal("Map not empty after drain")
	}
}
