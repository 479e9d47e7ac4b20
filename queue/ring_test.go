package queue_test

import (
	"sync"
	"testing"

	"github.com/fxsml/tickbus/queue"
)

func TestRing_FIFOAcrossDrains(t *testing.T) {
	tests := []struct {
		name  string
		total int
		every int // drain after this many enqueues
	}{
		{"single drain", 10, 10},
		{"drain each", 10, 1},
		{"uneven", 10, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := queue.NewRing[int](16)
			var got []int
			for i := 1; i <= tt.total; i++ {
				r.Enqueue(i)
				if i%tt.every == 0 {
					got = append(got, r.DrainAll()...)
				}
			}
			got = append(got, r.DrainAll()...)

			if len(got) != tt.total {
				t.Fatalf("expected %d values, got %d", tt.total, len(got))
			}
			for i, v := range got {
				if v != i+1 {
					t.Fatalf("expected %d at position %d, got %d", i+1, i, v)
				}
			}
		})
	}
}

func TestRing_DropOldest(t *testing.T) {
	r := queue.NewRing[int](3)
	for i := 1; i <= 3; i++ {
		if _, dropped := r.Enqueue(i); dropped {
			t.Fatalf("unexpected drop at %d", i)
		}
	}

	for i := 4; i <= 5; i++ {
		evicted, dropped := r.Enqueue(i)
		if !dropped {
			t.Fatalf("expected drop when enqueueing %d", i)
		}
		if evicted != i-3 {
			t.Errorf("expected evicted %d, got %d", i-3, evicted)
		}
		if got := r.Dropped(); got != uint64(i-3) {
			t.Errorf("expected drop counter %d, got %d", i-3, got)
		}
	}

	got := r.DrainAll()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
	if r.Enqueued() != 5 {
		t.Errorf("expected 5 enqueued, got %d", r.Enqueued())
	}
}

func TestRing_EmptyDrain(t *testing.T) {
	r := queue.NewRing[string](0)
	if r.Cap() != 1 {
		t.Errorf("expected capacity raised to 1, got %d", r.Cap())
	}
	if got := r.DrainAll(); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
	r.Enqueue("a")
	if r.Len() != 1 {
		t.Errorf("expected len 1, got %d", r.Len())
	}
}

func TestRing_ConcurrentProducer(t *testing.T) {
	const n = 1000
	r := queue.NewRing[int](n)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			r.Enqueue(i)
		}
	}()

	var got []int
	for len(got) < n {
		got = append(got, r.DrainAll()...)
	}
	wg.Wait()

	for i, v := range got {
		if v != i {
			t.Fatalf("expected %d at position %d, got %d", i, i, v)
		}
	}
}
