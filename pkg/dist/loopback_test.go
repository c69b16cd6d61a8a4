package dist

import (
	"sync"
	"testing"
)

func TestLocalBackend(t *testing.T) {
	var b Local
	if b.WorldSize() != 1 || b.Rank() != 0 {
		t.Fatalf("Local = (%d, %d), want (1, 0)", b.WorldSize(), b.Rank())
	}
	buf := []float64{1, 2}
	b.AllReduceSumAsync(buf).Wait()
	if buf[0] != 1 || buf[1] != 2 {
		t.Errorf("single-process reduce mutated buffer: %v", buf)
	}
}

func TestLoopbackAllReduce(t *testing.T) {
	const n = 4
	g := NewLoopbackGroup(n)

	results := make([][]float64, n)
	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			w := g.Worker(rank)
			buf := []float64{float64(rank), 1}
			w.AllReduceSumAsync(buf).Wait()
			results[rank] = buf
		}(rank)
	}
	wg.Wait()

	// sum(0..3) = 6 in slot 0, n in slot 1, identical everywhere.
	for rank, buf := range results {
		if buf[0] != 6 || buf[1] != n {
			t.Errorf("rank %d got %v, want [6 %d]", rank, buf, n)
		}
	}
}

// Workers may issue several reductions before waiting on any of them;
// rounds must match by issue order per worker, not by arrival order.
func TestLoopbackOverlappedRounds(t *testing.T) {
	const n = 3
	g := NewLoopbackGroup(n)

	type pair struct{ a, b []float64 }
	results := make([]pair, n)
	var wg sync.WaitGroup
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			w := g.Worker(rank)
			a := []float64{1}
			b := []float64{10}
			ha := w.AllReduceSumAsync(a)
			hb := w.AllReduceSumAsync(b)
			hb.Wait()
			ha.Wait()
			results[rank] = pair{a, b}
		}(rank)
	}
	wg.Wait()

	for rank, r := range results {
		if r.a[0] != n || r.b[0] != 10*n {
			t.Errorf("rank %d got a=%v b=%v, want a=[%d] b=[%d]", rank, r.a, r.b, n, 10*n)
		}
	}
}

func TestLoopbackManySequentialRounds(t *testing.T) {
	const n = 2
	const rounds = 50
	g := NewLoopbackGroup(n)

	var wg sync.WaitGroup
	errs := make(chan string, n)
	for rank := 0; rank < n; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			w := g.Worker(rank)
			for i := 0; i < rounds; i++ {
				buf := []float64{float64(i)}
				w.AllReduceSumAsync(buf).Wait()
				if buf[0] != float64(n*i) {
					errs <- "round result mismatch"
					return
				}
			}
		}(rank)
	}
	wg.Wait()
	select {
	case msg := <-errs:
		t.Fatal(msg)
	default:
	}
}

func TestLoopbackRankRange(t *testing.T) {
	g := NewLoopbackGroup(2)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for out-of-range rank")
		}
	}()
	g.Worker(2)
}
