// Package matchingtest checks the behaviour every matching.Store must have.
package matchingtest

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/igolaizola/sigbridge/pkg/matching"
	"github.com/igolaizola/sigbridge/pkg/signal"
)

func Run(t *testing.T, newStore func(t *testing.T) matching.Store) {
	t.Run("fifo", func(t *testing.T) { testFIFO(t, newStore(t)) })
	t.Run("empty", func(t *testing.T) { testEmpty(t, newStore(t)) })
	t.Run("buckets", func(t *testing.T) { testBuckets(t, newStore(t)) })
	t.Run("delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("concurrent", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func newQueue(store matching.Store) *matching.Queue {
	return matching.New(store)
}

func testFIFO(t *testing.T, store matching.Store) {
	q := newQueue(store)
	first, err := q.Enqueue("eurusd", signal.Up, "order-1", "pips", false)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue("EURUSD", signal.Up, "order-2", "pips", true)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []*matching.Entry{first, second} {
		got, ok, err := q.DequeueMatch("EURUSD", signal.Up)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("entry %s not found", want.OrderID)
		}
		if got.ID != want.ID || got.OrderID != want.OrderID || got.Opposite != want.Opposite || got.Strategy != want.Strategy {
			t.Errorf("wrong entry: want %+v, got %+v", want, got)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) {
			t.Errorf("wrong creation time: want %s, got %s", want.CreatedAt, got.CreatedAt)
		}
	}
	if _, ok, _ := q.DequeueMatch("EURUSD", signal.Up); ok {
		t.Error("queue should be empty")
	}
}

func testEmpty(t *testing.T, store matching.Store) {
	q := newQueue(store)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, ok, err := q.DequeueMatch("EURUSD", signal.Down); ok || err != nil {
			t.Errorf("unexpected dequeue: %t %v", ok, err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue on empty queue blocked")
	}
}

func testBuckets(t *testing.T, store matching.Store) {
	q := newQueue(store)
	if _, err := q.Enqueue("EURUSD", signal.Up, "order-1", "", false); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := q.DequeueMatch("EURUSD", signal.Down); ok {
		t.Error("matched the wrong direction")
	}
	if _, ok, _ := q.DequeueMatch("GBPUSD", signal.Up); ok {
		t.Error("matched the wrong asset")
	}
	if _, ok, _ := q.DequeueMatch("EURUSD", signal.Up); !ok {
		t.Error("entry not matched")
	}
}

func testDelete(t *testing.T, store matching.Store) {
	q := newQueue(store)
	first, _ := q.Enqueue("EURUSD", signal.Up, "order-1", "", false)
	second, _ := q.Enqueue("EURUSD", signal.Up, "order-2", "", false)
	if err := q.Delete(first.ID); err != nil {
		t.Fatal(err)
	}
	if err := q.Delete("unknown"); err != nil {
		t.Errorf("delete of unknown entry failed: %v", err)
	}
	got, ok, err := q.DequeueMatch("EURUSD", signal.Up)
	if err != nil || !ok {
		t.Fatalf("entry not found: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("wrong entry: want %s, got %s", second.OrderID, got.OrderID)
	}
}

// Every entry must be consumed by exactly one of the concurrent consumers.
func testConcurrent(t *testing.T, store matching.Store) {
	q := newQueue(store)
	const n = 50
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue("R_25", signal.Down, fmt.Sprintf("order-%d", i), "", false); err != nil {
			t.Fatal(err)
		}
	}
	var lock sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, ok, err := q.DequeueMatch("R_25", signal.Down)
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					return
				}
				lock.Lock()
				seen[e.ID]++
				lock.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != n {
		t.Errorf("wrong number of dequeued entries: want %d, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Errorf("entry %s dequeued %d times", id, count)
		}
	}
}
