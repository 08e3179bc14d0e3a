package sqlite

import (
	"path/filepath"
	"testing"

	"github.com/igolaizola/sigbridge/pkg/matching"
	"github.com/igolaizola/sigbridge/pkg/matching/matchingtest"
)

func TestStore(t *testing.T) {
	matchingtest.Run(t, func(t *testing.T) matching.Store {
		s, err := New(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	q := matching.New(s)
	want, err := q.Enqueue("EURUSD", "UP", "order-1", "pips", false)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, ok, err := matching.New(s).DequeueMatch("EURUSD", "UP")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got.ID != want.ID {
		t.Errorf("entry not persisted: %+v", got)
	}
}
