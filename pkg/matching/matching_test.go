package matching

import (
	"errors"
	"testing"

	"github.com/igolaizola/sigbridge/pkg/signal"
)

type mockStore struct {
	entry *Entry
	err   error
}

func (s *mockStore) Enqueue(e *Entry) error {
	s.entry = e
	return s.err
}

func (s *mockStore) DequeueMatch(asset string, direction signal.Direction) (*Entry, bool, error) {
	if s.entry == nil || s.err != nil {
		return nil, false, s.err
	}
	return s.entry, true, nil
}

func (s *mockStore) Delete(id string) error {
	return s.err
}

func TestEnqueue(t *testing.T) {
	store := &mockStore{}
	q := New(store)
	e, err := q.Enqueue(" eurusd ", signal.Down, "42", "pips", true)
	if err != nil {
		t.Fatal(err)
	}
	if e.ID == "" || e.CreatedAt.IsZero() {
		t.Errorf("missing id or creation time: %+v", e)
	}
	if e.Asset != "EURUSD" {
		t.Errorf("asset not normalized: %s", e.Asset)
	}
	if e.ExecutionDirection() != signal.Up {
		t.Errorf("opposite entry should execute %s, got %s", signal.Up, e.ExecutionDirection())
	}

	store.err = errors.New("disk full")
	if _, err := q.Enqueue("EURUSD", signal.Down, "43", "", false); !errors.Is(err, store.err) {
		t.Errorf("want wrapped store error, got %v", err)
	}
}

func TestDequeueMismatchPanics(t *testing.T) {
	store := &mockStore{entry: &Entry{ID: "1", Asset: "GBPUSD", Direction: signal.Up}}
	q := New(store)
	defer func() {
		if recover() == nil {
			t.Error("expected panic on mismatched entry")
		}
	}()
	_, _, _ = q.DequeueMatch("EURUSD", signal.Up)
}
