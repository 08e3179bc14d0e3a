package bolt

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/igolaizola/sigbridge/pkg/compound"
	"github.com/igolaizola/sigbridge/pkg/matching"
	"github.com/igolaizola/sigbridge/pkg/matching/matchingtest"
	"github.com/igolaizola/sigbridge/pkg/relay"
	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/shopspring/decimal"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMatching(t *testing.T) {
	matchingtest.Run(t, func(t *testing.T) matching.Store {
		return newStore(t)
	})
}

func TestQueueReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	q := matching.New(s)
	want, err := q.Enqueue("XAUUSD", signal.Down, "order-1", "gold", true)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	got, ok, err := matching.New(s).DequeueMatch("XAUUSD", signal.Down)
	if err != nil || !ok {
		t.Fatalf("entry lost on reopen: %v", err)
	}
	if got.ID != want.ID || !got.Opposite || got.Strategy != "gold" {
		t.Errorf("wrong entry: %+v", got)
	}
}

var t0 = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func newSignal(id string, received time.Time, dir signal.Direction) *compound.PendingSignal {
	return &compound.PendingSignal{
		ID:            id,
		ProviderID:    "gold",
		Asset:         "XAUUSD",
		Direction:     dir,
		ExpiryMinutes: 30,
		EntryPrice:    decimal.NewFromFloat(2301.5),
		ReceivedAt:    received,
		ExpiryAt:      received.Add(30 * time.Minute),
		Status:        compound.AwaitingExpiry,
	}
}

func TestCreateSignal(t *testing.T) {
	s := newStore(t)
	window := 2 * time.Minute

	if err := s.CreateSignal(newSignal("1", t0, signal.Down), window); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		signal *compound.PendingSignal
		dup    bool
	}{
		{"same call", newSignal("2", t0.Add(90*time.Second), signal.Down), true},
		{"earlier call", newSignal("3", t0.Add(-time.Minute), signal.Down), true},
		{"other direction", newSignal("4", t0.Add(time.Minute), signal.Up), false},
		{"out of window", newSignal("5", t0.Add(5*time.Minute), signal.Down), false},
	}
	for _, tt := range tests {
		err := s.CreateSignal(tt.signal, window)
		if tt.dup && !errors.Is(err, compound.ErrDuplicate) {
			t.Errorf("%s: expected duplicate, got %v", tt.name, err)
		}
		if !tt.dup && err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
		}
	}

	// Resolved signals don't block a re-send
	first := newSignal("1", t0, signal.Down)
	first.Status = compound.Error
	if err := s.UpdateSignal(first); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSignal(newSignal("6", t0.Add(time.Minute), signal.Down), window); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	awaiting, err := s.ListSignals(compound.AwaitingExpiry)
	if err != nil {
		t.Fatal(err)
	}
	if len(awaiting) != 3 {
		t.Errorf("wrong number of awaiting signals: want 3, got %d", len(awaiting))
	}
	all, err := s.ListSignals(compound.AwaitingExpiry, compound.Error)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Errorf("wrong number of signals: want 4, got %d", len(all))
	}
	if !all[0].EntryPrice.Equal(decimal.NewFromFloat(2301.5)) {
		t.Errorf("wrong entry price: %s", all[0].EntryPrice)
	}

	if err := s.UpdateSignal(newSignal("unknown", t0, signal.Up)); err == nil {
		t.Error("expected error updating unknown signal")
	}
}

func TestTrades(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}

	p := newSignal("1", t0, signal.Down)
	if err := s.CreateSignal(p, time.Minute); err != nil {
		t.Fatal(err)
	}
	st := &compound.State{ProviderID: "gold", Stake: decimal.NewFromInt(50)}
	if err := s.SaveState(st); err != nil {
		t.Fatal(err)
	}

	p.Status = compound.Executed
	tr := &compound.CounterTrade{
		ID:         "t1",
		SignalID:   p.ID,
		ProviderID: "gold",
		Asset:      "XAUUSD",
		Direction:  signal.Up,
		Stake:      decimal.NewFromInt(50),
		ContractID: "c1",
		ExecutedAt: t0.Add(31 * time.Minute),
	}
	if err := s.Execute(p, tr); err != nil {
		t.Fatal(err)
	}
	trades, err := s.UnsettledTrades()
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 1 || trades[0].ContractID != "c1" {
		t.Fatalf("wrong unsettled trades: %+v", trades)
	}
	if executed, _ := s.ListSignals(compound.Executed); len(executed) != 1 {
		t.Errorf("signal not executed")
	}

	tr.Result = "won"
	tr.Profit = decimal.NewFromFloat(42.5)
	tr.SettledAt = t0.Add(time.Hour)
	next := &compound.State{ProviderID: "gold", Step: 1, Stake: decimal.NewFromInt(100), ConsecutiveWins: 1, TotalWins: 1, TotalProfit: tr.Profit}
	if err := s.Settle(tr, next); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s, err = New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if trades, _ := s.UnsettledTrades(); len(trades) != 0 {
		t.Errorf("trade not settled")
	}
	got, ok, err := s.State("gold")
	if err != nil || !ok {
		t.Fatalf("state not found: %v", err)
	}
	if got.Step != 1 || !got.Stake.Equal(decimal.NewFromInt(100)) || !got.TotalProfit.Equal(decimal.NewFromFloat(42.5)) {
		t.Errorf("wrong state: %+v", got)
	}
	if _, ok, _ := s.State("silver"); ok {
		t.Error("unexpected state")
	}
	states, err := s.ListStates()
	if err != nil || len(states) != 1 {
		t.Errorf("wrong states: %v %v", states, err)
	}
	if err := s.Settle(&compound.CounterTrade{ID: "unknown", ExecutedAt: t0}, next); err == nil {
		t.Error("expected error settling unknown trade")
	}
}

func TestExecutions(t *testing.T) {
	s := newStore(t)
	for i, id := range []string{"a", "b", "c"} {
		e := &relay.Execution{
			ID:         id,
			OrderID:    "order-" + id,
			Asset:      "R_25",
			Direction:  signal.Up,
			Stake:      decimal.NewFromInt(10),
			ExecutedAt: t0.Add(time.Duration(i) * time.Hour),
		}
		if err := s.SaveExecution(e); err != nil {
			t.Fatal(err)
		}
	}
	execs, err := s.ListExecutions(t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 2 || execs[0].ID != "a" || execs[1].ID != "b" {
		t.Errorf("wrong executions: %+v", execs)
	}
}
