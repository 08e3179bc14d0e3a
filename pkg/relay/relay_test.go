package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/igolaizola/sigbridge/pkg/exchange"
	"github.com/igolaizola/sigbridge/pkg/matching"
	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/igolaizola/sigbridge/pkg/watch"
	"github.com/shopspring/decimal"
)

type mockWatcher struct {
	watched map[string]string
	events  chan watch.CrossEvent
	err     error
}

func newMockWatcher() *mockWatcher {
	return &mockWatcher{
		watched: make(map[string]string),
		events:  make(chan watch.CrossEvent),
	}
}

func (m *mockWatcher) Watch(orderID, symbolID string, sig *signal.Signal) error {
	if m.err != nil {
		return m.err
	}
	m.watched[orderID] = symbolID
	return nil
}

func (m *mockWatcher) StopWatching(orderID string) {
	delete(m.watched, orderID)
}

func (m *mockWatcher) Events() <-chan watch.CrossEvent {
	return m.events
}

type mockQueue struct {
	lock    sync.Mutex
	entries []*matching.Entry
}

func (m *mockQueue) Enqueue(e *matching.Entry) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *mockQueue) DequeueMatch(asset string, direction signal.Direction) (*matching.Entry, bool, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, e := range m.entries {
		if e.Asset == asset && e.Direction == direction {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return e, true, nil
		}
	}
	return nil, false, nil
}

func (m *mockQueue) Delete(id string) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, e := range m.entries {
		if e.ID == id {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

type buy struct {
	asset     string
	direction signal.Direction
	stake     decimal.Decimal
	minutes   int
}

type mockBinary struct {
	fails int
	buys  []buy
	calls int
}

func (m *mockBinary) Buy(ctx context.Context, asset string, direction signal.Direction, stake decimal.Decimal, minutes int) (string, error) {
	m.calls++
	if m.calls <= m.fails {
		return "", errors.New("venue error")
	}
	m.buys = append(m.buys, buy{asset, direction, stake, minutes})
	return "contract", nil
}

func (m *mockBinary) Contract(ctx context.Context, id string) (exchange.Contract, error) {
	return exchange.Contract{ID: id}, nil
}

type mockStore struct {
	execs []*Execution
}

func (m *mockStore) SaveExecution(e *Execution) error {
	m.execs = append(m.execs, e)
	return nil
}

func (m *mockStore) ListExecutions(from, to time.Time) ([]*Execution, error) {
	var list []*Execution
	for _, e := range m.execs {
		if !e.ExecutedAt.Before(from) && !e.ExecutedAt.After(to) {
			list = append(list, e)
		}
	}
	return list, nil
}

func newTestRelay(t *testing.T, cfg Config) (*Relay, *mockWatcher, *mockQueue, *mockBinary, *mockStore) {
	t.Helper()
	watcher := newMockWatcher()
	queue := &mockQueue{}
	binary := &mockBinary{}
	store := &mockStore{}
	if cfg.Stake.IsZero() {
		cfg.Stake = decimal.NewFromInt(10)
	}
	cfg.Wait = time.Millisecond
	r, err := New(t.Log, watcher, matching.New(queue), binary, store, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return r, watcher, queue, binary, store
}

func TestForward(t *testing.T) {
	tests := []struct {
		name      string
		opposite  bool
		timeframe string
		direction signal.Direction
		minutes   int
	}{
		{"same direction", false, "H1", signal.Up, 120},
		{"opposite", true, "M15", signal.Down, 30},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r, watcher, queue, binary, store := newTestRelay(t, Config{Strategy: "pips", Opposite: tt.opposite})
			sig := &signal.Signal{Asset: "EURUSD", Direction: signal.Up, EntryPrice: decimal.NewFromFloat(1.08), Timeframe: tt.timeframe}
			if err := r.Watch("o1", "frxEURUSD", sig); err != nil {
				t.Fatal(err)
			}
			if watcher.watched["o1"] != "frxEURUSD" {
				t.Fatal("order not watched")
			}

			ev := watch.CrossEvent{OrderID: "o1", Asset: "eurusd", Direction: signal.Up, ExecutionPrice: decimal.NewFromFloat(1.0801)}
			if err := r.Forward(context.Background(), ev); err != nil {
				t.Fatal(err)
			}
			if len(queue.entries) != 0 {
				t.Errorf("entry not consumed")
			}
			if len(binary.buys) != 1 {
				t.Fatalf("wrong number of buys: %d", len(binary.buys))
			}
			b := binary.buys[0]
			if b.asset != "EURUSD" || b.direction != tt.direction || b.minutes != tt.minutes || !b.stake.Equal(decimal.NewFromInt(10)) {
				t.Errorf("wrong buy: %+v", b)
			}
			if len(store.execs) != 1 {
				t.Fatalf("execution not saved")
			}
			exec := store.execs[0]
			if exec.OrderID != "o1" || exec.ContractID != "contract" || exec.Error != "" || exec.Strategy != "pips" {
				t.Errorf("wrong execution: %+v", exec)
			}
			if len(r.signals) != 0 {
				t.Errorf("signal not released")
			}
		})
	}
}

func TestExecuteRetry(t *testing.T) {
	r, _, _, binary, store := newTestRelay(t, Config{Retries: 2})
	binary.fails = 2
	if err := r.Forward(context.Background(), watch.CrossEvent{OrderID: "o1", Asset: "R_25", Direction: signal.Down}); err != nil {
		t.Fatal(err)
	}
	if binary.calls != 3 || len(binary.buys) != 1 {
		t.Errorf("wrong calls: %d", binary.calls)
	}
	if store.execs[0].DurationMinutes != 15 {
		t.Errorf("wrong duration: %d", store.execs[0].DurationMinutes)
	}
}

func TestExecuteFailure(t *testing.T) {
	r, _, queue, binary, store := newTestRelay(t, Config{Retries: 1})
	binary.fails = 5
	err := r.Forward(context.Background(), watch.CrossEvent{OrderID: "o1", Asset: "EURUSD", Direction: signal.Up})
	if err == nil {
		t.Fatal("expected error")
	}
	if binary.calls != 2 {
		t.Errorf("wrong calls: %d", binary.calls)
	}
	if len(queue.entries) != 0 {
		t.Errorf("failed entry requeued")
	}
	if len(store.execs) != 1 || store.execs[0].Error == "" || store.execs[0].ContractID != "" {
		t.Errorf("failure not recorded: %+v", store.execs)
	}
}

func TestExecuteEmpty(t *testing.T) {
	r, _, _, binary, store := newTestRelay(t, Config{})
	exec, err := r.Execute(context.Background(), "EURUSD", signal.Up, "", "")
	if err != nil || exec != nil {
		t.Fatalf("unexpected execution: %v %v", exec, err)
	}
	if binary.calls != 0 || len(store.execs) != 0 {
		t.Error("empty queue executed")
	}
}

func TestForwardCanceled(t *testing.T) {
	r, _, queue, binary, _ := newTestRelay(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Forward(ctx, watch.CrossEvent{OrderID: "o1", Asset: "EURUSD", Direction: signal.Up})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}
	if len(queue.entries) != 0 || binary.calls != 0 {
		t.Error("canceled entry left in queue or executed")
	}
}

func TestWatchError(t *testing.T) {
	r, watcher, _, _, _ := newTestRelay(t, Config{})
	watcher.err = errors.New("closed")
	if err := r.Watch("o1", "R_25", &signal.Signal{Asset: "Volatility 25"}); err == nil {
		t.Fatal("expected error")
	}
	if len(r.signals) != 0 {
		t.Error("signal kept after watch failure")
	}
}

func TestRun(t *testing.T) {
	r, watcher, _, binary, _ := newTestRelay(t, Config{})
	if err := r.Watch("o1", "R_25", &signal.Signal{Asset: "Volatility 25", Direction: signal.Up}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- r.Run(ctx) }()
	watcher.events <- watch.CrossEvent{OrderID: "o1", Asset: "Volatility 25", Direction: signal.Up}
	// Unbuffered, the first event is done once the second one is received
	watcher.events <- watch.CrossEvent{OrderID: "o2", Asset: "Volatility 25", Direction: signal.Up}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %v", err)
	}
	if len(binary.buys) < 1 {
		t.Errorf("event not executed")
	}
}

func TestNewInvalidStake(t *testing.T) {
	if _, err := New(t.Log, newMockWatcher(), matching.New(&mockQueue{}), &mockBinary{}, &mockStore{}, Config{}); err == nil {
		t.Error("expected error")
	}
}
