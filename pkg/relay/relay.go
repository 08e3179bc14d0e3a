// Package relay carries a crossed CFD order to the binary venue: the fill is
// queued by asset and direction, then dequeued and executed as a contract.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/igolaizola/sigbridge/pkg/exchange"
	"github.com/igolaizola/sigbridge/pkg/expiry"
	"github.com/igolaizola/sigbridge/pkg/matching"
	"github.com/igolaizola/sigbridge/pkg/metrics"
	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/igolaizola/sigbridge/pkg/watch"
	"github.com/shopspring/decimal"
)

// Execution is the outcome of a queued fill on the binary venue.
type Execution struct {
	ID              string
	QueueID         string
	OrderID         string
	Asset           string
	Direction       signal.Direction
	Strategy        string
	Stake           decimal.Decimal
	DurationMinutes int
	ContractID      string
	Error           string
	ExecutedAt      time.Time
}

type Store interface {
	SaveExecution(e *Execution) error
	ListExecutions(from, to time.Time) ([]*Execution, error)
}

type Watcher interface {
	Watch(orderID, symbolID string, sig *signal.Signal) error
	StopWatching(orderID string)
	Events() <-chan watch.CrossEvent
}

type Config struct {
	Stake    decimal.Decimal
	Strategy string
	// Opposite executes the binary contract against the signal direction.
	Opposite bool
	// Retries of a failed binary execution before giving up.
	Retries int
	Wait    time.Duration
	Timeout time.Duration
}

type Relay struct {
	log     func(v ...interface{})
	watcher Watcher
	queue   *matching.Queue
	binary  exchange.Binary
	store   Store
	cfg     Config
	now     func() time.Time

	lock    sync.Mutex
	signals map[string]*signal.Signal
}

func New(log func(v ...interface{}), watcher Watcher, queue *matching.Queue, binary exchange.Binary, store Store, cfg Config) (*Relay, error) {
	if !cfg.Stake.IsPositive() {
		return nil, fmt.Errorf("relay: invalid stake %s", cfg.Stake)
	}
	if cfg.Wait == 0 {
		cfg.Wait = time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Relay{
		log:     log,
		watcher: watcher,
		queue:   queue,
		binary:  binary,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		signals: make(map[string]*signal.Signal),
	}, nil
}

// Watch starts watching the pending order of a signal.
func (r *Relay) Watch(orderID, symbolID string, sig *signal.Signal) error {
	r.lock.Lock()
	r.signals[orderID] = sig
	r.lock.Unlock()
	if err := r.watcher.Watch(orderID, symbolID, sig); err != nil {
		r.pop(orderID)
		return err
	}
	metrics.Signals.WithLabelValues("watch", "ok").Inc()
	return nil
}

func (r *Relay) StopWatching(orderID string) {
	r.pop(orderID)
	r.watcher.StopWatching(orderID)
}

func (r *Relay) pop(orderID string) *signal.Signal {
	r.lock.Lock()
	defer r.lock.Unlock()
	sig := r.signals[orderID]
	delete(r.signals, orderID)
	return sig
}

// Run forwards cross events until the context is canceled or the watcher is
// closed.
func (r *Relay) Run(ctx context.Context) error {
	events := r.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := r.Forward(ctx, ev); err != nil {
				r.log(err)
			}
		}
	}
}

// Forward queues a crossed order and runs the binary execution for its
// asset and direction.
func (r *Relay) Forward(ctx context.Context, ev watch.CrossEvent) error {
	sig := r.pop(ev.OrderID)
	metrics.Crosses.WithLabelValues(string(ev.Direction)).Inc()
	r.log(fmt.Sprintf("🎯 relay: order %s crossed, %s %s at %s", ev.OrderID, ev.Asset, ev.Direction, ev.ExecutionPrice))

	entry, err := r.queue.Enqueue(ev.Asset, ev.Direction, ev.OrderID, r.cfg.Strategy, r.cfg.Opposite)
	if err != nil {
		metrics.Queue.WithLabelValues("enqueue", "error").Inc()
		return err
	}
	metrics.Queue.WithLabelValues("enqueue", "ok").Inc()
	if ctx.Err() != nil {
		// Nobody will execute it
		if err := r.queue.Delete(entry.ID); err != nil {
			r.log(err)
		}
		return ctx.Err()
	}

	var timeframe, pattern string
	if sig != nil {
		timeframe, pattern = sig.Timeframe, sig.Pattern
	}
	_, err = r.Execute(ctx, ev.Asset, ev.Direction, timeframe, pattern)
	return err
}

// Execute dequeues the oldest fill of asset and direction and places its
// binary contract. It returns nil if there is nothing to execute. The entry
// is consumed on dequeue, a failed execution is recorded but not requeued.
func (r *Relay) Execute(ctx context.Context, asset string, direction signal.Direction, timeframe, pattern string) (*Execution, error) {
	entry, ok, err := r.queue.DequeueMatch(asset, direction)
	if err != nil {
		metrics.Queue.WithLabelValues("dequeue", "error").Inc()
		return nil, err
	}
	if !ok {
		metrics.Queue.WithLabelValues("dequeue", "empty").Inc()
		return nil, nil
	}
	metrics.Queue.WithLabelValues("dequeue", "ok").Inc()

	exec := &Execution{
		ID:              uuid.NewString(),
		QueueID:         entry.ID,
		OrderID:         entry.OrderID,
		Asset:           entry.Asset,
		Direction:       entry.ExecutionDirection(),
		Strategy:        entry.Strategy,
		Stake:           r.cfg.Stake,
		DurationMinutes: expiry.Minutes(entry.Asset, timeframe, pattern),
	}
	contractID, err := r.buy(ctx, exec)
	exec.ExecutedAt = r.now().UTC()
	if err != nil {
		exec.Error = err.Error()
		metrics.Executions.WithLabelValues("relay", "error").Inc()
		r.log(fmt.Sprintf("❌ relay: couldn't execute order %s: %s %s %s %dm: %v", exec.OrderID, exec.Asset, exec.Direction, exec.Stake, exec.DurationMinutes, err))
	} else {
		exec.ContractID = contractID
		metrics.Executions.WithLabelValues("relay", "ok").Inc()
		r.log(fmt.Sprintf("⚙️ relay: order %s executed: %s %s %s %dm (contract %s)", exec.OrderID, exec.Asset, exec.Direction, exec.Stake, exec.DurationMinutes, contractID))
	}
	if serr := r.store.SaveExecution(exec); serr != nil {
		return exec, fmt.Errorf("relay: couldn't save execution %s: %w", exec.ID, serr)
	}
	if err != nil {
		return exec, fmt.Errorf("relay: couldn't execute %s: %w", exec.OrderID, err)
	}
	return exec, nil
}

func (r *Relay) buy(ctx context.Context, exec *Execution) (string, error) {
	var err error
	for retry := 0; retry <= r.cfg.Retries; retry++ {
		if retry > 0 {
			wait := r.cfg.Wait * time.Duration(1<<uint(retry-1))
			r.log(fmt.Sprintf("relay: retrying order %s in %s: %v", exec.OrderID, wait, err))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
		bctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		var id string
		id, err = r.binary.Buy(bctx, exec.Asset, exec.Direction, exec.Stake, exec.DurationMinutes)
		cancel()
		if err == nil {
			return id, nil
		}
		if errors.Is(err, context.Canceled) {
			return "", err
		}
	}
	return "", err
}

// Executions returns the executions between from and to.
func (r *Relay) Executions(from, to time.Time) ([]*Execution, error) {
	execs, err := r.store.ListExecutions(from, to)
	if err != nil {
		return nil, fmt.Errorf("relay: couldn't list executions: %w", err)
	}
	return execs, nil
}
