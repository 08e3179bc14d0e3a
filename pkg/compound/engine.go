package compound

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/igolaizola/sigbridge/pkg/exchange"
	"github.com/igolaizola/sigbridge/pkg/expiry"
	"github.com/igolaizola/sigbridge/pkg/metrics"
	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/shopspring/decimal"
)

type Config struct {
	// Ladders by provider id. Default is used for providers not listed.
	Ladders map[string]Ladder
	Default *Ladder
	// Window is the deduplication window of a provider call.
	Window time.Duration
	// MaxAttempts of a failing price fetch or execution before the signal
	// is marked as Error.
	MaxAttempts int
	Interval    time.Duration
	Timeout     time.Duration
}

func (c *Config) defaults() {
	if c.Window == 0 {
		c.Window = 2 * time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 15 * time.Second
	}
}

type Engine struct {
	log    func(v ...interface{})
	store  Store
	prices exchange.PriceSource
	binary exchange.Binary
	cfg    Config
	locks  locker
	now    func() time.Time
}

func New(log func(v ...interface{}), store Store, prices exchange.PriceSource, binary exchange.Binary, cfg Config) (*Engine, error) {
	cfg.defaults()
	ladders := make(map[string]Ladder)
	for id, l := range cfg.Ladders {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("compound: invalid ladder for %s: %w", id, err)
		}
		ladders[strings.ToLower(id)] = l
	}
	cfg.Ladders = ladders
	if cfg.Default != nil {
		if err := cfg.Default.Validate(); err != nil {
			return nil, fmt.Errorf("compound: invalid default ladder: %w", err)
		}
	}
	return &Engine{
		log:    log,
		store:  store,
		prices: prices,
		binary: binary,
		cfg:    cfg,
		now:    time.Now,
	}, nil
}

func (e *Engine) ladder(providerID string) (Ladder, bool) {
	if l, ok := e.cfg.Ladders[strings.ToLower(providerID)]; ok {
		return l, true
	}
	if e.cfg.Default != nil {
		return *e.cfg.Default, true
	}
	return Ladder{}, false
}

// Ingest stores a new provider signal. Duplicates return ErrDuplicate and
// providers without ladder return ErrNoLadder.
func (e *Engine) Ingest(ctx context.Context, sig *signal.Signal) (*PendingSignal, error) {
	providerID := strings.ToLower(strings.TrimSpace(sig.ProviderID))
	ladder, ok := e.ladder(providerID)
	if !ok {
		e.log(fmt.Sprintf("⚠️ compound: no ladder for provider %s, skipping %s %s", sig.ProviderID, sig.Asset, sig.Direction))
		metrics.Signals.WithLabelValues("compound", "no_ladder").Inc()
		return nil, fmt.Errorf("%w: %s", ErrNoLadder, sig.ProviderID)
	}
	received := sig.ReceivedAt
	if received.IsZero() {
		received = e.now()
	}
	received = received.UTC()
	minutes := expiry.Minutes(sig.Asset, sig.Timeframe, sig.Pattern)
	s := &PendingSignal{
		ID:            uuid.NewString(),
		ProviderID:    providerID,
		Asset:         sig.Asset,
		Direction:     sig.Direction,
		Timeframe:     sig.Timeframe,
		Pattern:       sig.Pattern,
		ExpiryMinutes: minutes,
		EntryPrice:    sig.EntryPrice,
		ReceivedAt:    received,
		ExpiryAt:      received.Add(time.Duration(minutes) * time.Minute),
		Status:        AwaitingExpiry,
	}
	if s.EntryPrice.IsZero() {
		price, err := e.price(ctx, s.Asset, time.Time{})
		if err != nil {
			e.log(fmt.Sprintf("compound: entry price for %s not available yet: %v", s.Asset, err))
		} else {
			s.EntryPrice = price
		}
	}
	if err := e.store.CreateSignal(s, e.cfg.Window); err != nil {
		if errors.Is(err, ErrDuplicate) {
			metrics.Signals.WithLabelValues("compound", "duplicate").Inc()
			return nil, err
		}
		return nil, fmt.Errorf("compound: couldn't store signal: %w", err)
	}
	metrics.Signals.WithLabelValues("compound", "ok").Inc()

	unlock := e.locks.Lock(s.ProviderID)
	defer unlock()
	if _, err := e.state(s.ProviderID, ladder); err != nil {
		e.log(err)
	}
	return s, nil
}

// state returns the ladder state of a provider, creating it if needed. Must
// be called with the provider lock held.
func (e *Engine) state(providerID string, ladder Ladder) (*State, error) {
	st, ok, err := e.store.State(providerID)
	if err != nil {
		return nil, fmt.Errorf("compound: couldn't get state of %s: %w", providerID, err)
	}
	if ok && st.Step < len(ladder.Stakes) && st.Stake.Equal(ladder.Stakes[st.Step]) {
		return st, nil
	}
	if ok {
		// The ladder was changed in the config
		e.log(fmt.Sprintf("⚠️ compound: ladder of %s changed, resetting step %d", providerID, st.Step))
		st.Step = 0
		st.ConsecutiveWins = 0
		st.Stake = ladder.Stakes[0]
	} else {
		st = ladder.Start(providerID)
	}
	if err := e.store.SaveState(st); err != nil {
		return nil, fmt.Errorf("compound: couldn't save state of %s: %w", providerID, err)
	}
	return st, nil
}

func (e *Engine) price(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	price, err := e.prices.Price(ctx, asset, at)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("compound: invalid price %s for %s: %w", price, asset, exchange.ErrPriceUnavailable)
	}
	return price, nil
}

// fail records a failed attempt, moving the signal to Error once attempts
// are exhausted.
func (e *Engine) fail(s *PendingSignal, err error) {
	s.Attempts++
	s.LastError = err.Error()
	if s.Attempts >= e.cfg.MaxAttempts {
		s.Status = Error
		metrics.Evaluations.WithLabelValues("error").Inc()
		e.log(fmt.Sprintf("❌ compound: signal %s %s %s of %s failed %d times, manual intervention required: %v",
			s.ID, s.Asset, s.Direction, s.ProviderID, s.Attempts, err))
	} else {
		e.log(fmt.Errorf("compound: signal %s %s attempt %d: %w", s.ID, s.Asset, s.Attempts, err))
	}
	if err := e.store.UpdateSignal(s); err != nil {
		e.log(fmt.Errorf("compound: couldn't update signal %s: %w", s.ID, err))
	}
}

// Backfill sets the entry price of signals that didn't have one.
func (e *Engine) Backfill(ctx context.Context) error {
	signals, err := e.store.ListSignals(AwaitingExpiry)
	if err != nil {
		return fmt.Errorf("compound: couldn't list signals: %w", err)
	}
	for _, s := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !s.EntryPrice.IsZero() {
			continue
		}
		price, err := e.price(ctx, s.Asset, s.ReceivedAt)
		if err != nil {
			e.fail(s, err)
			continue
		}
		s.EntryPrice = price
		if err := e.store.UpdateSignal(s); err != nil {
			e.log(fmt.Errorf("compound: couldn't update signal %s: %w", s.ID, err))
		}
	}
	return nil
}

// Evaluate resolves the provider outcome of expired signals and counter
// trades the ones the provider lost. Signals lost in a previous pass whose
// execution failed are retried.
func (e *Engine) Evaluate(ctx context.Context) error {
	signals, err := e.store.ListSignals(AwaitingExpiry, ProviderLost)
	if err != nil {
		return fmt.Errorf("compound: couldn't list signals: %w", err)
	}
	now := e.now()
	for _, s := range signals {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch s.Status {
		case ProviderLost:
			e.execute(ctx, s)
		case AwaitingExpiry:
			if s.EntryPrice.IsZero() || now.Before(s.ExpiryAt) {
				continue
			}
			if lost := e.evaluate(ctx, s); lost {
				e.execute(ctx, s)
			}
		}
	}
	return nil
}

func (e *Engine) evaluate(ctx context.Context, s *PendingSignal) bool {
	exit, err := e.price(ctx, s.Asset, s.ExpiryAt)
	if err != nil {
		e.fail(s, err)
		return false
	}
	s.ExitPrice = exit
	s.EvaluatedAt = e.now().UTC()
	s.Attempts = 0
	s.LastError = ""
	lost := Lost(s.Direction, s.EntryPrice, exit)
	if lost {
		s.Status = ProviderLost
		s.ProviderResult = "lost"
	} else {
		s.Status = ProviderWon
		s.ProviderResult = "won"
	}
	metrics.Evaluations.WithLabelValues(s.ProviderResult).Inc()
	if err := e.store.UpdateSignal(s); err != nil {
		e.log(fmt.Errorf("compound: couldn't update signal %s: %w", s.ID, err))
		return false
	}
	e.log(fmt.Sprintf("compound: %s %s %s by %s %s (entry %s, exit %s)", s.Asset, s.Direction, s.ID, s.ProviderID, s.ProviderResult, s.EntryPrice, exit))
	return lost
}

// execute places the counter trade of a lost signal.
func (e *Engine) execute(ctx context.Context, s *PendingSignal) {
	ladder, ok := e.ladder(s.ProviderID)
	if !ok {
		e.fail(s, fmt.Errorf("%w: %s", ErrNoLadder, s.ProviderID))
		return
	}

	unlock := e.locks.Lock(s.ProviderID)
	defer unlock()

	st, err := e.state(s.ProviderID, ladder)
	if err != nil {
		e.fail(s, err)
		return
	}
	direction := s.Direction.Opposite()
	stake := ladder.Stakes[st.Step]

	bctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	contractID, err := e.binary.Buy(bctx, s.Asset, direction, stake, s.ExpiryMinutes)
	cancel()
	if err != nil {
		metrics.Executions.WithLabelValues("compound", "error").Inc()
		e.fail(s, fmt.Errorf("compound: couldn't buy %s %s %s: %w", s.Asset, direction, stake, err))
		return
	}
	metrics.Executions.WithLabelValues("compound", "ok").Inc()

	t := &CounterTrade{
		ID:                 uuid.NewString(),
		SignalID:           s.ID,
		ProviderID:         s.ProviderID,
		Asset:              s.Asset,
		Direction:          direction,
		Stake:              stake,
		Step:               st.Step,
		ContractID:         contractID,
		ProviderEntryPrice: s.EntryPrice,
		ProviderExitPrice:  s.ExitPrice,
		ExecutedAt:         e.now().UTC(),
	}
	s.Status = Executed
	s.Attempts = 0
	s.LastError = ""
	if err := e.store.Execute(s, t); err != nil {
		// The contract is placed, buying again would double the position.
		s.Status = Error
		s.LastError = fmt.Sprintf("contract %s placed but not stored: %v", contractID, err)
		e.log(fmt.Sprintf("❌ compound: contract %s placed for signal %s but couldn't be stored, manual intervention required: %v", contractID, s.ID, err))
		if err := e.store.UpdateSignal(s); err != nil {
			e.log(fmt.Errorf("compound: couldn't update signal %s: %w", s.ID, err))
		}
		return
	}
	e.log(fmt.Sprintf("⚙️ compound: countering %s on %s: %s %s step %d (contract %s)", s.ProviderID, s.Asset, direction, stake, st.Step, contractID))
}

// Settle checks the result of placed counter trades and moves the ladder of
// their providers.
func (e *Engine) Settle(ctx context.Context) error {
	trades, err := e.store.UnsettledTrades()
	if err != nil {
		return fmt.Errorf("compound: couldn't list trades: %w", err)
	}
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].ExecutedAt.Before(trades[j].ExecutedAt)
	})
	for _, t := range trades {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		c, err := e.binary.Contract(cctx, t.ContractID)
		cancel()
		if err != nil {
			e.log(fmt.Errorf("compound: couldn't check contract %s: %w", t.ContractID, err))
			continue
		}
		if !c.Settled {
			continue
		}
		if err := e.settle(t, c); err != nil {
			e.log(err)
		}
	}
	return nil
}

func (e *Engine) settle(t *CounterTrade, c exchange.Contract) error {
	ladder, ok := e.ladder(t.ProviderID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoLadder, t.ProviderID)
	}

	unlock := e.locks.Lock(t.ProviderID)
	defer unlock()

	st, err := e.state(t.ProviderID, ladder)
	if err != nil {
		return err
	}
	next := ladder.Next(*st, c.Won, c.Profit)
	next.LastTradeAt = e.now().UTC()

	t.Result = "lost"
	if c.Won {
		t.Result = "won"
	}
	t.Profit = c.Profit
	t.SettledAt = next.LastTradeAt
	if err := e.store.Settle(t, &next); err != nil {
		return fmt.Errorf("compound: couldn't settle trade %s: %w", t.ID, err)
	}
	metrics.Settlements.WithLabelValues(t.Result).Inc()
	metrics.LadderStep.WithLabelValues(t.ProviderID).Set(float64(next.Step))
	profit, _ := next.TotalProfit.Float64()
	metrics.Profit.WithLabelValues(t.ProviderID).Set(profit)

	emoji := "💰"
	if !c.Won {
		emoji = "❌"
	}
	e.log(emoji, fmt.Sprintf("compound: %s %s %s %s, %s next stake %s (step %d)", t.ProviderID, t.Asset, t.Direction, t.Result, c.Profit.StringFixed(2), next.Stake, next.Step))
	return nil
}

// States returns the ladder state of every provider.
func (e *Engine) States() ([]*State, error) {
	states, err := e.store.ListStates()
	if err != nil {
		return nil, fmt.Errorf("compound: couldn't list states: %w", err)
	}
	sort.Slice(states, func(i, j int) bool {
		return states[i].ProviderID < states[j].ProviderID
	})
	return states, nil
}

// Run launches the backfill, evaluation and settlement tasks until the
// context is canceled.
func (e *Engine) Run(ctx context.Context) error {
	tasks := []func(context.Context) error{e.Backfill, e.Evaluate, e.Settle}
	var wg sync.WaitGroup
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			tick, update := ticker(e.cfg.Interval)
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
				tick = update
				if err := task(ctx); err != nil && !errors.Is(err, context.Canceled) {
					e.log(err)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func ticker(wait time.Duration) (<-chan time.Time, <-chan time.Time) {
	// Don't wait ticker time on first run
	closedTick := make(chan time.Time)
	close(closedTick)
	tick := (<-chan time.Time)(closedTick)
	ticker := time.NewTicker(wait)
	return tick, ticker.C
}
