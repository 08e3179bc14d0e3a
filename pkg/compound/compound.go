// Package compound counter-trades providers when their own call loses, sizing
// the counter trade with a martingale ladder that advances on our wins.
package compound

import (
	"errors"
	"fmt"
	"time"

	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/shopspring/decimal"
)

type Status string

const (
	AwaitingExpiry Status = "awaiting_expiry"
	ProviderWon    Status = "provider_won"
	ProviderLost   Status = "provider_lost"
	Executed       Status = "executed"
	Error          Status = "error"
)

// Resolved reports whether the signal won't be evaluated again.
func (s Status) Resolved() bool {
	return s != AwaitingExpiry && s != ProviderLost
}

var (
	ErrDuplicate = errors.New("compound: duplicate signal")
	ErrNoLadder  = errors.New("compound: no ladder configured")
)

type PendingSignal struct {
	ID             string
	ProviderID     string
	Asset          string
	Direction      signal.Direction
	Timeframe      string
	Pattern        string
	ExpiryMinutes  int
	EntryPrice     decimal.Decimal
	ExitPrice      decimal.Decimal
	ReceivedAt     time.Time
	ExpiryAt       time.Time
	EvaluatedAt    time.Time
	Status         Status
	ProviderResult string
	Attempts       int
	LastError      string
}

// State is the ladder position of a provider.
type State struct {
	ProviderID      string
	Step            int
	Stake           decimal.Decimal
	ConsecutiveWins int
	TotalWins       int
	TotalLosses     int
	TotalProfit     decimal.Decimal
	LastTradeAt     time.Time
}

type CounterTrade struct {
	ID                 string
	SignalID           string
	ProviderID         string
	Asset              string
	Direction          signal.Direction
	Stake              decimal.Decimal
	Step               int
	ContractID         string
	ProviderEntryPrice decimal.Decimal
	ProviderExitPrice  decimal.Decimal
	Result             string
	Profit             decimal.Decimal
	ExecutedAt         time.Time
	SettledAt          time.Time
}

func (t *CounterTrade) IsSettled() bool {
	return t.Result != ""
}

// Ladder is the list of stakes a provider steps through. After ResetAfter
// consecutive wins it goes back to the first stake. Zero ResetAfter means the
// length of the ladder.
type Ladder struct {
	Stakes     []decimal.Decimal
	ResetAfter int
}

func (l Ladder) Validate() error {
	if len(l.Stakes) == 0 {
		return errors.New("compound: empty ladder")
	}
	for i, s := range l.Stakes {
		if !s.IsPositive() {
			return fmt.Errorf("compound: invalid stake %s at step %d", s, i)
		}
	}
	if l.ResetAfter < 0 {
		return fmt.Errorf("compound: invalid reset after %d", l.ResetAfter)
	}
	return nil
}

func (l Ladder) resetAfter() int {
	if l.ResetAfter == 0 {
		return len(l.Stakes)
	}
	return l.ResetAfter
}

// Start returns the initial state of a provider.
func (l Ladder) Start(providerID string) *State {
	return &State{
		ProviderID: providerID,
		Stake:      l.Stakes[0],
	}
}

// Next applies the result of one of our trades: a win climbs one step (or
// resets after ResetAfter consecutive wins), a loss always resets.
func (l Ladder) Next(st State, won bool, profit decimal.Decimal) State {
	if won {
		st.TotalWins++
		st.ConsecutiveWins++
		last := len(l.Stakes) - 1
		switch {
		case st.ConsecutiveWins >= l.resetAfter():
			st.Step = 0
			st.ConsecutiveWins = 0
		case st.Step < last:
			st.Step++
		default:
			st.Step = last
		}
	} else {
		st.TotalLosses++
		st.Step = 0
		st.ConsecutiveWins = 0
	}
	st.Stake = l.Stakes[st.Step]
	st.TotalProfit = st.TotalProfit.Add(profit)
	return st
}

// Lost reports whether the provider call lost. Ties are wins: the ladder
// must not move on an ambiguous outcome.
func Lost(direction signal.Direction, entry, exit decimal.Decimal) bool {
	if direction.IsBuy() {
		return exit.LessThan(entry)
	}
	return exit.GreaterThan(entry)
}

type Store interface {
	// CreateSignal stores s unless an unresolved signal with the same
	// provider, asset and direction was received within window of it, in
	// which case it returns ErrDuplicate.
	CreateSignal(s *PendingSignal, window time.Duration) error
	UpdateSignal(s *PendingSignal) error
	ListSignals(statuses ...Status) ([]*PendingSignal, error)
	State(providerID string) (*State, bool, error)
	SaveState(st *State) error
	ListStates() ([]*State, error)
	// Execute stores t and updates s in the same transaction.
	Execute(s *PendingSignal, t *CounterTrade) error
	UnsettledTrades() ([]*CounterTrade, error)
	// Settle updates t and st in the same transaction.
	Settle(t *CounterTrade, st *State) error
}
