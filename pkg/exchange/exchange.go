package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/shopspring/decimal"
)

// Tick is a top of book update for a venue symbol.
type Tick struct {
	SymbolID string
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	Time     time.Time
}

type TickSource interface {
	// Subscribe streams ticks for symbolID until stop is called or the feed
	// drops, in which case the channel is closed.
	Subscribe(ctx context.Context, symbolID string) (ticks <-chan Tick, stop func(), err error)
}

type PriceSource interface {
	// Price returns the spot price of asset at the given time, or the live
	// price if at is zero.
	Price(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error)
}

// Contract is the state of a binary contract.
type Contract struct {
	ID      string
	Settled bool
	Won     bool
	Profit  decimal.Decimal
}

type Binary interface {
	Buy(ctx context.Context, asset string, direction signal.Direction, stake decimal.Decimal, minutes int) (contractID string, err error)
	Contract(ctx context.Context, contractID string) (Contract, error)
}

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrUnknownContract  = errors.New("unknown contract")
)
