package deriv

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/igolaizola/sigbridge/pkg/exchange"
	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/shopspring/decimal"
)

type dryBinary struct {
	prices exchange.PriceSource
	payout decimal.Decimal
	now    func() time.Time
}

// NewDry returns a binary venue that doesn't place contracts. They are settled
// against the price source when they expire, paying payout (e.g. 0.85) on win.
func NewDry(prices exchange.PriceSource, payout float64) exchange.Binary {
	return &dryBinary{
		prices: prices,
		payout: decimal.NewFromFloat(payout),
		now:    time.Now,
	}
}

func (e *dryBinary) Buy(ctx context.Context, asset string, direction signal.Direction, stake decimal.Decimal, minutes int) (string, error) {
	entry, err := e.prices.Price(ctx, asset, time.Time{})
	if err != nil {
		return "", err
	}
	expiry := e.now().Add(time.Duration(minutes) * time.Minute).Unix()
	return fmt.Sprintf("dry|%s|%s|%s|%s|%d", asset, direction, stake, entry, expiry), nil
}

func (e *dryBinary) Contract(ctx context.Context, id string) (exchange.Contract, error) {
	split := strings.Split(id, "|")
	if len(split) != 6 || split[0] != "dry" {
		return exchange.Contract{}, fmt.Errorf("deriv: invalid dry contract id %s: %w", id, exchange.ErrUnknownContract)
	}
	asset := split[1]
	direction := signal.Direction(split[2])
	stake, err := decimal.NewFromString(split[3])
	if err != nil {
		return exchange.Contract{}, fmt.Errorf("deriv: invalid dry contract id %s: %w", id, err)
	}
	entry, err := decimal.NewFromString(split[4])
	if err != nil {
		return exchange.Contract{}, fmt.Errorf("deriv: invalid dry contract id %s: %w", id, err)
	}
	unix, err := strconv.ParseInt(split[5], 10, 64)
	if err != nil {
		return exchange.Contract{}, fmt.Errorf("deriv: invalid dry contract id %s: %w", id, err)
	}
	expiry := time.Unix(unix, 0)
	if e.now().Before(expiry) {
		return exchange.Contract{ID: id}, nil
	}
	exit, err := e.prices.Price(ctx, asset, expiry)
	if err != nil {
		return exchange.Contract{}, err
	}
	won := exit.GreaterThan(entry)
	if !direction.IsBuy() {
		won = exit.LessThan(entry)
	}
	profit := stake.Neg()
	if won {
		profit = stake.Mul(e.payout).Round(2)
	}
	return exchange.Contract{ID: id, Settled: true, Won: won, Profit: profit}, nil
}
