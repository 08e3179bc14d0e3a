package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/igolaizola/sigbridge/pkg/exchange"
	"github.com/shopspring/decimal"
)

var zero = decimal.Decimal{}

type priceSource struct {
	client *binance.Client
	log    func(v ...interface{})
	debug  bool
}

// New returns a spot price source backed by Binance public market data.
func New(log func(v ...interface{}), debug bool) exchange.PriceSource {
	cli := binance.NewClient("", "")
	if _, err := cli.NewSetServerTimeService().Do(context.Background()); err != nil {
		log(fmt.Errorf("binance: couldn't sync server time: %w", err))
	}
	return &priceSource{
		client: cli,
		log:    log,
		debug:  debug,
	}
}

func Symbol(asset string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", " ", "").Replace(asset))
}

func (p *priceSource) Price(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	symbol := Symbol(asset)
	if at.IsZero() || time.Since(at) < time.Minute {
		return p.live(ctx, symbol)
	}
	return p.historical(ctx, symbol, at)
}

func (p *priceSource) live(ctx context.Context, symbol string) (decimal.Decimal, error) {
	prices, err := p.client.NewListPricesService().Symbol(symbol).Do(ctx)
	var netErr net.Error
	if errors.As(err, &netErr) {
		return zero, fmt.Errorf("binance: couldn't get price for %s: %v: %w", symbol, err, exchange.ErrPriceUnavailable)
	}
	if err != nil {
		return zero, fmt.Errorf("binance: couldn't get price for %s: %w", symbol, err)
	}
	for _, sp := range prices {
		if sp.Symbol != symbol {
			continue
		}
		price, err := decimal.NewFromString(sp.Price)
		if err != nil {
			return zero, fmt.Errorf("binance: couldn't parse price: %s: %w", sp.Price, err)
		}
		return price, nil
	}
	return zero, fmt.Errorf("binance: price for %s not found: %w", symbol, exchange.ErrPriceUnavailable)
}

// historical returns the close of the minute candle containing at.
func (p *priceSource) historical(ctx context.Context, symbol string, at time.Time) (decimal.Decimal, error) {
	start := at.Truncate(time.Minute)
	klines, err := p.client.NewKlinesService().Symbol(symbol).
		Interval("1m").
		StartTime(start.UnixNano() / int64(time.Millisecond)).
		Limit(1).
		Do(ctx)
	if err != nil {
		return zero, fmt.Errorf("binance: couldn't get klines for %s at %s: %v: %w", symbol, at, err, exchange.ErrPriceUnavailable)
	}
	if len(klines) == 0 {
		return zero, fmt.Errorf("binance: no kline for %s at %s: %w", symbol, at, exchange.ErrPriceUnavailable)
	}
	if p.debug {
		p.log("binance_kline", symbol, klines[0].OpenTime, klines[0].Close)
	}
	price, err := decimal.NewFromString(klines[0].Close)
	if err != nil {
		return zero, fmt.Errorf("binance: couldn't parse close price: %s: %w", klines[0].Close, err)
	}
	return price, nil
}
