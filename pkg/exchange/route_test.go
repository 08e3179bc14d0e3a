package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fixedPrice struct {
	price decimal.Decimal
	calls int
}

func (f *fixedPrice) Price(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	f.calls++
	return f.price, nil
}

func TestRouter(t *testing.T) {
	crypto := &fixedPrice{price: decimal.NewFromInt(60000)}
	forex := &fixedPrice{price: decimal.NewFromFloat(1.08)}
	r := NewRouter(forex).Route(crypto, "usdt", "BUSD")

	got, err := r.Price(context.Background(), "BTCUSDT", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(crypto.price) {
		t.Errorf("wrong crypto price: want %s, got %s", crypto.price, got)
	}
	got, err = r.Price(context.Background(), "EURUSD", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(forex.price) {
		t.Errorf("wrong forex price: want %s, got %s", forex.price, got)
	}
	if crypto.calls != 1 || forex.calls != 1 {
		t.Errorf("wrong calls: crypto %d, forex %d", crypto.calls, forex.calls)
	}

	_, err = NewRouter(nil).Price(context.Background(), "EURUSD", time.Time{})
	if !errors.Is(err, ErrPriceUnavailable) {
		t.Errorf("want ErrPriceUnavailable, got %v", err)
	}
}
