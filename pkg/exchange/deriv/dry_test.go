package deriv

import (
	"context"
	"testing"
	"time"

	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/shopspring/decimal"
)

type mockPrices struct {
	live   decimal.Decimal
	expiry decimal.Decimal
}

func (m *mockPrices) Price(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	if at.IsZero() {
		return m.live, nil
	}
	return m.expiry, nil
}

func TestDryContract(t *testing.T) {
	tests := []struct {
		name      string
		direction signal.Direction
		exit      float64
		won       bool
		profit    string
	}{
		{"call won", signal.Up, 101, true, "8.5"},
		{"call lost", signal.Up, 99, false, "-10"},
		{"call tie", signal.Up, 100, false, "-10"},
		{"put won", signal.Down, 99, true, "8.5"},
		{"put lost", signal.Down, 101, false, "-10"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
			prices := &mockPrices{live: decimal.NewFromInt(100), expiry: decimal.NewFromFloat(tt.exit)}
			ex := NewDry(prices, 0.85).(*dryBinary)
			ex.now = func() time.Time { return now }

			id, err := ex.Buy(context.Background(), "Volatility 25", tt.direction, decimal.NewFromInt(10), 15)
			if err != nil {
				t.Fatal(err)
			}
			c, err := ex.Contract(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			if c.Settled {
				t.Fatal("contract settled before expiry")
			}

			now = now.Add(15 * time.Minute)
			c, err = ex.Contract(context.Background(), id)
			if err != nil {
				t.Fatal(err)
			}
			if !c.Settled {
				t.Fatal("contract not settled after expiry")
			}
			if c.Won != tt.won {
				t.Errorf("wrong result: want %t, got %t", tt.won, c.Won)
			}
			if want := toDecimal(tt.profit); !c.Profit.Equal(want) {
				t.Errorf("wrong profit: want %s, got %s", want, c.Profit)
			}
		})
	}
}

func TestSymbol(t *testing.T) {
	tests := map[string]string{
		"Volatility 25":      "R_25",
		"VOLATILITY 75 (1S)": "1HZ75V",
		"Crash 500":          "CRASH500",
		"Boom 1000":          "BOOM1000",
		"EURUSD":             "frxEURUSD",
		"eur/usd":            "frxEURUSD",
		"R_100":              "R_100",
		"frxGBPJPY":          "frxGBPJPY",
	}
	for in, want := range tests {
		if got := Symbol(in); got != want {
			t.Errorf("Symbol(%q): want %s, got %s", in, want, got)
		}
	}
	c := New(func(v ...interface{}) {}, "1089", "", "USD", map[string]string{"gold": "frxXAUUSD"}, false)
	if got := c.Symbol("GOLD"); got != "frxXAUUSD" {
		t.Errorf("override not applied: got %s", got)
	}
}

func toDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}
