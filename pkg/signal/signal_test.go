package signal

import (
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		msg     string
		want    *Signal
		wantErr bool
	}{
		{
			name: "full signal",
			msg: `🔥GoldenPips
EUR/USD BUY
Entry: 1.0850
Timeframe: H4
Pattern: Wedge`,
			want: &Signal{
				ProviderID: "goldenpips",
				Asset:      "EURUSD",
				Direction:  Up,
				EntryPrice: toDecimal("1.0850"),
				Timeframe:  "H4",
				Pattern:    "wedge",
				ReceivedAt: now,
			},
		},
		{
			name: "synthetic index without entry",
			msg: `🚨 binary_vip
Volatility 25 - PUT`,
			want: &Signal{
				ProviderID: "binary_vip",
				Asset:      "VOLATILITY 25",
				Direction:  Down,
				ReceivedAt: now,
			},
		},
		{
			name: "pending order side with comma decimal",
			msg: `PIPS
GBPJPY SELL LIMIT
Entrada: 191,25`,
			want: &Signal{
				ProviderID: "pips",
				Asset:      "GBPJPY",
				Direction:  Down,
				EntryPrice: toDecimal("191.25"),
				ReceivedAt: now,
			},
		},
		{
			name: "ignore results",
			msg: `🔥GoldenPips
EURUSD BUY ✅`,
			wantErr: true,
		},
		{
			name:    "unknown direction",
			msg:     "GoldenPips\nEURUSD HOLD",
			wantErr: true,
		},
		{
			name:    "single line",
			msg:     "EURUSD BUY",
			wantErr: true,
		},
	}

	p, err := NewParser()
	if err != nil {
		t.Fatal(err)
	}
	p.(*parser).now = func() time.Time { return now }

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			sig, err := p.Parse(tt.msg)
			if err != nil {
				if tt.wantErr {
					return
				}
				t.Fatal(err)
			}
			if tt.wantErr {
				t.Fatalf("expected error, got %+v", sig)
			}
			if !reflect.DeepEqual(*sig, *tt.want) {
				t.Errorf("got: %+v, want: %+v", sig, tt.want)
			}
		})
	}
}

func TestParseDirection(t *testing.T) {
	tests := map[string]Direction{
		"buy":        Up,
		"BUY LIMIT":  Up,
		"buy_stop":   Up,
		"call":       Up,
		"sell":       Down,
		"SELL STOP":  Down,
		"put":        Down,
		" down ":     Down,
		"sell_limit": Down,
	}
	for in, want := range tests {
		got, err := ParseDirection(in)
		if err != nil {
			t.Fatalf("%s: %v", in, err)
		}
		if got != want {
			t.Errorf("%s: want %s, got %s", in, want, got)
		}
	}
	if Up.Opposite() != Down || Down.Opposite() != Up {
		t.Error("wrong opposite direction")
	}
}

func toDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}
