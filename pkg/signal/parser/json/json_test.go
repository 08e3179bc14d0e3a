package json

import (
	"reflect"
	"testing"
	"time"

	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/shopspring/decimal"
)

func TestParse(t *testing.T) {
	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		msg     string
		want    *signal.Signal
		wantErr bool
	}{
		{
			name: "valid signal",
			msg: `{
	"provider": "goldenpips",
	"asset": "eur/usd",
	"direction": "sell",
	"entry": "1.0850",
	"timeframe": "M15",
	"pattern": "Triangle",
	"received_at": "2024-03-01T12:00:00Z"
}`,
			want: &signal.Signal{
				ProviderID: "goldenpips",
				Asset:      "EURUSD",
				Direction:  signal.Down,
				EntryPrice: toDecimal("1.0850"),
				Timeframe:  "M15",
				Pattern:    "triangle",
				ReceivedAt: received,
			},
		},
		{
			name: "without entry",
			msg:  `{"provider": "vip", "asset": "Volatility 75", "direction": "call", "received_at": "2024-03-01T12:00:00Z"}`,
			want: &signal.Signal{
				ProviderID: "vip",
				Asset:      "VOLATILITY 75",
				Direction:  signal.Up,
				ReceivedAt: received,
			},
		},
		{
			name:    "missing provider",
			msg:     `{"asset": "EURUSD", "direction": "buy"}`,
			wantErr: true,
		},
		{
			name:    "invalid direction",
			msg:     `{"provider": "vip", "asset": "EURUSD", "direction": "wait"}`,
			wantErr: true,
		},
		{
			name:    "invalid entry",
			msg:     `{"provider": "vip", "asset": "EURUSD", "direction": "buy", "entry": "abc"}`,
			wantErr: true,
		},
	}

	parser := Parser{}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			sig, err := parser.Parse(tt.msg)
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

func toDecimal(value string) decimal.Decimal {
	d, err := decimal.NewFromString(value)
	if err != nil {
		panic(err)
	}
	return d
}
