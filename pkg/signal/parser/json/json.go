package json

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/shopspring/decimal"
)

type Parser struct{}

type jsonSignal struct {
	Provider   string     `json:"provider"`
	Asset      string     `json:"asset"`
	Direction  string     `json:"direction"`
	Entry      string     `json:"entry"`
	Timeframe  string     `json:"timeframe"`
	Pattern    string     `json:"pattern"`
	ReceivedAt *time.Time `json:"received_at"`
}

func (p Parser) Parse(text string) (*signal.Signal, error) {
	var js jsonSignal
	if err := json.Unmarshal([]byte(text), &js); err != nil {
		return nil, fmt.Errorf("json: couldn't parse signal (%s): %w", text, err)
	}
	if js.Provider == "" {
		return nil, fmt.Errorf("json: missing provider (%s)", text)
	}
	if js.Asset == "" {
		return nil, fmt.Errorf("json: missing asset (%s)", text)
	}
	dir, err := signal.ParseDirection(js.Direction)
	if err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	s := &signal.Signal{
		ProviderID: js.Provider,
		Asset:      strings.ToUpper(strings.ReplaceAll(js.Asset, "/", "")),
		Direction:  dir,
		Timeframe:  js.Timeframe,
		Pattern:    strings.ToLower(js.Pattern),
		ReceivedAt: time.Now().UTC(),
	}
	if js.ReceivedAt != nil {
		s.ReceivedAt = js.ReceivedAt.UTC()
	}
	if js.Entry != "" {
		s.EntryPrice, err = decimal.NewFromString(js.Entry)
		if err != nil {
			return nil, fmt.Errorf("json: couldn't parse entry price (%s): %w", js.Entry, err)
		}
	}
	return s, nil
}
