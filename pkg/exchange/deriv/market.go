package deriv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/igolaizola/sigbridge/pkg/exchange"
	"github.com/shopspring/decimal"
)

type stream struct {
	symbol string
	id     string
	out    chan exchange.Tick
	once   sync.Once
}

func (s *stream) close() {
	s.once.Do(func() { close(s.out) })
}

type tickMessage struct {
	Tick struct {
		Symbol string          `json:"symbol"`
		Bid    decimal.Decimal `json:"bid"`
		Ask    decimal.Decimal `json:"ask"`
		Quote  decimal.Decimal `json:"quote"`
		Epoch  int64           `json:"epoch"`
	} `json:"tick"`
}

// push must be called with the client lock held.
func (s *stream) push(log func(v ...interface{}), msg []byte) {
	var tm tickMessage
	if err := json.Unmarshal(msg, &tm); err != nil {
		log(fmt.Errorf("deriv: couldn't decode tick: %w", err))
		return
	}
	t := exchange.Tick{
		SymbolID: s.symbol,
		Bid:      tm.Tick.Bid,
		Ask:      tm.Tick.Ask,
		Time:     time.Unix(tm.Tick.Epoch, 0).UTC(),
	}
	// Synthetic indices only publish a quote
	if t.Bid.IsZero() {
		t.Bid = tm.Tick.Quote
	}
	if t.Ask.IsZero() {
		t.Ask = tm.Tick.Quote
	}
	select {
	case s.out <- t:
	default:
		log(fmt.Sprintf("⚠️ deriv: tick buffer full for %s, dropping tick", s.symbol))
	}
}

// Subscribe implements exchange.TickSource. symbolID is a venue symbol.
func (c *Client) Subscribe(ctx context.Context, symbolID string) (<-chan exchange.Tick, func(), error) {
	s := &stream{
		symbol: symbolID,
		out:    make(chan exchange.Tick, 100),
	}
	var reqID int64
	err := c.send(ctx, map[string]interface{}{"ticks": symbolID, "subscribe": 1}, func(id int64) {
		reqID = id
		c.streams[id] = s
	})
	if err != nil {
		if reqID != 0 {
			c.lock.Lock()
			delete(c.streams, reqID)
			c.lock.Unlock()
		}
		return nil, nil, fmt.Errorf("deriv: couldn't subscribe to %s: %w", symbolID, err)
	}
	var once sync.Once
	stop := func() {
		once.Do(func() {
			c.lock.Lock()
			_, active := c.streams[reqID]
			delete(c.streams, reqID)
			id := s.id
			c.lock.Unlock()
			s.close()
			if !active || id == "" {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := c.call(ctx, map[string]interface{}{"forget": id}); err != nil {
				c.log(fmt.Errorf("deriv: couldn't forget subscription %s: %w", id, err))
			}
		})
	}
	return s.out, stop, nil
}

type historyMessage struct {
	History struct {
		Prices []decimal.Decimal `json:"prices"`
		Times  []int64           `json:"times"`
	} `json:"history"`
}

// Price implements exchange.PriceSource with the last tick at or before at.
func (c *Client) Price(ctx context.Context, asset string, at time.Time) (decimal.Decimal, error) {
	symbol := c.Symbol(asset)
	req := map[string]interface{}{
		"ticks_history": symbol,
		"end":           "latest",
		"count":         1,
		"style":         "ticks",
	}
	if !at.IsZero() {
		req["end"] = at.Unix()
	}
	raw, err := c.call(ctx, req)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("deriv: couldn't get price for %s: %v: %w", symbol, err, exchange.ErrPriceUnavailable)
	}
	var hm historyMessage
	if err := json.Unmarshal(raw, &hm); err != nil {
		return decimal.Decimal{}, fmt.Errorf("deriv: couldn't decode history: %w", err)
	}
	prices := hm.History.Prices
	if len(prices) == 0 {
		return decimal.Decimal{}, fmt.Errorf("deriv: no ticks for %s at %s: %w", symbol, at, exchange.ErrPriceUnavailable)
	}
	return prices[len(prices)-1], nil
}
