// Package watch turns pending orders into market fills when the live price
// crosses their entry level.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/igolaizola/sigbridge/pkg/exchange"
	"github.com/igolaizola/sigbridge/pkg/metrics"
	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/shopspring/decimal"
)

var ErrClosed = errors.New("watch: engine closed")

// Order is a pending order waiting for its entry price.
type Order struct {
	OrderID    string
	SymbolID   string
	Asset      string
	Direction  signal.Direction
	EntryPrice decimal.Decimal
	CreatedAt  time.Time
}

// CrossEvent is emitted once when a watched order is crossed.
type CrossEvent struct {
	OrderID        string
	Asset          string
	Direction      signal.Direction
	ExecutionPrice decimal.Decimal
	Timestamp      time.Time
}

type subscription struct {
	stop     func()
	canceled bool
}

type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    func(v ...interface{})
	feed   exchange.TickSource
	events chan CrossEvent
	wait   time.Duration
	now    func() time.Time

	lock    sync.Mutex
	symbols map[string]map[string]*Order
	orders  map[string]string
	subs    map[string]*subscription
}

// New creates an engine that subscribes to feed on demand, one subscription
// per watched symbol. Cross events are buffered up to buffer.
func New(ctx context.Context, log func(v ...interface{}), feed exchange.TickSource, buffer int) *Engine {
	ctx, cancel := context.WithCancel(ctx)
	return &Engine{
		ctx:     ctx,
		cancel:  cancel,
		log:     log,
		feed:    feed,
		events:  make(chan CrossEvent, buffer),
		wait:    time.Second,
		now:     time.Now,
		symbols: make(map[string]map[string]*Order),
		orders:  make(map[string]string),
		subs:    make(map[string]*subscription),
	}
}

func (e *Engine) Events() <-chan CrossEvent {
	return e.events
}

// Watch registers a watch on orderID, replacing any previous one.
func (e *Engine) Watch(orderID, symbolID string, sig *signal.Signal) error {
	if orderID == "" || symbolID == "" {
		return fmt.Errorf("watch: missing order id (%q) or symbol id (%q)", orderID, symbolID)
	}
	if sig == nil {
		return fmt.Errorf("watch: missing signal for order %s", orderID)
	}
	if e.ctx.Err() != nil {
		return ErrClosed
	}
	o := &Order{
		OrderID:    orderID,
		SymbolID:   symbolID,
		Asset:      sig.Asset,
		Direction:  sig.Direction,
		EntryPrice: sig.EntryPrice,
		CreatedAt:  e.now().UTC(),
	}
	if o.EntryPrice.IsZero() {
		e.log(fmt.Sprintf("⚠️ watch: order %s on %s has no entry price, it will never fire", orderID, sig.Asset))
	}

	e.lock.Lock()
	var stop func()
	if current, ok := e.orders[orderID]; ok && current != symbolID {
		stop = e.remove(orderID)
	}
	orders, ok := e.symbols[symbolID]
	if !ok {
		orders = make(map[string]*Order)
		e.symbols[symbolID] = orders
	}
	orders[orderID] = o
	e.orders[orderID] = symbolID
	metrics.Watches.Set(float64(len(e.orders)))
	var sub *subscription
	if _, ok := e.subs[symbolID]; !ok {
		sub = &subscription{}
		e.subs[symbolID] = sub
	}
	e.lock.Unlock()

	if stop != nil {
		stop()
	}
	if sub != nil {
		go e.follow(symbolID, sub)
	}
	return nil
}

// StopWatching removes the watch on orderID if there is one.
func (e *Engine) StopWatching(orderID string) {
	e.lock.Lock()
	stop := e.remove(orderID)
	e.lock.Unlock()
	if stop != nil {
		stop()
	}
}

// remove must be called with the lock held. It returns the stop function of
// the symbol subscription when the removed order was the last one on it.
func (e *Engine) remove(orderID string) func() {
	symbolID, ok := e.orders[orderID]
	if !ok {
		return nil
	}
	delete(e.orders, orderID)
	metrics.Watches.Set(float64(len(e.orders)))
	orders := e.symbols[symbolID]
	delete(orders, orderID)
	if len(orders) > 0 {
		return nil
	}
	return e.unsubscribe(symbolID)
}

// unsubscribe must be called with the lock held.
func (e *Engine) unsubscribe(symbolID string) func() {
	delete(e.symbols, symbolID)
	sub, ok := e.subs[symbolID]
	if !ok {
		return nil
	}
	delete(e.subs, symbolID)
	sub.canceled = true
	return sub.stop
}

// Len returns the number of active watches.
func (e *Engine) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()
	return len(e.orders)
}

// Orders returns a snapshot of the active watches sorted by creation time.
func (e *Engine) Orders() []Order {
	e.lock.Lock()
	var orders []Order
	for _, byID := range e.symbols {
		for _, o := range byID {
			orders = append(orders, *o)
		}
	}
	e.lock.Unlock()
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	return orders
}

// Close stops every subscription. Pending events can still be read.
func (e *Engine) Close() {
	e.cancel()
	e.lock.Lock()
	var stops []func()
	for symbolID := range e.subs {
		if stop := e.unsubscribe(symbolID); stop != nil {
			stops = append(stops, stop)
		}
	}
	e.orders = make(map[string]string)
	e.symbols = make(map[string]map[string]*Order)
	e.lock.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// follow is the single dispatch path of a symbol, so two ticks of the same
// symbol are never evaluated concurrently.
func (e *Engine) follow(symbolID string, sub *subscription) {
	var retry int
	for {
		ticks, stop, err := e.feed.Subscribe(e.ctx, symbolID)
		if err != nil {
			e.log(fmt.Errorf("watch: couldn't subscribe to %s: %w", symbolID, err))
		} else {
			e.lock.Lock()
			canceled := sub.canceled
			sub.stop = stop
			e.lock.Unlock()
			if canceled {
				stop()
				return
			}
			retry = 0
			e.dispatch(symbolID, ticks)
			stop()
		}

		e.lock.Lock()
		canceled := sub.canceled
		sub.stop = nil
		e.lock.Unlock()
		if canceled || e.ctx.Err() != nil {
			return
		}
		wait := e.wait * time.Duration(1<<retry)
		if retry < 6 {
			retry++
		}
		e.log(fmt.Sprintf("⚠️ watch: tick feed for %s stopped, resubscribing in %s", symbolID, wait))
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (e *Engine) dispatch(symbolID string, ticks <-chan exchange.Tick) {
	for {
		select {
		case <-e.ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				return
			}
			e.evaluate(symbolID, t)
		}
	}
}

func (e *Engine) evaluate(symbolID string, t exchange.Tick) {
	type fill struct {
		order *Order
		price decimal.Decimal
	}
	e.lock.Lock()
	var fills []fill
	for _, o := range e.symbols[symbolID] {
		if price, ok := crossed(o, t); ok {
			fills = append(fills, fill{order: o, price: price})
		}
	}
	var stop func()
	for _, f := range fills {
		if s := e.remove(f.order.OrderID); s != nil {
			stop = s
		}
	}
	e.lock.Unlock()

	if stop != nil {
		// We are on the dispatch goroutine, stop closes the channel it reads.
		go stop()
	}
	sort.Slice(fills, func(i, j int) bool {
		return fills[i].order.CreatedAt.Before(fills[j].order.CreatedAt)
	})
	for _, f := range fills {
		ev := CrossEvent{
			OrderID:        f.order.OrderID,
			Asset:          f.order.Asset,
			Direction:      f.order.Direction,
			ExecutionPrice: f.price,
			Timestamp:      t.Time,
		}
		select {
		case e.events <- ev:
		case <-e.ctx.Done():
			return
		}
	}
}

// crossed reports whether the tick reached the entry price of the order and
// the price it would be filled at. Buy orders fill at the ask, sell orders at
// the bid.
func crossed(o *Order, t exchange.Tick) (decimal.Decimal, bool) {
	if o.EntryPrice.IsZero() {
		return decimal.Decimal{}, false
	}
	if o.Direction.IsBuy() {
		if t.Ask.IsZero() || t.Ask.LessThan(o.EntryPrice) {
			return decimal.Decimal{}, false
		}
		return t.Ask, true
	}
	if t.Bid.IsZero() || t.Bid.GreaterThan(o.EntryPrice) {
		return decimal.Decimal{}, false
	}
	return t.Bid, true
}
