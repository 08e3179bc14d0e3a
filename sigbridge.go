package sigbridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/igolaizola/sigbridge/pkg/compound"
	"github.com/igolaizola/sigbridge/pkg/config"
	"github.com/igolaizola/sigbridge/pkg/exchange"
	"github.com/igolaizola/sigbridge/pkg/exchange/binance"
	"github.com/igolaizola/sigbridge/pkg/exchange/deriv"
	"github.com/igolaizola/sigbridge/pkg/matching"
	"github.com/igolaizola/sigbridge/pkg/matching/sqlite"
	"github.com/igolaizola/sigbridge/pkg/relay"
	"github.com/igolaizola/sigbridge/pkg/signal"
	"github.com/igolaizola/sigbridge/pkg/signal/parser"
	"github.com/igolaizola/sigbridge/pkg/store/bolt"
	"github.com/igolaizola/sigbridge/pkg/telegram"
	"github.com/igolaizola/sigbridge/pkg/watch"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var version = "v241017a"

type Config struct {
	DB      string
	QueueDB string
	Config  string
	Parser  string

	DerivAppID string
	DerivToken string
	Currency   string

	TelegramToken string
	ControlChat   int64
	SignalChats   []int64

	Dry   bool
	Debug bool
}

type Bot struct {
	ctx      context.Context
	cancel   context.CancelFunc
	log      func(v ...interface{})
	logger   *zap.Logger
	parser   signal.Parser
	telegram *telegram.Bot
	deriv    *deriv.Client
	prices   exchange.PriceSource
	binary   exchange.Binary
	queue    *matching.Queue
	store    *bolt.Store
	compound *compound.Engine
	relayCfg relay.Config
	closers  []io.Closer
	dry      bool

	lock    sync.Mutex
	watcher *watch.Engine
	relay   *relay.Relay
}

func newLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func NewBot(c Config) (*Bot, error) {
	logger, err := newLogger(c.Debug)
	if err != nil {
		return nil, fmt.Errorf("sigbridge: couldn't create logger: %w", err)
	}
	tgbot, err := telegram.New(c.TelegramToken, c.ControlChat, logger.Sugar().Info)
	if err != nil {
		return nil, fmt.Errorf("sigbridge: couldn't create telegram bot: %w", err)
	}
	log := tgbot.Print

	cfg, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	p, err := parser.NewParser(c.Parser)
	if err != nil {
		return nil, fmt.Errorf("sigbridge: couldn't create parser: %w", err)
	}

	client := deriv.New(log, c.DerivAppID, c.DerivToken, c.Currency, cfg.Symbols, c.Debug)
	prices := exchange.NewRouter(client).Route(binance.New(log, c.Debug), cfg.Binance...)
	var binary exchange.Binary = client
	if c.Dry {
		binary = deriv.NewDry(prices, cfg.Payout)
	}

	store, err := bolt.New(c.DB)
	if err != nil {
		return nil, fmt.Errorf("sigbridge: couldn't create db: %w", err)
	}
	closers := []io.Closer{store}
	var queueStore matching.Store = store
	if c.QueueDB != "" {
		sq, err := sqlite.New(c.QueueDB)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("sigbridge: couldn't create queue db: %w", err)
		}
		queueStore = sq
		closers = append(closers, sq)
	}

	engine, err := compound.New(log, store, prices, binary, cfg.CompoundConfig(log))
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, fmt.Errorf("sigbridge: couldn't create compound engine: %w", err)
	}

	b := &Bot{
		ctx:      context.TODO(),
		log:      log,
		logger:   logger,
		parser:   p,
		telegram: tgbot,
		deriv:    client,
		prices:   prices,
		binary:   binary,
		queue:    matching.New(queueStore),
		store:    store,
		compound: engine,
		relayCfg: cfg.RelayConfig(),
		closers:  closers,
		dry:      c.Dry,
	}
	tgbot.HandleChats(c.SignalChats, true, b.handle)
	tgbot.HandleCommand("status", func(_ string) {
		b.log(b.status())
	})
	tgbot.HandleCommand("watches", func(_ string) {
		b.log(b.watches())
	})
	tgbot.HandleCommand("executions", func(_ string) {
		b.log(b.executions())
	})
	tgbot.HandleCommand("stop", func(orderID string) {
		r := b.getRelay()
		if r == nil {
			return
		}
		r.StopWatching(strings.TrimSpace(orderID))
		b.log(fmt.Sprintf("stopped watching %s", orderID))
	})
	tgbot.HandleCommand("shutdown", func(_ string) {
		b.log("shutting down")
		b.shutdown()
	})
	return b, nil
}

func (b *Bot) Run(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()
	defer b.close()
	b.log(fmt.Sprintf("🤖 sigbridge running\n- version: %s\n- dry mode: %t", version, b.dry))
	defer b.log("🛑 sigbridge stopped")

	watcher := watch.New(b.ctx, b.log, b.deriv, 100)
	defer watcher.Close()
	r, err := relay.New(b.log, watcher, b.queue, b.binary, b.store, b.relayCfg)
	if err != nil {
		return fmt.Errorf("sigbridge: couldn't create relay: %w", err)
	}
	b.lock.Lock()
	b.watcher = watcher
	b.relay = r
	b.lock.Unlock()

	tasks := []func(context.Context) error{
		b.deriv.Run,
		r.Run,
		b.compound.Run,
	}
	var wg sync.WaitGroup
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := task(b.ctx); err != nil && b.ctx.Err() == nil {
				b.log(err)
			}
		}()
	}
	err = b.telegram.Run(b.ctx)
	b.cancel()
	wg.Wait()
	return err
}

func (b *Bot) shutdown() {
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Bot) close() {
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			b.logger.Sugar().Error(err)
		}
	}
	_ = b.logger.Sync()
}

func (b *Bot) getRelay() *relay.Relay {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.relay
}

func (b *Bot) handle(provider, text string, at time.Time) {
	sig, err := b.parser.Parse(text)
	if err != nil {
		b.logger.Sugar().Debugw("message skipped", "provider", provider, "error", err)
		return
	}
	if sig.ProviderID == "" {
		sig.ProviderID = provider
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = at.UTC()
	}
	if err := b.signal(sig); err != nil {
		b.log(err)
	}
}

// signal routes a parsed signal: signals with an entry price become watched
// pending orders and every signal is tracked by the compounding engine.
func (b *Bot) signal(sig *signal.Signal) error {
	b.log(fmt.Sprintf("📨 %s: %s %s %s %s %s", sig.ProviderID, sig.Asset, sig.Direction, sig.EntryPrice, sig.Timeframe, sig.Pattern))

	if r := b.getRelay(); r != nil && !sig.EntryPrice.IsZero() {
		orderID := uuid.NewString()
		symbolID := b.deriv.Symbol(sig.Asset)
		if err := r.Watch(orderID, symbolID, sig); err != nil {
			b.log(fmt.Errorf("sigbridge: couldn't watch %s %s: %w", sig.Asset, sig.Direction, err))
		} else {
			b.log(fmt.Sprintf("👀 watching %s %s %s at %s (order %s)", sig.Asset, symbolID, sig.Direction, sig.EntryPrice, orderID))
		}
	}

	if _, err := b.compound.Ingest(b.ctx, sig); err != nil {
		if errors.Is(err, compound.ErrDuplicate) || errors.Is(err, compound.ErrNoLadder) {
			return nil
		}
		return err
	}
	return nil
}

func (b *Bot) status() string {
	states, err := b.compound.States()
	if err != nil {
		return err.Error()
	}
	if len(states) == 0 {
		return "no providers yet"
	}
	sb := &strings.Builder{}
	for _, st := range states {
		emoji := "📈"
		if st.TotalProfit.IsNegative() {
			emoji = "📉"
		}
		fmt.Fprintf(sb, "%s %s step %d stake %s wins %d losses %d profit %s\n", emoji, st.ProviderID, st.Step, st.Stake, st.TotalWins, st.TotalLosses, st.TotalProfit.StringFixed(2))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func (b *Bot) watches() string {
	b.lock.Lock()
	watcher := b.watcher
	b.lock.Unlock()
	if watcher == nil || watcher.Len() == 0 {
		return "no active watches"
	}
	orders := watcher.Orders()
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})
	sb := &strings.Builder{}
	for _, o := range orders {
		fmt.Fprintf(sb, "%s %s %s at %s %s\n", o.OrderID, o.Asset, o.Direction, o.EntryPrice, time.Since(o.CreatedAt).Round(time.Second))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

func (b *Bot) executions() string {
	r := b.getRelay()
	if r == nil {
		return "relay not running"
	}
	to := time.Now().UTC()
	execs, err := r.Executions(to.Add(-24*time.Hour), to)
	if err != nil {
		return err.Error()
	}
	if len(execs) == 0 {
		return "no executions in the last 24h"
	}
	sb := &strings.Builder{}
	for _, e := range execs {
		emoji := "⚙️"
		result := e.ContractID
		if e.Error != "" {
			emoji = "❌"
			result = e.Error
		}
		fmt.Fprintf(sb, "%s %s %s %s %s %dm %s\n", emoji, e.ExecutedAt.Format("15:04"), e.Asset, e.Direction, e.Stake, e.DurationMinutes, result)
	}
	return strings.TrimSuffix(sb.String(), "\n")
}
