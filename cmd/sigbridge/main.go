package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/igolaizola/sigbridge"
	"github.com/igolaizola/sigbridge/pkg/metrics"
	"github.com/joho/godotenv"
	"github.com/peterbourgon/ff/v3"
	"github.com/peterbourgon/ff/v3/ffcli"
)

func main() {
	// Load .env if present
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Println(err)
	}

	// Create signal based context
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
			cancel()
		}
		signal.Stop(c)
	}()

	// Launch command
	cmd := newCommand()
	if err := cmd.ParseAndRun(ctx, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func newCommand() *ffcli.Command {
	fs := flag.NewFlagSet("sigbridge", flag.ExitOnError)

	return &ffcli.Command{
		ShortUsage: "sigbridge [flags] <subcommand>",
		FlagSet:    fs,
		Exec: func(context.Context, []string) error {
			return flag.ErrHelp
		},
		Subcommands: []*ffcli.Command{
			newRunCommand(),
		},
	}
}

func newRunCommand() *ffcli.Command {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	_ = fs.String("config", "", "config file (optional)")

	db := fs.String("db", "sigbridge.db", "database path")
	queueDB := fs.String("queue-db", "", "sqlite database path for the matching queue (optional)")
	strategy := fs.String("strategy", "", "yaml file with ladders, relay and symbols (optional)")
	parser := fs.String("parser", "text", "signal parser (text, json)")
	appID := fs.String("deriv-app-id", "1089", "deriv app id")
	token := fs.String("deriv-token", "", "deriv api token")
	currency := fs.String("currency", "USD", "account currency")
	tgToken := fs.String("telegram-token", "", "telegram token")
	controlChat := fs.Int64("telegram-control-chat", 0, "telegram chat id for logs and commands")
	signalChats := fs.String("telegram-signal-chats", "", "comma separated telegram chat ids to read signals")
	metricsAddr := fs.String("metrics-addr", "", "address to serve prometheus metrics (optional)")
	dry := fs.Bool("dry", false, "enable dry mode")
	debug := fs.Bool("debug", false, "enable debug mode")

	return &ffcli.Command{
		Name:       "run",
		ShortUsage: "sigbridge run [flags]",
		Options: []ff.Option{
			ff.WithConfigFileFlag("config"),
			ff.WithConfigFileParser(ff.PlainParser),
			ff.WithEnvVarPrefix("SIGBRIDGE"),
		},
		ShortHelp: "run sigbridge bot",
		FlagSet:   fs,
		Exec: func(ctx context.Context, args []string) error {
			if *db == "" {
				return errors.New("missing db path")
			}
			if *dry && !strings.HasSuffix(*db, ".dry.db") {
				*db = fmt.Sprintf("%s.dry.db", strings.TrimSuffix(*db, ".db"))
			}
			if !*dry && *token == "" {
				return errors.New("missing deriv api token")
			}
			if *tgToken == "" {
				return errors.New("missing telegram token")
			}
			if *controlChat == 0 {
				return errors.New("missing telegram control chat")
			}
			chats, err := parseChats(*signalChats)
			if err != nil {
				return err
			}
			if len(chats) == 0 {
				return errors.New("missing telegram signal chats")
			}
			if *currency == "" {
				return errors.New("missing currency")
			}
			bot, err := sigbridge.NewBot(sigbridge.Config{
				DB:            *db,
				QueueDB:       *queueDB,
				Config:        *strategy,
				Parser:        *parser,
				DerivAppID:    *appID,
				DerivToken:    *token,
				Currency:      *currency,
				TelegramToken: *tgToken,
				ControlChat:   *controlChat,
				SignalChats:   chats,
				Dry:           *dry,
				Debug:         *debug,
			})
			if err != nil {
				return err
			}
			if *metricsAddr != "" {
				go serveMetrics(ctx, *metricsAddr)
			}
			return bot.Run(ctx)
		},
	}
}

func parseChats(value string) ([]int64, error) {
	var chats []int64
	for _, s := range strings.Split(value, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", s, err)
		}
		chats = append(chats, id)
	}
	return chats, nil
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Println(fmt.Errorf("metrics: couldn't serve: %w", err))
	}
}
