package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"
	"github.com/wyfcoding/papertrading/internal/marketdata/client"
	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
	"github.com/wyfcoding/papertrading/internal/marketdata/infrastructure/provider"
	healthserver "github.com/wyfcoding/papertrading/internal/marketdata/interfaces/grpc"
	"github.com/wyfcoding/papertrading/pkg/config"
	"github.com/wyfcoding/papertrading/pkg/grpcclient"
	"github.com/wyfcoding/papertrading/pkg/logger"
	"github.com/wyfcoding/papertrading/pkg/middleware"
	"github.com/wyfcoding/papertrading/pkg/mq"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// --- watchCmd ---

type watchCmd struct {
	url         string
	maxAttempts int
	backoff     time.Duration
	heartbeat   time.Duration
	idle        time.Duration
	verbose     bool
}

func (*watchCmd) Name() string     { return "watch" }
func (*watchCmd) Synopsis() string { return "subscribes to the price feed and prints every snapshot" }
func (*watchCmd) Usage() string {
	return `pricewatch watch [-url ws://localhost:8080/ws]

Connects to the price feed, reconnecting on unexpected disconnects, and prints
each snapshot as a table. Stops on Ctrl-C or when reconnect attempts run out.
`
}

func (c *watchCmd) SetFlags(f *flag.FlagSet) {
	def := client.DefaultOptions()
	f.StringVar(&c.url, "url", "ws://localhost:8080/ws", "price feed websocket URL")
	f.IntVar(&c.maxAttempts, "max-attempts", def.MaxAttempts, "maximum consecutive reconnect attempts (negative disables reconnects)")
	f.DurationVar(&c.backoff, "backoff", def.Backoff, "fixed delay between reconnect attempts")
	f.DurationVar(&c.heartbeat, "heartbeat", def.HeartbeatInterval, "ping interval")
	f.DurationVar(&c.idle, "idle-timeout", def.IdleTimeout, "reconnect when nothing is received for this long")
	f.BoolVar(&c.verbose, "v", false, "log connection state changes")
}

func (c *watchCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.Discard()
	if c.verbose {
		log = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	sub := client.New(c.url, client.Options{
		MaxAttempts:       c.maxAttempts,
		Backoff:           c.backoff,
		HeartbeatInterval: c.heartbeat,
		IdleTimeout:       c.idle,
		Logger:            log,
		OnSnapshot: func(s *domain.PriceSnapshot) {
			printSnapshot(os.Stdout, s)
		},
	})
	if err := sub.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitFailure
	}

	done := make(chan struct{})
	go func() {
		sub.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		sub.Close()
		return subcommands.ExitSuccess
	case <-done:
		fmt.Fprintln(os.Stderr, "price feed disconnected")
		return subcommands.ExitFailure
	}
}

// --- fetchCmd ---

type fetchCmd struct {
	configPath string
}

func (*fetchCmd) Name() string     { return "fetch" }
func (*fetchCmd) Synopsis() string { return "fetches prices once from the configured upstream" }
func (*fetchCmd) Usage() string {
	return `pricewatch fetch [-config configs/papertrade/config.toml]

Performs a single upstream fetch with the configured price strategy and prints the result.
`
}

func (c *fetchCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "configs/papertrade/config.toml", "config file path")
}

func (c *fetchCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitUsageError
	}
	md := cfg.MarketData

	source, err := provider.NewSource(md.Strategy, provider.NewCoinGeckoSource(md), md.BaseSymbol, md.Ratios)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitUsageError
	}

	ctx, cancel := context.WithTimeout(ctx, md.RequestTimeout)
	defer cancel()
	raw, err := source.Fetch(ctx, md.Symbols)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: fetch failed:", err)
		return subcommands.ExitFailure
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "SYMBOL\tPRICE (%s)\n", md.Currency)
	for _, sym := range md.Symbols {
		if v, ok := raw[sym]; ok {
			fmt.Fprintf(w, "%s\t%v\n", sym, v)
		} else {
			fmt.Fprintf(w, "%s\t-\n", sym)
		}
	}
	w.Flush()
	return subcommands.ExitSuccess
}

// --- healthCmd ---

type healthCmd struct {
	addr    string
	timeout time.Duration
}

func (*healthCmd) Name() string     { return "health" }
func (*healthCmd) Synopsis() string { return "queries the price feed health over gRPC" }
func (*healthCmd) Usage() string {
	return `pricewatch health [-addr localhost:9090]

Exits 0 when the price feed reports SERVING, 1 otherwise.
`
}

func (c *healthCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.addr, "addr", "localhost:9090", "gRPC health endpoint")
	f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
}

func (c *healthCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	conn, err := grpcclient.NewClient(grpcclient.ClientConfig{
		Target:         c.addr,
		RequestTimeout: c.timeout,
		MaxRetries:     2,
		RetryDelay:     200 * time.Millisecond,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitUsageError
	}
	defer conn.Close()

	st, err := grpcclient.CheckHealth(ctx, conn, healthserver.ServiceName)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: health check failed:", err)
		return subcommands.ExitFailure
	}
	fmt.Printf("%s: %s\n", healthserver.ServiceName, st)
	if st != healthpb.HealthCheckResponse_SERVING {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// --- eventsCmd ---

type eventsCmd struct {
	configPath string
	topic      string
	group      string
}

func (*eventsCmd) Name() string     { return "events" }
func (*eventsCmd) Synopsis() string { return "tails trade or price events from Kafka" }
func (*eventsCmd) Usage() string {
	return `pricewatch events [-topic trading.trade.executed] [-group id]

Prints each event as a JSON line until interrupted.
`
}

func (c *eventsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "configs/papertrade/config.toml", "config file path")
	f.StringVar(&c.topic, "topic", "", "topic to read (default: kafka.trade_topic)")
	f.StringVar(&c.group, "group", "", "consumer group id; empty reads without committing offsets")
}

func (c *eventsCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitUsageError
	}
	topic := c.topic
	if topic == "" {
		topic = cfg.Kafka.TradeTopic
	}

	consumer, err := mq.NewConsumer(cfg.Kafka, topic, c.group)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitUsageError
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	for {
		msg, err := consumer.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return subcommands.ExitSuccess
			}
			fmt.Fprintln(os.Stderr, "Error:", err)
			return subcommands.ExitFailure
		}
		var payload map[string]any
		if err := msg.UnmarshalPayload(&payload); err != nil {
			fmt.Fprintln(os.Stderr, "skipping undecodable message at offset", msg.Offset)
			continue
		}
		_ = enc.Encode(map[string]any{"topic": msg.Topic, "key": msg.Key, "time": msg.Time, "event": payload})
	}
}

// --- tokenCmd ---

type tokenCmd struct {
	configPath string
	userID     string
}

func (*tokenCmd) Name() string     { return "token" }
func (*tokenCmd) Synopsis() string { return "signs a development JWT for the trade API" }
func (*tokenCmd) Usage() string {
	return `pricewatch token -user <id>

Signs an HS256 token with auth.jwt_secret. Intended for local development only.
`
}

func (c *tokenCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "configs/papertrade/config.toml", "config file path")
	f.StringVar(&c.userID, "user", "", "user id to embed in the token")
}

func (c *tokenCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.userID == "" {
		fmt.Fprintln(os.Stderr, "Error: -user is required.")
		return subcommands.ExitUsageError
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitUsageError
	}
	token, err := middleware.SignToken(c.userID, []byte(cfg.Auth.JWTSecret))
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return subcommands.ExitFailure
	}
	fmt.Println(token)
	return subcommands.ExitSuccess
}

func printSnapshot(w io.Writer, s *domain.PriceSnapshot) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if ts, ok := s.LastUpdate(); ok {
		fmt.Fprintf(tw, "-- %s --\n", ts.Local().Format(time.DateTime))
	} else {
		fmt.Fprintln(tw, "-- no prices yet --")
	}
	for _, sym := range s.Symbols() {
		p, _ := s.Price(sym)
		fmt.Fprintf(tw, "%s\t%s %s\n", sym, p.String(), s.Currency())
	}
	tw.Flush()
}
