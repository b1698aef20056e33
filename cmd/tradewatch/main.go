// tradewatch follows trades live from the command line using the client SDK.
// Usage: go run ./cmd/tradewatch -token $TRADE_TOKEN -trades t-1,t-2
//
// With -active every non-terminal trade of the caller is followed as well.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"trade-service/internal/client"
	"trade-service/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {
	apiURL := flag.String("api", "http://localhost:8080", "trade service base URL")
	wsURL := flag.String("ws", "", "push channel URL (defaults to the api URL with /ws)")
	token := flag.String("token", os.Getenv("TRADE_TOKEN"), "bearer token")
	tradeIDs := flag.String("trades", "", "comma-separated trade ids to open")
	active := flag.Bool("active", false, "also follow every active trade")
	cachePath := flag.String("cache", "", "directory for the on-disk trade cache")
	format := flag.String("format", "", "output format: text, json or yaml")
	verbose := flag.Bool("verbose", false, "log SDK internals")
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "a token is required (-token or TRADE_TOKEN)")
		os.Exit(2)
	}
	if *wsURL == "" {
		*wsURL = channelURL(*apiURL)
	}
	if *format == "" {
		*format = "json"
		if term.IsTerminal(int(os.Stdout.Fd())) {
			*format = "text"
		}
	}
	printer, err := newPrinter(os.Stdout, *format)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache, err := client.NewCache(client.CacheConfig{Path: *cachePath})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer cache.Close()

	gateway := client.NewGatewayClient(*apiURL, *token, logger)
	channel := client.NewChannelClient(client.ChannelConfig{URL: *wsURL, Token: *token}, logger)
	reconciler := client.NewReconciler(gateway, channel, cache, client.ReconcilerConfig{}, logger)
	reconciler.OnChange(printer.print)
	reconciler.Restore()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return channel.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })

	for _, id := range splitIDs(*tradeIDs) {
		if _, err := reconciler.Open(gctx, id); err != nil {
			fmt.Fprintf(os.Stderr, "open %s: %v\n", id, err)
		}
	}

	if *active {
		summaries, err := gateway.ListTrades(gctx, models.TradeFilter{StatusClass: models.StatusClassActive})
		if err != nil {
			fmt.Fprintf(os.Stderr, "list active trades: %v\n", err)
		}
		for _, s := range summaries {
			reconciler.Track(s.ID)
		}
	}

	if err := g.Wait(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func channelURL(apiURL string) string {
	u := strings.TrimRight(apiURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

type change struct {
	At       time.Time          `json:"at" yaml:"at"`
	TradeID  string             `json:"trade_id" yaml:"trade_id"`
	Status   models.TradeStatus `json:"status" yaml:"status"`
	Version  int64              `json:"version" yaml:"version"`
	Price    string             `json:"price" yaml:"price"`
	Source   client.Source      `json:"source" yaml:"source"`
	Fallback bool               `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

type printer struct {
	mu     sync.Mutex
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "text", "json", "yaml":
		return &printer{w: w, format: format}, nil
	}
	return nil, fmt.Errorf("unknown format %q", format)
}

func (p *printer) print(v client.View) {
	c := change{
		At:       time.Now().UTC(),
		TradeID:  v.Trade.ID,
		Status:   v.Trade.Status,
		Version:  v.Trade.Version,
		Price:    v.Trade.Price.String(),
		Source:   v.Source,
		Fallback: v.Fallback,
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.format {
	case "json":
		json.NewEncoder(p.w).Encode(c)
	case "yaml":
		out, err := yaml.Marshal(c)
		if err != nil {
			return
		}
		fmt.Fprintf(p.w, "---\n%s", out)
	default:
		note := ""
		if c.Fallback {
			note = " (cached)"
		}
		fmt.Fprintf(p.w, "%s  %-12s %-22s v%-3d %s via %s%s\n",
			c.At.Format(time.TimeOnly), c.TradeID, c.Status, c.Version, c.Price, c.Source, note)
	}
}
