package oracle

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"sync"
	"time"
)

// maxFeedBytes bounds how much of a feed response is read.
const maxFeedBytes = 1 << 20

// defaultPollInterval is used when the configuration leaves the interval
// unset.
const defaultPollInterval = 30 * time.Second

// HTTPDoer is the slice of http.Client the poller needs.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPConfig configures one polled price feed.
type HTTPConfig struct {
	// Name labels quotes from this feed, e.g. "coingecko".
	Name string
	// URL is fetched with GET and must answer the feed JSON shape.
	URL string
	// Interval is the poll cadence.
	Interval time.Duration
}

// HTTPOracle polls a JSON price endpoint and serves the most recent
// observation per asset from memory. Fetch failures keep the previous cache;
// the aggregator's freshness window decides when stale entries stop counting.
type HTTPOracle struct {
	name     string
	url      string
	interval time.Duration
	client   HTTPDoer
	log      *slog.Logger
	nowFn    func() time.Time

	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewHTTP constructs a poller for the feed. A nil client falls back to
// http.DefaultClient and a nil logger to slog.Default.
func NewHTTP(cfg HTTPConfig, client HTTPDoer, log *slog.Logger) *HTTPOracle {
	if cfg.Name == "" {
		cfg.Name = "http"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultPollInterval
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPOracle{
		name:     cfg.Name,
		url:      cfg.URL,
		interval: cfg.Interval,
		client:   client,
		log:      log.With("component", "oracle", "feed", cfg.Name),
		nowFn:    time.Now,
		quotes:   make(map[string]Quote),
	}
}

// feedResponse is the wire shape of a polled price endpoint.
type feedResponse struct {
	Prices []feedPrice `json:"prices"`
}

type feedPrice struct {
	Symbol    string `json:"symbol"`
	PriceWad  string `json:"priceWad"`
	Timestamp int64  `json:"timestamp"`
}

// Run polls until the context is cancelled. The first fetch happens
// immediately so the cache is primed before the first tick.
func (o *HTTPOracle) Run(ctx context.Context) error {
	o.Refresh(ctx)
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			o.Refresh(ctx)
		}
	}
}

// Refresh fetches the feed once and folds valid prices into the cache.
func (o *HTTPOracle) Refresh(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url, nil)
	if err != nil {
		o.log.Error("build feed request", "url", o.url, "err", err)
		return
	}
	resp, err := o.client.Do(req)
	if err != nil {
		o.log.Warn("feed fetch failed", "url", o.url, "err", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		o.log.Warn("feed returned unexpected status", "url", o.url, "status", resp.StatusCode)
		return
	}
	var payload feedResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBytes)).Decode(&payload); err != nil {
		o.log.Warn("feed decode failed", "url", o.url, "err", err)
		return
	}

	now := o.nowFn()
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range payload.Prices {
		price, ok := new(big.Int).SetString(p.PriceWad, 10)
		if !ok || price.Sign() <= 0 {
			o.log.Warn("rejected feed quote", "symbol", p.Symbol, "priceWad", p.PriceWad)
			continue
		}
		ts := now
		if p.Timestamp > 0 {
			ts = time.Unix(p.Timestamp, 0)
		}
		o.quotes[p.Symbol] = Quote{
			Asset:     p.Symbol,
			PriceWad:  price,
			Timestamp: ts,
			Source:    o.name,
		}
	}
}

// Quote returns the cached price for the asset.
func (o *HTTPOracle) Quote(asset string) (Quote, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	q, ok := o.quotes[asset]
	if !ok {
		return Quote{}, ErrUnknownAsset
	}
	return q.Clone(), nil
}
