package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"stablelend/audit"
	"stablelend/config"
	"stablelend/crypto"
	"stablelend/events"
	"stablelend/ledger"
	"stablelend/lending"
	"stablelend/observability"
	"stablelend/observability/logging"
	telemetry "stablelend/observability/otel"
	"stablelend/oracle"
	"stablelend/rpc"
	"stablelend/rpc/modules"
	"stablelend/storage"
)

// poolGaugeInterval is the cadence for republishing the pool balance gauges
// between mutations.
const poolGaugeInterval = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lendpoold: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to the lendpoold TOML config")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	log := logging.Setup("lendpoold", cfg.Telemetry.Environment)
	for _, key := range cfg.Undecoded {
		log.Warn("unknown config key", "key", key)
	}
	log.Info("configuration loaded",
		"listen", cfg.ListenAddress,
		"stable", cfg.Pool.StableSymbol,
		"collateral", cfg.Pool.CollateralSymbol,
		"aprBps", cfg.Pool.AprBps,
		"authEnabled", cfg.Auth.Enabled,
		logging.Secret("jwtSecret", cfg.Auth.HMACSecret),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(rootCtx, telemetry.Config{
		ServiceName: "lendpoold",
		Environment: cfg.Telemetry.Environment,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var db storage.Database
	if path := strings.TrimSpace(cfg.Journal.Path); path != "" {
		ldb, err := storage.NewLevelDB(path)
		if err != nil {
			return fmt.Errorf("open journal database: %w", err)
		}
		db = ldb
	} else {
		log.Warn("journal path empty, audit history will not survive a restart")
		db = storage.NewMemDB()
	}
	defer func() { _ = db.Close() }()

	journal, err := audit.New(db, log)
	if err != nil {
		return fmt.Errorf("open audit journal: %w", err)
	}
	verified, err := journal.Verify()
	if err != nil {
		return fmt.Errorf("verify audit journal: %w", err)
	}
	log.Info("audit journal ready", "records", verified)

	bus := events.NewBus()
	defer bus.Close()

	quotes, err := buildOracle(rootCtx, cfg.Oracle, log)
	if err != nil {
		return err
	}

	custody := custodyAddress()
	stable := ledger.NewToken(cfg.Pool.StableSymbol, cfg.Pool.StableDecimals, custody)
	collateral := ledger.NewToken(cfg.Pool.CollateralSymbol, cfg.Pool.CollateralDecimals, custody)
	authority, err := ledger.NewShares().ClaimAuthority()
	if err != nil {
		return fmt.Errorf("claim share authority: %w", err)
	}

	engine := lending.NewEngine(cfg.Pool.Assets(), cfg.Pool.RiskParameters())
	engine.SetLedgers(stable, collateral)
	engine.SetShares(authority)
	engine.SetOracle(oracleAdapter{quotes: quotes})
	engine.SetInterestModel(lending.NewInterestModel(cfg.Pool.AprBps))
	engine.SetEmitter(events.Multi(journal, bus, observability.NewRecorder()))

	go refreshPoolGauges(rootCtx, engine)

	limiter := rpc.NewRateLimiter(rpc.RateLimiterConfig{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})
	go limiter.Run(rootCtx)

	server := rpc.NewServer(rpc.ServerConfig{
		Lending: modules.NewLendingModule(engine, journal),
		Bus:     bus,
		Journal: journal,
		Auth:    buildAuthenticator(cfg.Auth, log),
		Limiter: limiter,
		Log:     log,
	})

	// Read and write timeouts stay unset: the deadlines they arm outlive
	// the hijack on /ws/events and would cut live streams mid-flight.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("rpc server listening", "address", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("shutdown rpc server: %w", err)
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	}
}

// custodyAddress derives the pool's custody account from a fixed tag so the
// same address backs the ledgers on every start.
func custodyAddress() crypto.Address {
	sum := ethcrypto.Keccak256([]byte("stablelend/pool-custody"))
	return crypto.NewAddress(crypto.LendPrefix, sum[len(sum)-crypto.AddressLength:])
}

// buildOracle assembles the price pipeline behind one freshness-checked
// aggregator. Polled feeds come ahead of the manual entries, so a live quote
// beats the startup seed once the first poll lands.
func buildOracle(ctx context.Context, cfg config.OracleConfig, log *slog.Logger) (*oracle.Aggregator, error) {
	sources := make([]oracle.Source, 0, len(cfg.Feeds)+1)
	for _, feed := range cfg.Feeds {
		poller := oracle.NewHTTP(oracle.HTTPConfig{
			Name:     feed.Name,
			URL:      feed.URL,
			Interval: feed.Interval(),
		}, nil, log)
		sources = append(sources, poller)
		name := feed.Name
		go func() {
			if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("price feed stopped", "feed", name, "err", err)
			}
		}()
	}

	manual := oracle.NewManual()
	for _, seed := range cfg.Manual {
		priceWad, err := oracle.ParseWad(seed.Price)
		if err != nil {
			return nil, fmt.Errorf("oracle seed %s: %w", seed.Asset, err)
		}
		if err := manual.Set(seed.Asset, priceWad); err != nil {
			return nil, fmt.Errorf("oracle seed %s: %w", seed.Asset, err)
		}
	}
	sources = append(sources, manual)

	return oracle.NewAggregator(cfg.MaxAge(), sources...), nil
}

// buildAuthenticator wires JWT verification when the config carries a usable
// secret. A nil return serves every method unauthenticated.
func buildAuthenticator(cfg config.AuthConfig, log *slog.Logger) *rpc.Authenticator {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.HMACSecret) == "" {
		log.Warn("auth enabled without a signing secret, serving unauthenticated")
		return nil
	}
	return rpc.NewAuthenticator(rpc.AuthConfig{
		Enabled:    true,
		HMACSecret: cfg.HMACSecret,
		Issuer:     cfg.Issuer,
		Audience:   cfg.Audience,
		ScopeClaim: cfg.ScopeClaim,
		ClockSkew:  cfg.ClockSkew(),
	}, log)
}

// refreshPoolGauges republishes the balance gauges on a fixed cadence so
// scrapes between mutations still see current state.
func refreshPoolGauges(ctx context.Context, engine *lending.Engine) {
	ticker := time.NewTicker(poolGaugeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := engine.PoolState()
			if err != nil {
				continue
			}
			observability.Pool().SetState(
				state.StableHeld,
				state.TotalBorrowed,
				state.ShareSupply,
				state.ExchangeRate,
				engine.ActiveLoans(),
			)
		}
	}
}

// oracleAdapter bridges the aggregator to the engine's price interface and
// maps oracle failures onto the engine's sentinels.
type oracleAdapter struct {
	quotes *oracle.Aggregator
}

func (o oracleAdapter) Price(asset string) (lending.PriceQuote, error) {
	quote, err := o.quotes.Quote(asset)
	if err != nil {
		switch {
		case errors.Is(err, oracle.ErrUnknownAsset):
			return lending.PriceQuote{}, fmt.Errorf("%w: %s", lending.ErrAssetNotSupported, asset)
		case errors.Is(err, oracle.ErrNoFreshQuote):
			return lending.PriceQuote{}, fmt.Errorf("%w: no fresh quote for %s", lending.ErrInvalidPrice, asset)
		default:
			return lending.PriceQuote{}, fmt.Errorf("%w: %v", lending.ErrInvalidPrice, err)
		}
	}
	return lending.PriceQuote{
		PriceWad:  quote.PriceWad,
		Timestamp: quote.Timestamp,
		Source:    quote.Source,
	}, nil
}
