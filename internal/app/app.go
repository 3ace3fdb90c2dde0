package app

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hl-sentinel/internal/config"
	"hl-sentinel/internal/exploits"
	"hl-sentinel/internal/feeds"
	"hl-sentinel/internal/fetcher"
	"hl-sentinel/internal/liquidation"
	"hl-sentinel/internal/oracle"
	"hl-sentinel/internal/scheduler"
	"hl-sentinel/internal/service"
	"hl-sentinel/internal/storage"
	"hl-sentinel/internal/vault"
	"hl-sentinel/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFetchClient() *fetcher.Client {
	h := a.Config.HTTP
	userAgent := h.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return fetcher.NewClient(fetcher.Options{
		Timeout:         h.RequestTimeout,
		MaxRetries:      h.MaxRetries,
		RetryBackoff:    h.RetryBackoff,
		RatePerSecond:   h.RatePerSecond,
		Burst:           h.Burst,
		BreakerFailures: h.BreakerFailures,
		BreakerTimeout:  h.BreakerTimeout,
		UserAgent:       userAgent,
	}, a.Logger)
}

// oracleAssets resolves the configured asset map, falling back to the built-in one.
func (a *App) oracleAssets() map[string]oracle.AssetMapping {
	if len(a.Config.Oracle.Assets) == 0 {
		return oracle.DefaultAssets()
	}
	out := make(map[string]oracle.AssetMapping, len(a.Config.Oracle.Assets))
	for asset, m := range a.Config.Oracle.Assets {
		out[asset] = oracle.AssetMapping{Binance: m.Binance, Coinbase: m.Coinbase}
	}
	return out
}

func (a *App) analyzer() *liquidation.Analyzer {
	l := a.Config.Liquidations
	return liquidation.NewAnalyzer(liquidation.Config{
		Window:          l.Window,
		CascadeMultiple: l.CascadeMultiple,
		BaselineWindows: l.BaselineWindows,
		MinCascadeUSD:   l.MinCascadeUSD,
		FlashMinUSD:     l.FlashMinUSD,
		FlashImpactPct:  l.FlashImpactPct,
	})
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openPublisher(ctx context.Context) (*storage.RedisPublisher, error) {
	if a.Config.Redis.Addr == "" {
		return nil, nil
	}
	client, err := storage.NewRedisClient(ctx, a.Config.Redis)
	if err != nil {
		return nil, err
	}
	return storage.NewRedisPublisher(client, a.Config.Redis), nil
}

// buildEngine wires feeds, detectors and optional sinks. The returned func
// releases every opened resource.
func (a *App) buildEngine(ctx context.Context, sched *scheduler.Scheduler) (*service.Engine, func(), error) {
	cfg := a.Config
	client := a.newFetchClient()

	assets := a.oracleAssets()
	binanceSymbols := make(map[string]string, len(assets))
	coinbaseSymbols := make(map[string]string, len(assets))
	for asset, m := range assets {
		binanceSymbols[asset] = m.Binance
		coinbaseSymbols[asset] = m.Coinbase
	}

	exchange := feeds.NewExchange(client, cfg.Hyperliquid.APIURL, a.Logger)
	binance := feeds.NewBinance(client, cfg.Binance.APIURL, binanceSymbols)
	coinbase := feeds.NewCoinbase(client, cfg.Coinbase.APIURL, coinbaseSymbols, a.Logger)

	vaultMon := vault.NewMonitor(vault.Config{
		Address:             cfg.Vault.Address,
		AppURL:              cfg.Hyperliquid.AppURL,
		HistoryCap:          cfg.Vault.HistoryCap,
		CriticalLossUSD:     cfg.Vault.CriticalLossUSD,
		HighLossUSD:         cfg.Vault.HighLossUSD,
		DrawdownCriticalPct: cfg.Vault.DrawdownCriticalPct,
		SigmaThreshold:      cfg.Vault.SigmaThreshold,
		AlertCooldown:       cfg.Vault.AlertCooldown,
	}, exchange, a.Logger)

	oracleMon := oracle.NewMonitor(oracle.Config{
		Assets: assets,
		Thresholds: oracle.Thresholds{
			WarningPct:       cfg.Oracle.WarningPct,
			DangerPct:        cfg.Oracle.DangerPct,
			CriticalPct:      cfg.Oracle.CriticalPct,
			SustainedSeconds: cfg.Oracle.Sustained.Seconds(),
		},
		HistoryCap: cfg.Oracle.HistoryCap,
		AppURL:     cfg.Hyperliquid.AppURL,
	}, exchange, binance, coinbase, a.Logger)

	detectors := []service.Detector{
		service.NewVaultDetector(vaultMon),
		service.NewOracleDetector(oracleMon),
		service.NewLiquidationDetector(
			feeds.NewLiquidations(client, cfg.Liquidations.URL),
			a.analyzer(),
			cfg.Liquidations.LargeLiquidationUSD,
			cfg.Hyperliquid.AppURL,
		),
		service.NewArchiveDetector(feeds.NewArchive(client, cfg.Archive.URL)),
	}

	opts := []service.Option{
		service.WithVaultView(vaultMon),
		service.WithOracleView(oracleMon),
	}
	if sched != nil {
		opts = append(opts, service.WithScheduler(sched))
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	} else {
		closers = append(closers, closeStore)
		if cfg.Database.AutoMigrate {
			if err := store.Migrate(ctx); err != nil {
				closeAll()
				return nil, nil, err
			}
		}
		opts = append(opts, service.WithSink(store), service.WithLocker(store))
	}

	publisher, err := a.openPublisher(ctx)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	if publisher != nil {
		closers = append(closers, func() { _ = publisher.Close() })
		opts = append(opts, service.WithPublisher(publisher))
	}

	engine := service.New(service.Options{
		CycleTimeout: cfg.Scheduler.CycleTimeout,
		LockKey:      cfg.Scheduler.AdvisoryLockKey,
		EventRing:    cfg.Exploits.EventRing,
		Cache: exploits.CacheOptions{
			Freshness:  cfg.Exploits.Freshness,
			MaxRecords: cfg.Exploits.MaxRecords,
		},
	}, a.Logger, detectors, opts...)

	return engine, closeAll, nil
}

// Run executes the long-running detection service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   true,
	}, a.Logger)

	engine, closeEngine, err := a.buildEngine(ctx, sched)
	if err != nil {
		return err
	}
	defer closeEngine()

	if addr := a.Config.Metrics.Listen; addr != "" {
		stop := a.serveMetrics(addr)
		defer stop()
	}

	a.Logger.Info().Strs("detectors", engine.Detectors()).Msg("starting detection service")
	err = engine.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("detection service stopped")
	return nil
}

func (a *App) serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.Logger.Info().Str("addr", addr).Msg("metrics listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// ExportOptions hold parameters for exporting persisted vault snapshots.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// PollOptions configure the poll command.
type PollOptions struct {
	ExploitLimit int
	EventLimit   int
	Severity     string
}
