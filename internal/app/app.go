package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"treasury-metrics/internal/alerting"
	"treasury-metrics/internal/api"
	"treasury-metrics/internal/config"
	"treasury-metrics/internal/domain"
	"treasury-metrics/internal/fetcher"
	"treasury-metrics/internal/observability"
	"treasury-metrics/internal/resolver"
	"treasury-metrics/internal/scheduler"
	"treasury-metrics/internal/service"
	"treasury-metrics/internal/storage"
	"treasury-metrics/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// backends bundles the opened storage dependencies.
type backends struct {
	pg       *storage.Store
	redis    *redis.Client
	store    storage.MetricsStore
	holdings storage.HoldingsRepository
}

func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	b.pg.Close()
}

// openBackends connects to postgres (holdings always live there) and the configured snapshot store.
func (a *App) openBackends(ctx context.Context) (*backends, error) {
	if a.Config.Database.DSN == "" {
		return nil, errors.New("database.dsn not configured; holder records are read from postgres")
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	pg := storage.NewStore(pool, a.Config.Database.QueryTimeout, a.Logger)
	b := &backends{pg: pg, store: pg, holdings: pg}

	if a.Config.Store.Backend == config.StoreBackendRedis {
		client, err := storage.NewRedisClient(ctx, a.Config.Redis)
		if err != nil {
			pg.Close()
			return nil, err
		}
		b.redis = client
		b.store = storage.NewRedisStore(client, a.Config.Redis.KeyPrefix)
	}

	a.Logger.Debug().Str("backend", a.Config.Store.Backend).Msg("storage opened")
	return b, nil
}

func (a *App) newFeed() *fetcher.HTTPFeed {
	userAgent := a.Config.Feed.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	return fetcher.NewHTTPFeed(fetcher.HTTPFeedOptions{
		BaseURL:      a.Config.Feed.BaseURL,
		QueryParam:   a.Config.Feed.QueryParam,
		PriceField:   a.Config.Feed.PriceField,
		Timeout:      a.Config.Feed.RequestTimeout,
		UserAgent:    userAgent,
		APIKey:       a.Config.Feed.APIKey,
		APIKeyHeader: a.Config.Feed.APIKeyHeader,
	}, a.Logger)
}

func (a *App) staticPrices() map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal)
	for _, asset := range a.Config.Assets {
		if asset.StaticPrice > 0 {
			prices[asset.ID] = decimal.NewFromFloat(asset.StaticPrice)
		}
	}
	return prices
}

// newResolver builds the tier chain: live feed, optional oracle, last persisted, static.
func (a *App) newResolver(store storage.MetricsStore, observer resolver.Observer) *resolver.Resolver {
	tiers := []resolver.Tier{
		resolver.NewFeedTier("live_feed", domain.SourceLiveFeed, a.newFeed()),
	}
	if a.Config.Oracle.Enabled {
		oracle := fetcher.NewOracle(fetcher.OracleOptions{
			RPCURL:  a.Config.Oracle.RPCURL,
			Timeout: a.Config.Oracle.RequestTimeout,
			Feeds:   a.Config.Oracle.Feeds,
		}, a.Logger)
		for _, id := range a.Config.AssetIDs() {
			if !oracle.Configured(id) {
				a.Logger.Warn().Str("asset", id).Msg("oracle enabled but no aggregator address configured; oracle tier skipped for asset")
			}
		}
		tiers = append(tiers, resolver.NewFeedTier("oracle", domain.SourceOracleFeed, oracle))
	}

	static := resolver.NewStaticTier(a.staticPrices())
	for _, id := range a.Config.AssetIDs() {
		if !static.Has(id) {
			a.Logger.Warn().Str("asset", id).Msg("no static fallback price; cycles fail when live and persisted tiers are unavailable")
		}
	}
	tiers = append(tiers, resolver.NewPersistedTier(store), static)

	return resolver.New(a.Logger, observer, tiers...)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) serviceOptions() service.Options {
	assets := make([]service.AssetSettings, 0, len(a.Config.Assets))
	for _, asset := range a.Config.Assets {
		settings := service.AssetSettings{ID: asset.ID}
		if asset.TotalSupply > 0 {
			supply := decimal.NewFromFloat(asset.TotalSupply)
			settings.TotalSupply = &supply
		}
		assets = append(assets, settings)
	}

	var lockKey int64
	if a.Config.Store.Backend == config.StoreBackendPostgres {
		lockKey = a.Config.Scheduler.AdvisoryLockKey
	}

	return service.Options{
		Assets:           assets,
		AdvisoryLockKey:  lockKey,
		AlertsEnabled:    a.Config.Alerting.Enabled,
		NotifyOnFallback: a.Config.Alerting.NotifyOnFallback,
		NotifyOnFailure:  a.Config.Alerting.NotifyOnFailure,
	}
}

func (a *App) newService(b *backends, metrics *observability.Metrics, sched *scheduler.Scheduler) *service.Service {
	var observer resolver.Observer
	if metrics != nil {
		observer = metrics
	}
	res := a.newResolver(b.store, observer)
	return service.New(a.serviceOptions(), res, b.holdings, b.store, a.newNotifier(), metrics, sched, a.Logger)
}

// Run executes the long-running service: scheduler and HTTP server.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !a.Config.Scheduler.Enabled && !a.Config.HTTP.Enabled {
		return errors.New("nothing to run: both scheduler and http are disabled")
	}

	b, err := a.openBackends(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	metrics := observability.NewMetrics("treasury")

	var sched *scheduler.Scheduler
	if a.Config.Scheduler.Enabled {
		sched, err = scheduler.New(scheduler.Options{
			Interval:     a.Config.Scheduler.Interval,
			AlignToStart: a.Config.Scheduler.AlignToBucket,
			Cron:         a.Config.Scheduler.Cron,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			RunOnStart:   a.Config.Scheduler.RunOnStart,
		}, a.Logger)
		if err != nil {
			return err
		}
	}

	svc := a.newService(b, metrics, sched)

	g, gctx := errgroup.WithContext(ctx)
	if sched != nil {
		g.Go(func() error { return svc.Run(gctx) })
	}
	if a.Config.HTTP.Enabled {
		server := api.New(api.Options{
			Addr:          a.Config.HTTP.Addr,
			ReadTimeout:   a.Config.HTTP.ReadTimeout,
			WriteTimeout:  a.Config.HTTP.WriteTimeout,
			ShutdownGrace: a.Config.HTTP.ShutdownGrace,
			StaleAfter:    a.Config.Staleness.Threshold,
			RefreshRate:   a.Config.HTTP.RefreshRate,
			RefreshBurst:  a.Config.HTTP.RefreshBurst,
		}, svc, metrics, a.Logger)
		g.Go(func() error { return server.Run(gctx) })
	}

	a.Logger.Info().
		Strs("assets", a.Config.AssetIDs()).
		Str("store", a.Config.Store.Backend).
		Bool("scheduler", sched != nil).
		Bool("http", a.Config.HTTP.Enabled).
		Msg("starting treasury metrics service")

	err = g.Wait()
	svc.FlushAlerts()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("treasury metrics service stopped")
	return nil
}

// selectAssets returns the requested asset, or every configured asset when id is empty.
func (a *App) selectAssets(id string) ([]string, error) {
	if id == "" {
		return a.Config.AssetIDs(), nil
	}
	asset, ok := a.Config.Asset(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", service.ErrUnknownAsset, id)
	}
	return []string{asset.ID}, nil
}

// RefreshOptions configure the refresh command.
type RefreshOptions struct {
	Asset       string
	TotalSupply *decimal.Decimal
	Timeout     time.Duration
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Asset  string
	MaxAge time.Duration
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	Asset       string
	Price       decimal.Decimal
	TotalSupply *decimal.Decimal
}

// ExportOptions hold parameters for exporting the current holder breakdown.
type ExportOptions struct {
	Asset      string
	PNGPath    string
	CSVPath    string
	MaxHolders int
}
