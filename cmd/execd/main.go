package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/grafana/pyroscope-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/contribu/bitflyer-data-server/internal/api"
	"github.com/contribu/bitflyer-data-server/internal/backfill"
	"github.com/contribu/bitflyer-data-server/internal/config"
	"github.com/contribu/bitflyer-data-server/internal/exchange"
	"github.com/contribu/bitflyer-data-server/internal/ingest"
	"github.com/contribu/bitflyer-data-server/internal/relay"
	"github.com/contribu/bitflyer-data-server/internal/store"
	"github.com/contribu/bitflyer-data-server/internal/util"
	"github.com/contribu/bitflyer-data-server/internal/watchdog"
)

var errStale = errors.New("execution windows stale")

func main() {
	configPath := flag.String("config", "internal/config/config.yaml", "path to the YAML config; empty uses defaults")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log := util.NewLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("execd stopped")
	}
	log.Info().Msg("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, log zerolog.Logger) error {
	if addr := cfg.Profiling.ServerAddress; addr != "" {
		profiler, err := startProfiler(cfg, log)
		if err != nil {
			return fmt.Errorf("start profiler: %w", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
		log.Info().Str("addr", addr).Msg("profiling enabled")
	}

	ctx, cancel := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	history := exchange.NewHistory(cfg.Exchange.RestURL, nil)
	symbols := cfg.Exchange.Symbols
	checkMarkets(ctx, history, symbols, log)

	st := store.New(symbols,
		store.WithRetention(cfg.RetentionWindow()),
		store.WithPruneFactor(cfg.Retention.PruneFactor),
		store.WithLogger(log.With().Str("component", "store").Logger()),
	)

	crawler := backfill.New(history, st, log.With().Str("component", "backfill").Logger(),
		backfill.WithPageSize(cfg.Backfill.PageSize),
		backfill.WithDelay(cfg.PageDelay()),
	)

	var ingestOpts []ingest.Option
	if cfg.Relay.RedisAddr != "" {
		pub, err := relay.Dial(ctx, cfg.Relay.RedisAddr, cfg.Relay.ChannelPrefix)
		if err != nil {
			return err
		}
		defer pub.Close()
		ingestOpts = append(ingestOpts, ingest.WithPublisher(pub))
		log.Info().Str("addr", cfg.Relay.RedisAddr).Msg("relay enabled")
	}
	ingester := ingest.New(st, crawler, log.With().Str("component", "ingest").Logger(), ingestOpts...)

	feed := exchange.NewFeed(symbols, log.With().Str("component", "feed").Logger(),
		exchange.WithURL(cfg.Exchange.WSURL),
		exchange.WithChannelPrefix(cfg.Exchange.ChannelPrefix),
		exchange.WithMaxReconnects(cfg.Exchange.MaxReconnects),
	)

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan exchange.Batch, 1024)
	g.Go(func() error { return feed.Run(gctx, batches) })
	g.Go(func() error { return ingester.Run(gctx, batches) })

	apiOpts := []api.Option{api.WithIndent(!cfg.IsProduction())}
	if cfg.Ticker.Enabled {
		tk := exchange.NewTicker(cfg.Exchange.RestURL, cfg.Ticker.ProductCode, cfg.TickerInterval(),
			log.With().Str("component", "ticker").Logger())
		g.Go(func() error { return tk.Run(gctx) })
		apiOpts = append(apiOpts, api.WithTicker(tk))
	}

	stale := make(chan []string, 1)
	wd := watchdog.New(st,
		watchdog.WithInterval(cfg.WatchdogInterval()),
		watchdog.WithStaleThreshold(cfg.StaleThreshold()),
		watchdog.WithStatusInterval(cfg.StatusInterval()),
		watchdog.WithLogger(log.With().Str("component", "watchdog").Logger()),
		watchdog.WithOnStale(func(symbols []string) {
			select {
			case stale <- symbols:
			default:
			}
		}),
	)
	if err := wd.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case symbols := <-stale:
			return fmt.Errorf("%w: %s", errStale, strings.Join(symbols, ","))
		}
	})

	gin.SetMode(gin.ReleaseMode)
	handler := api.NewHandler(st, cfg.App.DefaultSymbol, log.With().Str("component", "api").Logger(), apiOpts...)
	g.Go(func() error { return api.Serve(gctx, cfg.App.ListenAddr, handler.InitRoutes()) })

	log.Info().
		Strs("symbols", st.Symbols()).
		Str("addr", cfg.App.ListenAddr).
		Dur("retention", st.Retention()).
		Msg("execd started")

	err := g.Wait()
	if ctx.Err() != nil {
		// Interrupted: every component returns the cancellation, which is not a failure.
		return nil
	}
	return err
}

// checkMarkets warns about configured symbols the exchange does not list. Failure to reach
// the exchange is not fatal; the feed retries on its own.
func checkMarkets(ctx context.Context, history *exchange.History, symbols []string, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	markets, err := history.Markets(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("market listing unavailable, skipping symbol check")
		return
	}
	resolved, unknown := exchange.ResolveSymbols(symbols, markets)
	if len(unknown) > 0 {
		log.Warn().Strs("symbols", unknown).Msg("configured symbols are not listed by the exchange")
	}
	log.Info().Strs("products", resolved).Int("markets", len(markets)).Msg("symbol check complete")
}

func startProfiler(cfg *config.Config, log zerolog.Logger) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.App.Name,
		ServerAddress:   cfg.Profiling.ServerAddress,
		Tags: map[string]string{
			"env": cfg.App.Env,
		},
		Logger: profilerLogger{log: log.With().Str("component", "pyroscope").Logger()},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

type profilerLogger struct {
	log zerolog.Logger
}

func (l profilerLogger) Infof(format string, args ...interface{})  { l.log.Debug().Msgf(format, args...) }
func (l profilerLogger) Debugf(format string, args ...interface{}) { l.log.Trace().Msgf(format, args...) }
func (l profilerLogger) Errorf(format string, args ...interface{}) { l.log.Error().Msgf(format, args...) }
