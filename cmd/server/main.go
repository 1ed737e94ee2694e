/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the welfare benefit engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load config (YAML file, .env, WELFARE_* env), apply flags, validate
  3. Build the zap logger
  4. Open the SQLite store and seed the sub-type catalog
  5. Wire the event sinks (log, optionally Redis stream)
  6. Create the service, API handler and router
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  --config   YAML config file (default: $WELFARE_CONFIG)
  --env      .env file (default: .env, ignored when missing)
  --port     HTTP server port
  --db       SQLite database path (":memory:" for in-memory)
  --catalog  JSON sub-type catalog seeded at startup
  --redis    Publish claim events to Redis
  Flags override every other source.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete
  3. Drain the event queue
  4. Close Redis and the database

EXAMPLES:
  ./server --db=./data/welfare.db --catalog=./catalog.json
  ./server --db=":memory:" --port=3000
  WELFARE_FISCAL_START_MONTH=10 WELFARE_FISCAL_YEAR_OFFSET=543 ./server

SEE ALSO:
  - internal/config/config.go: Settings and env names
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/warp/welfare-engine/api"
	"github.com/warp/welfare-engine/benefit"
	"github.com/warp/welfare-engine/factory"
	"github.com/warp/welfare-engine/internal/config"
	"github.com/warp/welfare-engine/internal/logging"
	"github.com/warp/welfare-engine/notify"
	"github.com/warp/welfare-engine/store/sqlite"
	"github.com/warp/welfare-engine/welfare"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "welfare-engine: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("welfare-engine", pflag.ContinueOnError)
	configPath := flags.String("config", "", "YAML config file (default: $WELFARE_CONFIG)")
	envFile := flags.String("env", ".env", ".env file with WELFARE_* overrides")
	port := flags.Int("port", 0, "HTTP server port")
	dbPath := flags.String("db", "", "SQLite database path (\":memory:\" for in-memory)")
	catalogFile := flags.String("catalog", "", "JSON sub-type catalog seeded at startup")
	redisEnabled := flags.Bool("redis", false, "publish claim events to Redis")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		return err
	}
	if flags.Changed("port") {
		cfg.Server.Port = *port
	}
	if flags.Changed("db") {
		cfg.Database.Path = *dbPath
	}
	if flags.Changed("catalog") {
		cfg.CatalogFile = *catalogFile
	}
	if flags.Changed("redis") {
		cfg.Redis.Enabled = *redisEnabled
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := seedCatalog(ctx, store, cfg.CatalogFile, logger); err != nil {
		return err
	}

	// Event sinks
	sinks := notify.Fanout{notify.LogSink{Logger: logger.Named("events")}}
	var (
		queue *notify.Async
		rdb   *redis.Client
	)
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, events will be retried per publish",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		pub := notify.NewRedisPublisher(rdb, cfg.Redis.Stream, cfg.Redis.MaxLen)
		queue = notify.NewAsync(pub, cfg.Redis.QueueSize, 5*time.Second, logger.Named("notify"))
		sinks = append(sinks, queue)
		logger.Info("publishing claim events to redis",
			zap.String("addr", cfg.Redis.Addr), zap.String("stream", cfg.Redis.Stream))
	}

	svc := benefit.NewService(store, cfg.FiscalCalendar(),
		benefit.WithLogger(logger.Named("benefit")),
		benefit.WithEvents(sinks),
		benefit.WithAuthorizer(benefit.RoleAuthorizer{}),
		benefit.WithRetry(cfg.Approval.MaxAttempts, cfg.Approval.RetryBaseDelay),
	)

	handler := api.NewHandler(svc, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterConfig{CORSOrigins: cfg.Server.CORSOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
			zap.Int("fiscal_start_month", cfg.Fiscal.StartMonth))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if queue != nil {
		if err := queue.Close(shutdownCtx); err != nil {
			logger.Warn("event queue not drained", zap.Error(err))
		}
	}
	if rdb != nil {
		rdb.Close()
	}

	logger.Info("server stopped")
	return nil
}

// seedCatalog stores the built-in sub-types plus any from catalogFile.
// Rows already in the database are never overwritten.
func seedCatalog(ctx context.Context, store *sqlite.Store, catalogFile string, logger *zap.Logger) error {
	catalog := welfare.DefaultCatalog()
	if catalogFile != "" {
		data, err := os.ReadFile(catalogFile)
		if err != nil {
			return fmt.Errorf("failed to read catalog: %w", err)
		}
		extra, err := factory.ParseCatalog(data)
		if err != nil {
			return fmt.Errorf("invalid catalog %s: %w", catalogFile, err)
		}
		catalog = mergeCatalog(catalog, extra)
	}

	added, err := welfare.Seed(ctx, store, catalog)
	if err != nil {
		return fmt.Errorf("failed to seed catalog: %w", err)
	}
	logger.Info("catalog seeded", zap.Int("added", added), zap.Int("total", len(catalog)))
	return nil
}

// mergeCatalog lets file entries replace built-ins with the same ID.
func mergeCatalog(base, extra []benefit.SubType) []benefit.SubType {
	index := make(map[benefit.SubTypeID]int, len(base))
	out := append([]benefit.SubType(nil), base...)
	for i, st := range out {
		index[st.ID] = i
	}
	for _, st := range extra {
		if i, ok := index[st.ID]; ok {
			out[i] = st
			continue
		}
		index[st.ID] = len(out)
		out = append(out, st)
	}
	return out
}
