package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/apihub-kr/apihub/internal/breaker"
	"github.com/apihub-kr/apihub/internal/client"
	"github.com/apihub-kr/apihub/internal/dispatch"
	"github.com/apihub-kr/apihub/internal/metrics"
	"github.com/apihub-kr/apihub/internal/middleware"
	"github.com/apihub-kr/apihub/internal/providers"
	"github.com/apihub-kr/apihub/internal/queue"
	"github.com/apihub-kr/apihub/internal/ratelimit"
	"github.com/apihub-kr/apihub/internal/token"
	"github.com/apihub-kr/apihub/internal/tracing"
	"github.com/apihub-kr/apihub/internal/worker"
	"github.com/apihub-kr/apihub/pkg/config"
	"github.com/apihub-kr/apihub/pkg/domain"
)

// Application wires one worker process: store connection, token
// manager, provider clients, dispatcher, worker loop and the gin admin
// surface.
type Application struct {
	Config          *config.Config
	Engine          *gin.Engine
	Logger          *slog.Logger
	Redis           *redis.Client
	Queue           *queue.Queue
	Tokens          *token.Manager
	Breaker         *breaker.CircuitBreaker
	Dispatcher      *dispatch.Dispatcher
	Worker          *worker.Worker
	TracingShutdown func(context.Context) error
}

func NewApplication(cfg *config.Config) (*Application, error) {
	logger := newLogger(cfg)

	rdb, err := providers.NewRedisProvider(cfg.StoreURL, cfg.StorePassword)
	if err != nil {
		return nil, err
	}

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.TracingEnabled,
		ServiceName:  "apihub",
		OTLPEndpoint: cfg.OTLPEndpoint,
		OTLPInsecure: cfg.Env == "dev",
	}, logger)
	if err != nil {
		return nil, err
	}

	metrics.RegisterRedisCollector(rdb, logger)

	refreshers := map[domain.Provider]token.Refresher{
		domain.ProviderKIS:    token.NewOAuthRefresher(orDefault(cfg.KISBaseURL, client.DefaultKISBaseURL), cfg.KISAppKey, cfg.KISAppSecret),
		domain.ProviderKiwoom: token.NewOAuthRefresher(orDefault(cfg.KiwoomBaseURL, client.DefaultKiwoomBaseURL), cfg.KiwoomAppKey, cfg.KiwoomAppSecret),
	}
	tokens := token.NewManager(rdb, refreshers, cfg.WorkerID, logger)

	clients := buildClients(cfg, tokens, logger)

	cb := breaker.New(cfg.WorkerID, cfg.CircuitFailureThreshold,
		time.Duration(cfg.CircuitRecoverySeconds)*time.Second, logger)

	buckets := map[domain.Provider]ratelimit.Bucket{
		domain.ProviderKIS:    {RatePerSecond: cfg.RateLimit.KIS.RatePerSecond, Capacity: cfg.RateLimit.KIS.Capacity},
		domain.ProviderKiwoom: {RatePerSecond: cfg.RateLimit.Kiwoom.RatePerSecond, Capacity: cfg.RateLimit.Kiwoom.Capacity},
	}
	limiter := ratelimit.NewLimiter(rdb, buckets, logger)

	dispatcher := dispatch.New(clients, cb, limiter, logger)
	q := queue.New(rdb)
	w := worker.New(cfg.WorkerID, q, dispatcher, logger)

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.RequestIDMiddleware(), middleware.LoggerMiddleware(logger))

	return &Application{
		Config:          cfg,
		Engine:          engine,
		Logger:          logger,
		Redis:           rdb,
		Queue:           q,
		Tokens:          tokens,
		Breaker:         cb,
		Dispatcher:      dispatcher,
		Worker:          w,
		TracingShutdown: shutdown,
	}, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler).With("service", "apihub", "env", cfg.Env)
	slog.SetDefault(logger)
	return logger
}

// buildClients returns mock clients in mock mode, real provider clients
// otherwise.
func buildClients(cfg *config.Config, tokens *token.Manager, logger *slog.Logger) map[domain.Provider]client.Client {
	if cfg.MockMode {
		latency := time.Duration(cfg.MockLatencyMs) * time.Millisecond
		return map[domain.Provider]client.Client{
			domain.ProviderKIS:    client.NewMockClient(domain.ProviderKIS, latency, cfg.MockFailureRate),
			domain.ProviderKiwoom: client.NewMockClient(domain.ProviderKiwoom, latency, cfg.MockFailureRate),
		}
	}
	return map[domain.Provider]client.Client{
		domain.ProviderKIS: client.NewKISClient(
			cfg.KISBaseURL, cfg.KISAppKey, cfg.KISAppSecret, tokens, logger),
		domain.ProviderKiwoom: client.NewKiwoomClient(
			cfg.KiwoomBaseURL, cfg.KiwoomAppKey, cfg.KiwoomAppSecret, tokens, logger),
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
