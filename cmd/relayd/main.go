package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	otelgin "go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/strangerrelay/relaycore/internal/config"
	"github.com/strangerrelay/relaycore/internal/contentfilter"
	"github.com/strangerrelay/relaycore/internal/dispatcher"
	"github.com/strangerrelay/relaycore/internal/httpapi"
	"github.com/strangerrelay/relaycore/internal/logging"
	"github.com/strangerrelay/relaycore/internal/metrics"
	"github.com/strangerrelay/relaycore/internal/middleware"
	"github.com/strangerrelay/relaycore/internal/ratelimit"
	"github.com/strangerrelay/relaycore/internal/tracing"
)

func main() {
	// A missing .env is the common case in a deployed environment, so its
	// error is intentionally discarded.
	_ = godotenv.Load()

	cfg, err := config.ValidateEnv()
	if err != nil {
		panic(err)
	}

	if err := logging.Initialize(cfg.Env == "development", cfg.LogLevel, cfg.LogPath); err != nil {
		panic(err)
	}
	defer logging.Sync()
	log := logging.GetLogger()
	cfg.LogStartup(log)

	ctx, stopTracing := context.WithCancel(context.Background())
	defer stopTracing()
	if _, err := tracing.InitTracer(ctx, "relaycore", cfg.OtelCollectorAddr); err != nil {
		log.Warn("tracer initialization failed, continuing without spans", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	var filter *contentfilter.Filter
	if cfg.ContentFilterEnabled {
		filter = contentfilter.New(contentfilter.DefaultTokens, cfg.ProfanityFilterStrict)
	}

	core := dispatcher.New(dispatcher.Settings{
		MaxMessageLength:     cfg.MaxMessageLength,
		ContentFilterEnabled: cfg.ContentFilterEnabled,
	}, filter, m, log)

	coreCtx, cancelCore := context.WithCancel(context.Background())
	go core.Run(coreCtx)

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}
	limiter, err := ratelimit.New(cfg.RateLimitWindowMs, cfg.RateLimitMaxRequests, redisClient, m)
	if err != nil {
		log.Fatal("failed to build rate limiter", zap.Error(err))
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("relaycore"))
	router.Use(middleware.CorrelationID())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowedOrigins
	router.Use(cors.New(corsConfig))

	admin := router.Group("/")
	admin.Use(limiter.Middleware())
	httpapi.NewHandler(core, cfg).Register(admin)

	router.GET("/ws", func(c *gin.Context) { serveWs(c, core, cfg, log) })

	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("relay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	core.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server forced to shutdown", zap.Error(err))
	}
	cancelCore()

	log.Info("relay exiting")
}

// serveWs upgrades the request to a WebSocket connection and launches
// the client's pump goroutines. Registration happens later, as an
// inbound "register" event, so no identity is required to upgrade.
func serveWs(c *gin.Context, core *dispatcher.Core, cfg *config.Config, log *zap.Logger) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range cfg.AllowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	client := core.NewClient(conn, c.Request.RemoteAddr+"-"+time.Now().Format(time.RFC3339Nano))
	client.Start()
}
