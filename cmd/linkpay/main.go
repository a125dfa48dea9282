package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kelseyhightower/envconfig"

	"linkpay/internal/checkout"
	"linkpay/internal/common/database"
	"linkpay/internal/common/middleware"
	commonnats "linkpay/internal/common/nats"
	"linkpay/internal/docs"
	"linkpay/internal/request"
	requestapi "linkpay/internal/request/api"
	"linkpay/internal/settlement"
	"linkpay/migrations"
)

// Config holds service configuration
type Config struct {
	Port        int    `envconfig:"LINKPAY_PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// APIKeys maps owner API keys to user ids, "key1:user1,key2:user2".
	APIKeys string `envconfig:"API_KEYS"`

	// EventsEnabled controls the NATS connection; the service runs without
	// an event bus when disabled.
	EventsEnabled bool `envconfig:"EVENTS_ENABLED" default:"false"`

	Database database.Config
	NATS     commonnats.Config
	Settle   settlement.Config
	Docs     docs.Config
	Checkout checkout.Config
}

func main() {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := database.Migrate(cfg.Database.URL, migrations.FS); err != nil {
		logger.Error("failed to apply migrations", "error", err)
		os.Exit(1)
	}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Event publishing is optional; everything else degrades gracefully
	// without it.
	var publisher *commonnats.Publisher
	var natsClient *commonnats.Client
	if cfg.EventsEnabled {
		natsClient, err = commonnats.New(ctx, cfg.NATS, logger)
		if err != nil {
			logger.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer natsClient.Close()

		_, err = natsClient.EnsureStream(ctx, commonnats.DefaultStreamConfig("PAYLINK", []string{"paylink.>"}))
		if err != nil {
			logger.Error("failed to ensure stream", "error", err)
			os.Exit(1)
		}
		publisher = commonnats.NewPublisher(natsClient, logger)
	}

	requestStore := request.NewPostgresStore(db)
	paymentStore := settlement.NewPostgresStore(db)

	var requestService *request.Service
	var reconciler *settlement.Reconciler
	if publisher != nil {
		requestService = request.NewService(requestStore, publisher, logger)
		reconciler = settlement.NewReconciler(requestStore, paymentStore, cfg.Settle, logger)
		reconciler.SetPublisher(publisher)
	} else {
		requestService = request.NewService(requestStore, nil, logger)
		reconciler = settlement.NewReconciler(requestStore, paymentStore, cfg.Settle, logger)
	}

	if cfg.Checkout.Enabled() {
		requestService.SetCheckoutProvider(checkout.NewStripeProvider(cfg.Checkout, logger))
	}
	if cfg.Docs.Enabled() {
		reconciler.SetIssuer(docs.NewHTTPIssuer(cfg.Docs, logger))
	} else {
		logger.Warn("document issuer not configured, documents will not be issued")
	}

	requestHandler := requestapi.NewHandler(requestService)
	webhookHandler := settlement.NewWebhookHandler(reconciler, logger)

	apiKeys := parseAPIKeys(cfg.APIKeys)
	auth := middleware.APIKeyAuth(func(ctx context.Context, key string) (string, error) {
		if user, ok := apiKeys[key]; ok {
			return user, nil
		}
		return "", fmt.Errorf("unknown api key")
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/requests", func(r chi.Router) {
			r.Use(auth)
			r.Mount("/", requestHandler.OwnerRoutes())
		})
		r.Mount("/pay", requestHandler.PublicRoutes())
		r.Method(http.MethodPost, "/pay/{token}/settle", webhookHandler)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting linkpay service",
			"port", cfg.Port,
			"environment", cfg.Environment,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}

// parseAPIKeys parses "key:user" pairs separated by commas.
func parseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, user, ok := strings.Cut(pair, ":")
		if ok && key != "" && user != "" {
			keys[key] = user
		}
	}
	return keys
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
