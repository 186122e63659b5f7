// Command gatewayd runs the LLM gateway HTTP server: provider multiplexing
// with fallback, per-tenant rate limiting, TTL session storage, and bearer
// JWT auth, wired from environment variables (spec §6).
package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	gateway "github.com/aerochat-ai/gateway"
	"github.com/aerochat-ai/gateway/internal/auth"
	"github.com/aerochat-ai/gateway/internal/logging"
	"github.com/aerochat-ai/gateway/internal/ratelimit"
	"github.com/aerochat-ai/gateway/internal/registry"
	"github.com/aerochat-ai/gateway/internal/requestlog"
	"github.com/aerochat-ai/gateway/internal/session"
	"github.com/aerochat-ai/gateway/internal/version"
	"github.com/aerochat-ai/gateway/providers"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	logger := logging.Logger

	reg := registry.New()
	registryPath := envOr("GATEWAY_REGISTRY_PATH", "registry.yaml")
	if err := reg.Load(registryPath, os.Getenv("GATEWAY_ENV")); err != nil {
		log.Fatalf("loading model registry: %v", err)
	}

	providerRegistry := registerProviders()
	if len(providerRegistry.List()) == 0 {
		log.Fatal("no providers configured: set at least one <PROVIDER>_API_KEY or OLLAMA_BASE_URL/LOCALLLAMA_BASE_URL")
	}

	logWriter := buildRequestLogWriter()

	cfg := gateway.DefaultConfig()
	cfg.RegistryPath = registryPath
	cfg.ProviderOverride = os.Getenv("PROVIDER")
	if v := os.Getenv("PROVIDER_FALLBACK"); v != "" {
		cfg.FallbackOverride = strings.Split(v, ",")
	}
	if v := os.Getenv("GATEWAY_CIRCUIT_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CircuitBreaker.FailureThreshold = n
		}
	}

	gw := gateway.New(cfg, reg, providerRegistry, logWriter, logger)

	limiter := buildRateLimiter(logger)
	sessions := buildSessionStore()

	authMiddleware, err := buildAuthMiddleware(logger)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	srv := &server{
		gw:       gw,
		limiter:  limiter,
		limits:   rateLimitsFromEnv(),
		sessions: sessions,
		sessionTTL: durationOr("SESSION_TTL", time.Hour),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.Middleware)
	r.Use(authMiddleware)
	r.Use(srv.rateLimitMiddleware)

	r.Post("/chat", srv.handleChat)
	r.Post("/chat/stream", srv.handleChatStream)
	r.Get("/sessions/{id}", srv.handleGetSession)
	r.Delete("/sessions/{id}", srv.handleDeleteSession)

	r.Get("/health", srv.handleHealth)
	r.Get("/ready", srv.handleReady)
	r.Get("/live", srv.handleLive)
	r.Handle("/metrics", promhttp.Handler())

	addr := ":" + envOr("PORT", "8080")
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}()

	logger.Info("gatewayd listening", "addr", addr, "version", version.Short(), "providers", providerRegistry.List())
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("server error: %v", err)
	}
}

// registerProviders auto-registers an adapter for each provider whose
// <PROVIDER>_API_KEY (or, for credential-free runtimes, _BASE_URL; for
// Bedrock, BEDROCK_REGION) is set (spec §6).
func registerProviders() *providers.Registry {
	reg := providers.NewRegistry()

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		p := providers.NewAnthropic(key, os.Getenv("ANTHROPIC_BASE_URL"))
		p.SetDefaultModel(os.Getenv("ANTHROPIC_MODEL"))
		reg.Register(p)
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		p := providers.NewOpenAI(key, os.Getenv("OPENAI_BASE_URL"))
		p.SetDefaultModel(os.Getenv("OPENAI_MODEL"))
		reg.Register(p)
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		p := providers.NewGemini(key, os.Getenv("GEMINI_BASE_URL"))
		p.SetDefaultModel(os.Getenv("GEMINI_MODEL"))
		reg.Register(p)
	}
	if key := os.Getenv("AZURE_OPENAI_API_KEY"); key != "" {
		baseURL := os.Getenv("AZURE_OPENAI_BASE_URL")
		deployment := os.Getenv("AZURE_OPENAI_DEPLOYMENT")
		apiVersion := os.Getenv("AZURE_OPENAI_API_VERSION")
		if baseURL != "" && deployment != "" {
			p := providers.NewAzureOpenAI(key, baseURL, deployment, apiVersion)
			p.SetDefaultModel(os.Getenv("AZURE_OPENAI_MODEL"))
			reg.Register(p)
		} else {
			log.Println("AZURE_OPENAI_API_KEY set but AZURE_OPENAI_BASE_URL/AZURE_OPENAI_DEPLOYMENT are required")
		}
	}
	if region := os.Getenv("BEDROCK_REGION"); region != "" {
		p, err := providers.NewBedrock(region)
		if err != nil {
			log.Fatalf("bedrock provider: %v", err)
		}
		p.SetDefaultModel(os.Getenv("BEDROCK_MODEL"))
		reg.Register(p)
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		reg.Register(providers.NewOllama(baseURL, modelsFromEnv("OLLAMA_MODEL")))
	}
	if baseURL := os.Getenv("LOCALLLAMA_BASE_URL"); baseURL != "" {
		reg.Register(providers.NewLocalLlama(baseURL, modelsFromEnv("LOCALLLAMA_MODEL")))
	}

	return reg
}

func modelsFromEnv(envKey string) providers.TierModels {
	return providers.TierModels{Default: os.Getenv(envKey)}
}

func buildRequestLogWriter() requestlog.Writer {
	if dsn := os.Getenv("GATEWAY_POSTGRES_DSN"); dsn != "" {
		w, err := requestlog.NewPostgresWriter(dsn)
		if err != nil {
			log.Fatalf("request log: %v", err)
		}
		return w
	}
	if dsn := os.Getenv("GATEWAY_SQLITE_DSN"); dsn != "" {
		w, err := requestlog.NewSQLiteWriter(dsn)
		if err != nil {
			log.Fatalf("request log: %v", err)
		}
		return w
	}
	return requestlog.NoopWriter{}
}

func buildRateLimiter(logger *slog.Logger) ratelimit.Store {
	if os.Getenv("RATE_LIMIT_ENABLED") != "true" {
		return nil
	}
	if redisURL := os.Getenv("RATE_LIMIT_REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("rate limit redis url: %v", err)
		}
		client := redis.NewClient(opts)
		return ratelimit.NewRedisStore(client, logger)
	}
	return ratelimit.NewMemoryStore()
}

func rateLimitsFromEnv() ratelimit.Limits {
	return ratelimit.Limits{
		PerMinute: intOr("RATE_LIMIT_PER_MINUTE", 60),
		PerHour:   intOr("RATE_LIMIT_PER_HOUR", 1000),
	}
}

func buildSessionStore() session.Store {
	switch os.Getenv("SESSION_STORE") {
	case "redis":
		redisURL := os.Getenv("SESSION_REDIS_URL")
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			log.Fatalf("session redis url: %v", err)
		}
		client := redis.NewClient(opts)
		return session.NewRedisStore(client, os.Getenv("SESSION_PREFIX"))
	default:
		return session.NewMemoryStore(intOr("SESSION_MAX_ENTRIES", 10000))
	}
}

func buildAuthMiddleware(logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	var excludePaths []string
	if v := os.Getenv("AUTH_EXCLUDE_PATHS"); v != "" {
		excludePaths = strings.Split(v, ",")
	} else {
		excludePaths = []string{"/health", "/ready", "/live", "/metrics"}
	}
	return auth.NewMiddleware(auth.Config{
		Enabled:      os.Getenv("AUTH_ENABLED") == "true",
		Algorithm:    os.Getenv("JWT_ALGORITHM"),
		Secret:       os.Getenv("JWT_SECRET"),
		PublicKeyPEM: os.Getenv("JWT_PUBLIC_KEY"),
		ExcludePaths: excludePaths,
	}, logger)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func writeJSONError(w http.ResponseWriter, status int, kind providers.ErrorKind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{
			"kind":    string(kind),
			"message": message,
		},
	})
}

// statusForKind maps the canonical error taxonomy to an HTTP status (spec
// §7: "auth/invalid_request → 4xx matching the class; timeout/unavailable/
// network → 503; content_filter → 422; no_provider_available → 503 with
// Retry-After").
func statusForKind(kind providers.ErrorKind) int {
	switch kind {
	case providers.ErrAuth:
		return http.StatusUnauthorized
	case providers.ErrRateLimited:
		return http.StatusTooManyRequests
	case providers.ErrModelNotFound:
		return http.StatusNotFound
	case providers.ErrInvalidRequest:
		return http.StatusBadRequest
	case providers.ErrContentFilter:
		return http.StatusUnprocessableEntity
	case providers.ErrCanceled:
		return 499
	case providers.ErrConfiguration:
		return http.StatusInternalServerError
	case providers.ErrTimeout, providers.ErrUnavailable, providers.ErrNetwork, providers.ErrNoProviderAvailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
