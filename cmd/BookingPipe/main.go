package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/BookingPipe/internal/api"
	"github.com/BTreeMap/BookingPipe/internal/booking"
	"github.com/BTreeMap/BookingPipe/internal/flow"
	"github.com/BTreeMap/BookingPipe/internal/genai"
	"github.com/BTreeMap/BookingPipe/internal/lockfile"
	"github.com/BTreeMap/BookingPipe/internal/messaging"
	"github.com/BTreeMap/BookingPipe/internal/resilience"
	"github.com/BTreeMap/BookingPipe/internal/store"
	"github.com/BTreeMap/BookingPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for BookingPipe state data
	DefaultStateDir = "/var/lib/bookingpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "bookingpipe.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	// One instance per state directory; the flock outlives crashes.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	sessionStore, err := buildStore(flags)
	if err != nil {
		slog.Error("Failed to initialize session store", "error", err)
		os.Exit(1)
	}
	defer sessionStore.Close()

	backend := buildBackend(flags)

	genaiClient, err := genai.NewClient(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Error("Failed to initialize reasoning client", "error", err)
		os.Exit(1)
	}

	orchestrator := buildOrchestrator(sessionStore, genaiClient, backend)

	apiOpts := []api.Option{}
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if msgService := buildMessaging(); msgService != nil {
		apiOpts = append(apiOpts, api.WithMessagingService(msgService))
		defer msgService.Stop()
	}

	server := api.NewServer(orchestrator, backend, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping BookingPipe", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr)
	if err := server.Run(ctx); err != nil {
		slog.Error("BookingPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("BookingPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	OpenAIKey     string
	APIAddr       string
	BookingAPIURL string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	apiAddr       *string
	bookingAPIURL *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("BOOKINGPIPE_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		APIAddr:       os.Getenv("API_ADDR"),
		BookingAPIURL: os.Getenv("BOOKING_API_URL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No BOOKINGPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"BOOKINGPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"BOOKING_API_URL_SET", config.BookingAPIURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for BookingPipe data (overrides $BOOKINGPIPE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the session store (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		bookingAPIURL: flag.String("booking-api-url", config.BookingAPIURL, "scheduling backend base URL (overrides $BOOKING_API_URL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"bookingAPIURL_set", *flags.bookingAPIURL != "")

	return flags
}

// buildStore selects Postgres when a Postgres DSN is configured, otherwise
// SQLite in the state directory.
func buildStore(flags Flags) (store.Store, error) {
	dsn := *flags.dbDSN
	if dsn != "" && (strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")) {
		slog.Info("Using Postgres session store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	if dsn == "" {
		dsn = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", dsn)
	}
	slog.Info("Using SQLite session store", "path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

// buildBackend selects the HTTP scheduling backend when a base URL is
// configured, otherwise the seeded in-memory backend.
func buildBackend(flags Flags) booking.Client {
	if *flags.bookingAPIURL != "" {
		client, err := booking.NewHTTPClient(booking.WithBaseURL(*flags.bookingAPIURL))
		if err != nil {
			slog.Error("Failed to initialize HTTP scheduling backend", "error", err)
			os.Exit(1)
		}
		slog.Info("Using HTTP scheduling backend", "baseURL", *flags.bookingAPIURL)
		return client
	}
	slog.Warn("BOOKING_API_URL not set, using in-memory scheduling backend (development mode)")
	return booking.NewInMemoryBackend()
}

// buildOrchestrator wires the conversation core with its resilience harness.
// Thresholds and windows are configuration, not hard-coded at call sites.
func buildOrchestrator(sessionStore store.Store, genaiClient genai.ClientInterface, backend booking.Client) *flow.Orchestrator {
	retryConfig := resilience.RetryConfig{
		MaxAttempts: util.ParseIntEnv("RETRY_MAX_ATTEMPTS", resilience.DefaultRetryConfig.MaxAttempts),
		BaseDelay:   util.ParseDurationEnv("RETRY_BASE_DELAY", resilience.DefaultRetryConfig.BaseDelay),
		MaxDelay:    util.ParseDurationEnv("RETRY_MAX_DELAY", resilience.DefaultRetryConfig.MaxDelay),
	}
	backendBreakerConfig := resilience.BreakerConfig{
		FailureThreshold: util.ParseIntEnv("BACKEND_BREAKER_THRESHOLD", resilience.DefaultBackendBreakerConfig.FailureThreshold),
		Timeout:          util.ParseDurationEnv("BACKEND_BREAKER_TIMEOUT", resilience.DefaultBackendBreakerConfig.Timeout),
	}
	reasoningBreakerConfig := resilience.BreakerConfig{
		FailureThreshold: util.ParseIntEnv("REASONING_BREAKER_THRESHOLD", resilience.DefaultReasoningBreakerConfig.FailureThreshold),
		Timeout:          util.ParseDurationEnv("REASONING_BREAKER_TIMEOUT", resilience.DefaultReasoningBreakerConfig.Timeout),
	}
	limiterConfig := resilience.RateLimiterConfig{
		PerMinute: util.ParseIntEnv("RATE_LIMIT_PER_MINUTE", resilience.DefaultRateLimiterConfig.PerMinute),
		PerHour:   util.ParseIntEnv("RATE_LIMIT_PER_HOUR", resilience.DefaultRateLimiterConfig.PerHour),
	}

	sessions := flow.NewSessionManager(sessionStore)
	dispatcher := flow.NewOperationDispatcher(backend)

	return flow.NewOrchestrator(sessions, genaiClient, dispatcher,
		flow.WithContextWindow(flow.NewContextWindow(util.ParseIntEnv("CONTEXT_WINDOW_SIZE", flow.DefaultWindowSize))),
		flow.WithRetrier(resilience.NewRetrier(retryConfig, nil)),
		flow.WithBackendBreaker(resilience.NewCircuitBreaker("scheduling-backend", backendBreakerConfig)),
		flow.WithReasoningBreaker(resilience.NewCircuitBreaker("reasoning", reasoningBreakerConfig)),
		flow.WithRateLimiter(resilience.NewRateLimiter(limiterConfig)),
		flow.WithTurnTimeout(util.ParseDurationEnv("TURN_TIMEOUT", flow.DefaultTurnTimeout)),
		flow.WithOperationRetries(util.ParseIntEnv("OPERATION_RETRY_CAP", flow.DefaultOperationRetryCap)),
	)
}

// buildMessaging creates the Twilio messaging channel when credentials are
// configured, or nil to run API-only.
func buildMessaging() messaging.Service {
	if !util.ParseBoolEnv("TWILIO_ENABLED", os.Getenv("TWILIO_ACCOUNT_SID") != "") {
		slog.Debug("Twilio messaging disabled")
		return nil
	}
	sender, err := messaging.NewTwilioSender()
	if err != nil {
		slog.Warn("Twilio messaging not configured, running API-only", "error", err)
		return nil
	}
	slog.Info("Twilio messaging channel enabled")
	return messaging.NewTwilioService(sender)
}
