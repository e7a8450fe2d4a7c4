package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mdp/qrterminal/v3"

	"github.com/souqlabs/souqbot/internal/commerce"
	"github.com/souqlabs/souqbot/internal/consumer"
	"github.com/souqlabs/souqbot/internal/genai"
	"github.com/souqlabs/souqbot/internal/greenapi"
	"github.com/souqlabs/souqbot/internal/lockfile"
	"github.com/souqlabs/souqbot/internal/messaging"
	"github.com/souqlabs/souqbot/internal/models"
	"github.com/souqlabs/souqbot/internal/orderflow"
	"github.com/souqlabs/souqbot/internal/scheduler"
	"github.com/souqlabs/souqbot/internal/store"
	"github.com/souqlabs/souqbot/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for state data
	DefaultStateDir = "/var/lib/souqbot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "souqbot.db"
)

func main() {
	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)
	initializeLogger(*flags.logLevel)

	if *flags.showQR > 0 {
		if err := showPairingQR(*flags.dbDSN, *flags.showQR); err != nil {
			slog.Error("QR pairing failed", "merchant_id", *flags.showQR, "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(flags); err != nil {
		slog.Error("Service failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("Service exited successfully")
}

// Config holds environment configuration
type Config struct {
	DSN          string
	DatabaseURL  string
	StateDir     string
	OpenAIKey    string
	SallaToken   string
	PollInterval time.Duration
	DedupTTL     time.Duration
	PendingTTL   time.Duration
	LogLevel     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	openaiKey    *string
	sallaToken   *string
	pollInterval *time.Duration
	dedupTTL     *time.Duration
	pendingTTL   *time.Duration
	logLevel     *string
	showQR       *int64
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DSN:          os.Getenv("DB_DSN"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		StateDir:     os.Getenv("SOUQBOT_STATE_DIR"),
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		SallaToken:   os.Getenv("SALLA_ACCESS_TOKEN"),
		PollInterval: util.ParseDurationEnv("POLL_INTERVAL", consumer.DefaultPollInterval),
		DedupTTL:     util.ParseDurationEnv("DEDUP_TTL", 0),
		PendingTTL:   util.ParseDurationEnv("PENDING_TTL", orderflow.DefaultPendingTTL),
		LogLevel:     os.Getenv("LOG_LEVEL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DSN == "" {
		config.DSN = config.DatabaseURL
	}
	if config.DSN == "" {
		config.DSN = filepath.Join(config.StateDir, DefaultDBFileName)
	}
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:     flag.String("state-dir", config.StateDir, "state directory for lock and SQLite data (overrides $SOUQBOT_STATE_DIR)"),
		dbDSN:        flag.String("db-dsn", config.DSN, "database DSN, SQLite path or Postgres URL (overrides $DB_DSN or $DATABASE_URL)"),
		openaiKey:    flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		sallaToken:   flag.String("salla-token", config.SallaToken, "Salla admin API access token (overrides $SALLA_ACCESS_TOKEN)"),
		pollInterval: flag.Duration("poll-interval", config.PollInterval, "provider polling cadence per tenant (overrides $POLL_INTERVAL)"),
		dedupTTL:     flag.Duration("dedup-ttl", config.DedupTTL, "lifetime of dedup entries, 0 for default (overrides $DEDUP_TTL)"),
		pendingTTL:   flag.Duration("pending-ttl", config.PendingTTL, "lifetime of pending order drafts (overrides $PENDING_TTL)"),
		logLevel:     flag.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LOG_LEVEL)"),
		showQR:       flag.Int64("show-qr", 0, "print the pairing QR code for the given merchant id and exit"),
	}
	flag.Parse()

	// A relocated state directory moves the default SQLite path with it.
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *flags.dbDSN == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	return flags
}

// initializeLogger sets up structured logging at the configured level
func initializeLogger(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// openStore selects the storage backend by DSN shape.
func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Info("Opening PostgreSQL store")
		return store.NewPostgresStore(store.WithDSN(dsn))
	}
	slog.Info("Opening SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithDSN(dsn))
}

func run(flags Flags) error {
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	provider := greenapi.NewClient()
	dispatcher := messaging.NewDispatcher(map[models.Provider]messaging.Sender{
		models.ProviderGreenAPI: messaging.NewGreenAPISender(provider),
		models.ProviderTwilio:   messaging.NewTwilioSender(),
	})

	generator, err := genai.NewGenerator(genai.WithAPIKey(*flags.openaiKey))
	if err != nil {
		return fmt.Errorf("init reply generator: %w", err)
	}
	transcriber, err := genai.NewTranscriber(genai.WithTranscriberAPIKey(*flags.openaiKey))
	if err != nil {
		return fmt.Errorf("init transcriber: %w", err)
	}

	sallaToken := *flags.sallaToken
	connector, err := commerce.NewSallaConnector(commerce.WithTokenSource(
		func(ctx context.Context, merchantID int64) (string, error) {
			if sallaToken == "" {
				return "", fmt.Errorf("salla access token not configured")
			}
			return sallaToken, nil
		}))
	if err != nil {
		return fmt.Errorf("init salla connector: %w", err)
	}

	flow := orderflow.NewFlow(
		orderflow.WithConnector(connector),
		orderflow.WithPendingTTL(*flags.pendingTTL),
	)

	cons, err := consumer.NewConsumer(
		consumer.WithStore(st),
		consumer.WithProvider(provider),
		consumer.WithTranscriber(transcriber),
		consumer.WithGenerator(generator),
		consumer.WithDispatcher(dispatcher),
		consumer.WithCatalog(connector),
		consumer.WithFlow(flow),
		consumer.WithPollInterval(*flags.pollInterval),
		consumer.WithDedupTTL(*flags.dedupTTL),
	)
	if err != nil {
		return fmt.Errorf("init consumer: %w", err)
	}

	ctx := context.Background()
	if err := cons.StartAll(ctx); err != nil {
		return fmt.Errorf("start workers: %w", err)
	}
	defer cons.StopAll()

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	err = sched.AddJob(scheduler.MaintenanceSpec, func() {
		swept := cons.SweepDedup()
		cleared := flow.ClearExpired()
		slog.Debug("Maintenance sweep complete", "dedup_removed", swept, "drafts_cleared", cleared)
	})
	if err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}

	slog.Info("Service started", "poll_interval", *flags.pollInterval)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutting down", "signal", sig.String())
	return nil
}

// showPairingQR renders the provider pairing QR code for one merchant in the
// terminal, for linking a WhatsApp number to its instance.
func showPairingQR(dsn string, merchantID int64) error {
	st, err := openStore(dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	merchant, err := st.GetMerchant(ctx, merchantID)
	if err != nil {
		return err
	}
	if merchant.Credentials.Provider != models.ProviderGreenAPI {
		return fmt.Errorf("merchant %d does not use a QR-paired provider", merchantID)
	}

	client := greenapi.NewClient()
	state, err := client.GetStateInstance(ctx, merchant.Credentials)
	if err != nil {
		return fmt.Errorf("check instance state: %w", err)
	}
	if state == greenapi.StateAuthorized {
		fmt.Printf("Instance for merchant %d is already authorized, no pairing needed.\n", merchantID)
		return nil
	}

	payload, err := client.GetQRCode(ctx, merchant.Credentials)
	if err != nil {
		return fmt.Errorf("fetch qr code: %w", err)
	}
	fmt.Printf("Scan with WhatsApp to pair merchant %d (%s):\n\n", merchantID, merchant.BusinessName)
	qrterminal.GenerateHalfBlock(payload, qrterminal.L, os.Stdout)
	return nil
}
