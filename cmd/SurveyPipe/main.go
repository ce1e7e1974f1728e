package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/SurveyPipe/internal/admission"
	"github.com/BTreeMap/SurveyPipe/internal/api"
	"github.com/BTreeMap/SurveyPipe/internal/chatwoot"
	"github.com/BTreeMap/SurveyPipe/internal/dispatch"
	"github.com/BTreeMap/SurveyPipe/internal/flow"
	"github.com/BTreeMap/SurveyPipe/internal/genai"
	"github.com/BTreeMap/SurveyPipe/internal/guard"
	"github.com/BTreeMap/SurveyPipe/internal/lockfile"
	"github.com/BTreeMap/SurveyPipe/internal/messaging"
	"github.com/BTreeMap/SurveyPipe/internal/metrics"
	"github.com/BTreeMap/SurveyPipe/internal/orchestrator"
	"github.com/BTreeMap/SurveyPipe/internal/scheduler"
	"github.com/BTreeMap/SurveyPipe/internal/store"
	"github.com/BTreeMap/SurveyPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/SurveyPipe/internal/util"
	"github.com/BTreeMap/SurveyPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SurveyPipe state data
	DefaultStateDir = "/var/lib/surveypipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "surveypipe.db"
	// DefaultWhatsAppDBFileName is the default whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultOutboxPollInterval is how often deferred notes are retried
	DefaultOutboxPollInterval = 10 * time.Second
	// DefaultOutboxRecoverySchedule requeues notes left in sending state by a crashed instance
	DefaultOutboxRecoverySchedule = "@every 5m"
	// DefaultOutboxPurgeSchedule drops finished notes past their retention, daily at 03:30
	DefaultOutboxPurgeSchedule = "30 3 * * *"
)

// Backend names accepted in the configuration.
const (
	StateBackendChatwoot = "chatwoot"
	StateBackendSQLite   = "sqlite"
	StateBackendPostgres = "postgres"
	StateBackendMemory   = "memory"

	ChannelCloudAPI  = "cloudapi"
	ChannelTwilio    = "twilio"
	ChannelWhatsmeow = "whatsmeow"

	GuardMemory = "memory"
	GuardRedis  = "redis"
	GuardSQL    = "sql"
)

// Config holds the resolved service configuration.
type Config struct {
	APIAddr      string `validate:"required"`
	FlowFile     string `validate:"omitempty,file"`
	StateDir     string `validate:"required"`
	StateBackend string `validate:"oneof=chatwoot sqlite postgres memory"`
	DatabaseURL  string `validate:"required_if=StateBackend postgres"`
	Channel      string `validate:"oneof=cloudapi twilio whatsmeow"`
	GuardBackend string `validate:"oneof=memory redis sql"`

	ChatwootBaseURL   string `validate:"required,url"`
	ChatwootAccountID string `validate:"required,numeric"`
	ChatwootAPIToken  string `validate:"required"`
	WebhookToken      string
	ProjectAttribute  string

	WhatsAppToken   string `validate:"required_if=Channel cloudapi"`
	WhatsAppPhoneID string `validate:"required_if=Channel cloudapi"`
	WhatsAppDBDSN   string
	QROutput        string
	NumericCode     bool

	RedisAddr     string `validate:"required_if=GuardBackend redis"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	OpenAIKey     string
	BusinessHours string
	BusinessTZ    string

	LeaseTTL      time.Duration `validate:"gte=0"`
	CacheTTL      time.Duration `validate:"gte=0"`
	MetadataWait  time.Duration `validate:"gte=0"`
	DedupCapacity int           `validate:"gte=0"`
}

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	parseCommandLineFlags(&config)

	if err := validateConfig(config); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SurveyPipe", "state_backend", config.StateBackend, "channel", config.Channel, "guard", config.GuardBackend, "api_addr", config.APIAddr)
	if err := run(ctx, config); err != nil {
		slog.Error("SurveyPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SurveyPipe exited successfully")
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
		APIAddr:           util.EnvOr("API_ADDR", api.DefaultServerAddress),
		FlowFile:          os.Getenv("FLOW_FILE"),
		StateDir:          util.EnvOr("SURVEYPIPE_STATE_DIR", DefaultStateDir),
		StateBackend:      util.EnvOr("STATE_BACKEND", StateBackendChatwoot),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		Channel:           util.EnvOr("CHANNEL", ChannelCloudAPI),
		GuardBackend:      util.EnvOr("GUARD_BACKEND", GuardMemory),
		ChatwootBaseURL:   os.Getenv("CHATWOOT_BASE_URL"),
		ChatwootAccountID: os.Getenv("CHATWOOT_ACCOUNT_ID"),
		ChatwootAPIToken:  os.Getenv("CHATWOOT_API_TOKEN"),
		WebhookToken:      os.Getenv("WEBHOOK_TOKEN"),
		ProjectAttribute:  util.EnvOr("PROJECT_ATTRIBUTE", chatwoot.DefaultProjectAttribute),
		WhatsAppToken:     os.Getenv("WHATSAPP_API_TOKEN"),
		WhatsAppPhoneID:   os.Getenv("WHATSAPP_PHONE_ID"),
		WhatsAppDBDSN:     os.Getenv("WHATSAPP_DB_DSN"),
		NumericCode:       util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           util.ParseIntEnv("REDIS_DB", 0),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		BusinessHours:     os.Getenv("BUSINESS_HOURS"),
		BusinessTZ:        os.Getenv("BUSINESS_TZ"),
		LeaseTTL:          util.ParseDurationEnv("LEASE_TTL", guard.DefaultLeaseTTL),
		CacheTTL:          util.ParseDurationEnv("CACHE_TTL", flow.DefaultCacheTTL),
		MetadataWait:      util.ParseDurationEnv("METADATA_WAIT", orchestrator.DefaultMetadataWait),
		DedupCapacity:     util.ParseIntEnv("DEDUP_CAPACITY", guard.DefaultDedupCapacity),
	}

	// A REDIS_ADDR alone is enough to select the shared guard.
	if os.Getenv("GUARD_BACKEND") == "" && config.RedisAddr != "" {
		config.GuardBackend = GuardRedis
	}

	slog.Debug("environment variables loaded",
		"API_ADDR", config.APIAddr,
		"FLOW_FILE", config.FlowFile,
		"SURVEYPIPE_STATE_DIR", config.StateDir,
		"STATE_BACKEND", config.StateBackend,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CHANNEL", config.Channel,
		"GUARD_BACKEND", config.GuardBackend,
		"CHATWOOT_BASE_URL", config.ChatwootBaseURL,
		"CHATWOOT_API_TOKEN_SET", config.ChatwootAPIToken != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"BUSINESS_HOURS", config.BusinessHours)
	return config
}

// parseCommandLineFlags lets flags override the environment.
func parseCommandLineFlags(config *Config) {
	flag.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	flag.StringVar(&config.FlowFile, "flow", config.FlowFile, "flow definition YAML (overrides $FLOW_FILE; embedded default when empty)")
	flag.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory for SurveyPipe data (overrides $SURVEYPIPE_STATE_DIR)")
	flag.StringVar(&config.StateBackend, "state-backend", config.StateBackend, "conversation state backend: chatwoot, sqlite, postgres or memory")
	flag.StringVar(&config.DatabaseURL, "db-dsn", config.DatabaseURL, "database DSN for the SQL stores (overrides $DATABASE_URL)")
	flag.StringVar(&config.Channel, "channel", config.Channel, "messaging channel: cloudapi, twilio or whatsmeow")
	flag.StringVar(&config.GuardBackend, "guard", config.GuardBackend, "delivery guard backend: memory, redis or sql")
	flag.StringVar(&config.QROutput, "qr-output", config.QROutput, "path to write the whatsmeow login QR code")
	flag.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "use a numeric whatsmeow login code instead of a QR code")
	flag.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key for free-text choice classification (overrides $OPENAI_API_KEY)")
	flag.Parse()
}

// validateConfig checks field constraints declared on Config.
func validateConfig(config Config) error {
	if err := validator.New().Struct(config); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return errors.Join(msgs...)
		}
		return err
	}
	return nil
}

// sqlStore is what the SQLite and Postgres stores provide.
type sqlStore interface {
	store.AttributeStore
	store.OutboxRepo
	store.DedupRepo
	io.Closer
}

// databaseDSN resolves the DSN of the SQL stores, defaulting to a SQLite file in the state dir.
func databaseDSN(config Config) string {
	if config.DatabaseURL != "" {
		return config.DatabaseURL
	}
	return filepath.Join(config.StateDir, DefaultDBFileName)
}

// needsSQL reports whether any component needs the SQL stores.
func needsSQL(config Config) bool {
	return config.StateBackend == StateBackendSQLite || config.StateBackend == StateBackendPostgres ||
		config.GuardBackend == GuardSQL || config.DatabaseURL != ""
}

func openSQLStore(config Config) (sqlStore, error) {
	dsn := databaseDSN(config)
	if config.StateBackend == StateBackendPostgres || store.DetectDSNType(dsn) == store.DSNTypePostgres {
		slog.Debug("Opening PostgreSQL store", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Opening SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildAttributeStore picks where conversation attributes are persisted.
func buildAttributeStore(config Config, cw *chatwoot.Client, db sqlStore) (store.AttributeStore, error) {
	switch config.StateBackend {
	case StateBackendChatwoot:
		return cw, nil
	case StateBackendSQLite, StateBackendPostgres:
		if db == nil {
			return nil, fmt.Errorf("state backend %s needs a database", config.StateBackend)
		}
		return db, nil
	case StateBackendMemory:
		slog.Warn("Using in-memory conversation state; progress is lost on restart")
		return store.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", config.StateBackend)
	}
}

// buildChannel constructs the outbound messaging channel.
func buildChannel(ctx context.Context, config Config) (messaging.Channel, func(), error) {
	switch config.Channel {
	case ChannelCloudAPI:
		svc, err := messaging.NewCloudAPIService(
			messaging.WithAccessToken(config.WhatsAppToken),
			messaging.WithPhoneNumberID(config.WhatsAppPhoneID),
		)
		return svc, func() {}, err
	case ChannelTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewTwilioService(client), func() {}, nil
	case ChannelWhatsmeow:
		dsn := config.WhatsAppDBDSN
		if dsn == "" {
			dsn = filepath.Join(config.StateDir, DefaultWhatsAppDBFileName)
		}
		opts := []whatsapp.Option{whatsapp.WithDBDSN(dsn)}
		if config.QROutput != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(config.QROutput))
		}
		if config.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return messaging.NewWhatsAppService(client), client.Disconnect, nil
	default:
		return nil, nil, fmt.Errorf("unknown channel %q", config.Channel)
	}
}

// buildGuard constructs the delivery guard. Guards with process-local leases take the state
// directory lock; the returned release func must be called on shutdown.
func buildGuard(ctx context.Context, config Config, db sqlStore) (*guard.Guard, func(), error) {
	opts := []guard.Option{guard.WithLeaseTTL(config.LeaseTTL)}

	if config.GuardBackend == GuardRedis {
		client, err := guard.NewRedisClient(ctx, config.RedisAddr, config.RedisPassword, config.RedisDB)
		if err != nil {
			return nil, nil, err
		}
		return guard.NewRedis(client, opts...), func() { client.Close() }, nil
	}

	lock, err := lockfile.AcquireLock(config.StateDir, config.GuardBackend+" guard")
	if err != nil {
		return nil, nil, err
	}
	release := func() { lock.Release() }

	if config.GuardBackend == GuardSQL {
		if db == nil {
			release()
			return nil, nil, fmt.Errorf("sql guard needs a database")
		}
		return guard.New(guard.NewSQLDedupSet(db, guard.DefaultDedupRetention), guard.NewMemoryLeaseTable(), opts...), release, nil
	}

	capacity := config.DedupCapacity
	if capacity <= 0 {
		capacity = guard.DefaultDedupCapacity
	}
	return guard.New(guard.NewMemoryDedupSet(capacity, guard.DefaultDedupRetention), guard.NewMemoryLeaseTable(), opts...), release, nil
}

// buildClassifier adds the OpenAI fallback for enum free text when a key is configured.
func buildClassifier(config Config, def *flow.Definition) *flow.Classifier {
	var opts []flow.ClassifierOption
	if config.OpenAIKey != "" {
		client, err := genai.NewClient(genai.WithAPIKey(config.OpenAIKey))
		if err != nil {
			slog.Warn("GenAI fallback disabled", "error", err)
		} else {
			opts = append(opts, flow.WithChoiceFallback(client))
		}
	}
	return flow.NewClassifier(def.Classifier, opts...)
}

func loadFlow(config Config) (*flow.Definition, error) {
	if config.FlowFile == "" {
		slog.Info("Using embedded default flow definition")
		return flow.Default()
	}
	slog.Info("Loading flow definition", "path", config.FlowFile)
	return flow.LoadFile(config.FlowFile)
}

// run wires every module and blocks until ctx is cancelled or a component fails.
func run(ctx context.Context, config Config) error {
	def, err := loadFlow(config)
	if err != nil {
		return err
	}
	gate, err := admission.ParseBusinessHours(config.BusinessHours, config.BusinessTZ)
	if err != nil {
		return err
	}
	collector := metrics.New(metrics.DefaultNamespace)

	cw, err := chatwoot.NewClient(
		chatwoot.WithBaseURL(config.ChatwootBaseURL),
		chatwoot.WithAccountID(config.ChatwootAccountID),
		chatwoot.WithAPIToken(config.ChatwootAPIToken),
	)
	if err != nil {
		return err
	}

	var db sqlStore
	if needsSQL(config) {
		if db, err = openSQLStore(config); err != nil {
			return err
		}
		defer db.Close()
	}

	attrs, err := buildAttributeStore(config, cw, db)
	if err != nil {
		return err
	}

	channel, closeChannel, err := buildChannel(ctx, config)
	if err != nil {
		return err
	}
	defer closeChannel()

	g, releaseGuard, err := buildGuard(ctx, config, db)
	if err != nil {
		return err
	}
	defer releaseGuard()

	dispatchOpts := []dispatch.Option{dispatch.WithMetrics(collector)}
	if db != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithOutbox(db))
	}
	dispatcher := dispatch.New(channel, cw, def, dispatchOpts...)

	orch := orchestrator.New(
		flow.NewEngine(def),
		buildClassifier(config, def),
		flow.NewStoreBasedStateManager(attrs, flow.WithCacheTTL(config.CacheTTL)),
		g,
		dispatcher,
		orchestrator.WithAdmission(gate),
		orchestrator.WithMetrics(collector),
		orchestrator.WithMetadataWait(config.MetadataWait),
	)

	server := api.NewServer(orch, channel, def,
		api.WithAddr(config.APIAddr),
		api.WithWebhookToken(config.WebhookToken),
		api.WithParseOptions(chatwoot.ParseOptions{ProjectAttribute: config.ProjectAttribute}),
		api.WithMetrics(collector),
	)

	var sender *store.OutboxSender
	sched := scheduler.NewScheduler()
	if db != nil {
		sender = store.NewOutboxSender(db, dispatcher.SendOutboxMessage, DefaultOutboxPollInterval)
		if err := sender.RecoverStaleMessages(ctx); err != nil {
			slog.Warn("Outbox recovery failed", "error", err)
		}
		if err := sched.AddJob(DefaultOutboxRecoverySchedule, "outbox-recovery", sender.RecoverStaleMessages); err != nil {
			return err
		}
		if err := sched.AddJob(DefaultOutboxPurgeSchedule, "outbox-purge", sender.PurgeFinished); err != nil {
			return err
		}
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return server.Run(gctx) })
	group.Go(func() error { return g.Run(gctx) })
	group.Go(func() error { return sched.Run(gctx) })
	if sender != nil {
		group.Go(func() error { return sender.Run(gctx) })
	}
	return group.Wait()
}
