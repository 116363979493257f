package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/taskmarket/internal/httpapi"
	"github.com/MarkoPoloResearchLab/taskmarket/internal/notify"
	"github.com/MarkoPoloResearchLab/taskmarket/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/taskmarket/pkg/marketplace"
	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	flagDatabaseURL    = "database-url"
	flagListenAddr     = "listen-addr"
	flagAllowedOrigins = "allowed-origins"
	flagJWTSigningKey  = "jwt-signing-key"
	flagJWTIssuer      = "jwt-issuer"
	flagFeePercent     = "fee-percent"

	configKeyDatabaseURL    = "database_url"
	configKeyListenAddr     = "listen_addr"
	configKeyAllowedOrigins = "allowed_origins"
	configKeyJWTSigningKey  = "jwt_signing_key"
	configKeyJWTIssuer      = "jwt_issuer"
	configKeyFeePercent     = "fee_percent"

	defaultDatabaseURL = "sqlite:///tmp/taskmarket.db"
	defaultListenAddr  = ":8080"
	defaultFeePercent  = 10

	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
)

type runtimeConfig struct {
	DatabaseURL    string
	ListenAddr     string
	AllowedOrigins string
	JWTSigningKey  string
	JWTIssuer      string
	FeePercent     int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "taskmarketd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "taskmarketd",
		Short:         "Task marketplace API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or SQLite connection string")
	cmd.Flags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins (required)")
	cmd.Flags().String(flagJWTSigningKey, "", "JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer (required)")
	cmd.Flags().Int64(flagFeePercent, defaultFeePercent, "platform fee percent retained on settlement")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:    "DATABASE_URL",
		configKeyListenAddr:     "LISTEN_ADDR",
		configKeyAllowedOrigins: "ALLOWED_ORIGINS",
		configKeyJWTSigningKey:  "JWT_SIGNING_KEY",
		configKeyJWTIssuer:      "JWT_ISSUER",
		configKeyFeePercent:     "FEE_PERCENT",
	}
	for configKey, envName := range bindings {
		if err := viper.BindEnv(configKey, envName); err != nil {
			return err
		}
	}
	flagsByKey := map[string]string{
		configKeyDatabaseURL:    flagDatabaseURL,
		configKeyListenAddr:     flagListenAddr,
		configKeyAllowedOrigins: flagAllowedOrigins,
		configKeyJWTSigningKey:  flagJWTSigningKey,
		configKeyJWTIssuer:      flagJWTIssuer,
		configKeyFeePercent:     flagFeePercent,
	}
	for configKey, flagName := range flagsByKey {
		if err := viper.BindPFlag(configKey, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.ListenAddr = viper.GetString(configKeyListenAddr)
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultListenAddr
	}
	cfg.AllowedOrigins = viper.GetString(configKeyAllowedOrigins)
	cfg.JWTSigningKey = viper.GetString(configKeyJWTSigningKey)
	cfg.JWTIssuer = viper.GetString(configKeyJWTIssuer)
	cfg.FeePercent = viper.GetInt64(configKeyFeePercent)

	if cfg.AllowedOrigins == "" {
		return fmt.Errorf("%s is required", flagAllowedOrigins)
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("%s is required", flagJWTSigningKey)
	}
	if cfg.JWTIssuer == "" {
		return fmt.Errorf("%s is required", flagJWTIssuer)
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, driver, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := notify.Migrate(gormDB); err != nil {
		return fmt.Errorf("migrate notifications: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() time.Time { return time.Now().UTC() }
	dispatcher := notify.NewDispatcher(gormDB, clock)
	options := []marketplace.ServiceOption{
		marketplace.WithOperationLogger(httpapi.NewZapOperationLogger(logger)),
		marketplace.WithNotifier(dispatcher),
		marketplace.WithPlatformFeePercent(cfg.FeePercent),
	}
	// SQLite serializes writers, so a second session would just block against
	// the open settlement transaction. The elevated writer is postgres-only.
	if elevatedWriterSupported(driver) {
		options = append(options, marketplace.WithPrivilegedWalletWriter(gormstore.NewElevatedWalletWriter(gormDB)))
	}
	service, err := marketplace.NewService(store, clock, options...)
	if err != nil {
		return fmt.Errorf("marketplace service init: %w", err)
	}

	apiConfig := httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
	}
	if err := apiConfig.Validate(); err != nil {
		return err
	}
	return httpapi.Run(ctx, apiConfig, service, logger)
}

func elevatedWriterSupported(driver string) bool {
	return driver == driverPostgres
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, string, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, "", nil, err
	}

	var db *gorm.DB
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, "", nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, "", nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, "", nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), driver, cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "taskmarket.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
