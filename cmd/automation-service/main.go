// automation-service runs user-submitted automation jobs against a credit ledger.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"automation/internal/config"
	"automation/internal/history"
	"automation/internal/ledger"
	"automation/internal/observability"
	"automation/internal/sqlitedb"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	flagConfigFile string
	v              = config.NewViper()
	cfg            *config.ServiceConfig
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	serveCmd.Flags().String("port", "8080", "API listen port")
	serveCmd.Flags().String("metrics-port", "9090", "metrics listen port")
	_ = v.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	_ = v.BindPFlag("metrics_port", serveCmd.Flags().Lookup("metrics-port"))

	topUpCmd.Flags().String("transaction", "", "payment transaction id (generated when empty)")

	creditsCmd.AddCommand(topUpCmd, balanceCmd)
	rootCmd.AddCommand(serveCmd, creditsCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("automation-service failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "automation-service",
	Short:             "Automation job orchestrator with credit escrow",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initService,
}

func initService(_ *cobra.Command, _ []string) error {
	// A missing .env is normal outside development.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("load .env: %w", err)
	}

	loaded, err := config.Load(v, flagConfigFile)
	if err != nil {
		return err
	}
	cfg = loaded

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))
	return nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// stores holds the persistent pieces shared by every command.
type stores struct {
	db      *sql.DB
	ledger  *ledger.Ledger
	history *history.Store
}

// openStores opens the database and builds the ledger on it. Without a
// database path the ledger lives in memory and history in an in-memory
// SQLite database.
func openStores(ctx context.Context, c *config.ServiceConfig, metrics *observability.Metrics) (*stores, error) {
	path := c.DatabasePath
	if path == "" {
		path = ":memory:"
	}
	db, err := sqlitedb.Open(ctx, path)
	if err != nil {
		return nil, err
	}

	var store ledger.Store = ledger.NewSQLiteStore(db)
	if c.DatabasePath == "" {
		slog.Warn("No DATABASE_PATH configured, credits are kept in memory")
		store = ledger.NewMemoryStore(nil)
	}
	l, err := ledger.New(ledger.Config{
		Store:      store,
		Privileges: ledger.NewStaticPrivileges(c.AdminUsers),
		Metrics:    metrics,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &stores{db: db, ledger: l, history: history.NewStore(db)}, nil
}

func (s *stores) Close() error {
	return s.db.Close()
}
