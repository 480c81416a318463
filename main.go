package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/config"
	"chatrelay/db"
	"chatrelay/db/postgres"
	"chatrelay/logging"
	"chatrelay/server"

	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:           "chatrelay",
	Short:         "Multi-user chat server with text and voice relay",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print connection statistics of a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		reply, err := server.ControlRequest(cfg.Control.Socket, server.ControlStats)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

var shutdownReason string

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Ask a running server to notify users and stop",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}
		reply, err := server.ControlRequest(cfg.Control.Socket, server.ControlShutdown+"|"+shutdownReason)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), reply)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "config file (default ./chatrelay.yaml if present)")
	pf.String("control-socket", "", "control socket path")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")

	f := serveCmd.Flags()
	f.String("host", "", "interface to bind")
	f.Int("port", 0, "text port")
	f.Int("voice-port", 0, "voice port (default port+1)")
	f.String("ws-addr", "", "WebSocket gateway address, empty disables it")
	f.String("db", "", "SQLite database path")
	f.String("db-driver", "", "storage driver: sqlite or postgres")
	f.String("db-dsn", "", "PostgreSQL connection string")

	shutdownCmd.Flags().StringVar(&shutdownReason, "reason", "maintenance", "reason shown to connected users")

	rootCmd.AddCommand(serveCmd, statsCmd, shutdownCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// storage is what serve needs from either backend.
type storage interface {
	server.Store
	Close() error
}

var (
	_ storage = (*db.DB)(nil)
	_ storage = (*postgres.Store)(nil)
)

func openStore(ctx context.Context, cfg config.DBConfig) (storage, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN)
	default:
		return db.New(cfg.Path)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := logging.New(level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(logger)

	store, err := openStore(ctx, cfg.DB)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	policy, _ := server.ParsePolicy(cfg.Server.DuplicateLogin)
	srv := server.New(store, &server.ServerConfig{
		Addr:               cfg.TextAddr(),
		VoiceAddr:          cfg.VoiceAddr(),
		WSAddr:             cfg.Server.WSAddr,
		WriteTimeout:       cfg.Server.WriteTimeout,
		IdleTimeout:        cfg.Server.IdleTimeout,
		MaxFrameBytes:      cfg.Server.MaxFrameBytes,
		MaxVoiceFrameBytes: cfg.Server.MaxVoiceFrameBytes,
		HistoryLimit:       cfg.History.Limit,
		DuplicateLogin:     policy,
		VoiceRequiresLogin: cfg.Server.VoiceRequiresLogin,
	}, logger)

	if path := cfg.Control.Socket; path != "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("remove stale control socket", "path", path, "error", err)
		}
		ln, err := net.Listen("unix", path)
		if err != nil {
			logger.Warn("control socket unavailable", "path", path, "error", err)
		} else {
			defer os.Remove(path)
			go srv.ServeControl(ln)
		}
	}

	logger.Info("starting chat server",
		"text", cfg.TextAddr(),
		"voice", cfg.VoiceAddr(),
		"db_driver", cfg.DB.Driver,
		"history", cfg.History.Limit,
		"duplicate_login", policy.String(),
	)
	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	<-srv.Done()
	logger.Info("server stopped")
	return nil
}
