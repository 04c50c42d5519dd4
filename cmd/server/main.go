package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/quillmail/quillmail/pkg/auth"
	"github.com/quillmail/quillmail/pkg/server"
	"github.com/quillmail/quillmail/pkg/store"
)

func main() {
	configPath := flag.String("config", "~/.config/quillmail/server.toml", "Path to config file")
	tcpPort := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	httpPort := flag.Int("http-port", 0, "HTTP port for WebSocket/metrics/health (overrides config, -1 disables)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	config := tomlConfig.ToServerConfig()
	if *tcpPort != 0 {
		config.TCPPort = *tcpPort
	}
	if *httpPort != 0 {
		config.HTTPPort = *httpPort
	}

	st, err := store.Open(store.MemoryDSN)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	if err := seedUsers(st, tomlConfig.Users.SeedUsers, logger); err != nil {
		logger.Fatal("failed to seed users", zap.Error(err))
	}

	srv := server.NewServer(st, config, logger)
	if err := srv.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	if err := srv.Stop(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// seedUsers registers the accounts listed in the config file. The store
// starts empty on every boot, so seeding is how demo deployments get
// their well-known accounts.
func seedUsers(st *store.Store, users []server.SeedUser, logger *zap.Logger) error {
	for _, u := range users {
		hash, err := auth.HashPassword(u.Password)
		if err != nil {
			return fmt.Errorf("hash password for %q: %w", u.Username, err)
		}
		created, err := st.RegisterUser(u.Username, hash)
		if err != nil {
			return fmt.Errorf("register %q: %w", u.Username, err)
		}
		if created {
			logger.Info("seeded user", zap.String("username", u.Username))
		}
	}
	return nil
}
