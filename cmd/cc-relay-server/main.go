// Command cc-relay-server runs the relay's HTTP server (spec.md §6).
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/cc-relay/cc-relay-server/internal/config"
	"github.com/cc-relay/cc-relay-server/internal/obs"
	"github.com/cc-relay/cc-relay-server/internal/registry"
	"github.com/cc-relay/cc-relay-server/internal/server"
	"github.com/cc-relay/cc-relay-server/internal/store"
)

// Exit codes (spec.md §6): 0 normal shutdown, 2 configuration error, 1 any
// other runtime fatal.
const (
	exitOK          = 0
	exitRuntimeFail = 1
	exitConfigError = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "./cc-relay.toml", "path to the relay's TOML configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		var cfgErr *config.ConfigError
		if ok := asConfigError(err, &cfgErr); ok {
			fmt.Fprintf(os.Stderr, "config error: %v\n", cfgErr)
			return exitConfigError
		}
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigError
	}

	level := obs.LevelFromString(cfg.Server.LogLevel)
	handler := obs.NewRingHandler(level, 1000)
	slog.SetDefault(slog.New(handler))

	masterKey := os.Getenv("CC_RELAY_MASTER_KEY")
	if masterKey == "" {
		fmt.Fprintln(os.Stderr, "config error: CC_RELAY_MASTER_KEY environment variable is required")
		return exitConfigError
	}

	db, err := store.Open(cfg.Server.DatabasePath)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		return exitRuntimeFail
	}
	defer db.Close()

	reg, err := registry.New(cfg, masterKey)
	if err != nil {
		slog.Error("failed to build account registry", "err", err)
		return exitRuntimeFail
	}

	srv := server.New(cfg, db, reg, handler)
	if err := srv.Run(); err != nil {
		slog.Error("server exited with error", "err", err)
		return exitRuntimeFail
	}

	return exitOK
}

func asConfigError(err error, target **config.ConfigError) bool {
	for err != nil {
		if ce, ok := err.(*config.ConfigError); ok {
			*target = ce
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
