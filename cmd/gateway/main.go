// Command gateway runs the Public Gateway Surface: it loads configuration,
// opens the credential store, and wires every domain package (account,
// refresh, scheduler, evaluator, dispatch, health) into the HTTP server.
package main

import (
	"log/slog"
	"os"

	"github.com/ozhandev/warp-gateway/internal/account"
	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/dispatch"
	"github.com/ozhandev/warp-gateway/internal/evaluator"
	"github.com/ozhandev/warp-gateway/internal/events"
	"github.com/ozhandev/warp-gateway/internal/health"
	"github.com/ozhandev/warp-gateway/internal/refresh"
	"github.com/ozhandev/warp-gateway/internal/scheduler"
	"github.com/ozhandev/warp-gateway/internal/server"
	"github.com/ozhandev/warp-gateway/internal/store"
	"github.com/ozhandev/warp-gateway/internal/transport"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logHandler := events.NewLogHandler(parseLogLevel(cfg.LogLevel), 1000)
	slog.SetDefault(slog.New(logHandler))

	s, err := store.New(cfg.TokenDBPath)
	if err != nil {
		slog.Error("open store", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	crypto := account.NewCrypto(cfg.EncryptionKey)
	accounts := account.NewManager(s, crypto)

	transportMgr := transport.NewManager(cfg)
	refreshSvc := refresh.New(s, accounts, cfg, transportMgr)
	sched := scheduler.New(s, cfg)
	eval := evaluator.New(s, cfg)
	dispatcher := dispatch.New(sched, refreshSvc, transportMgr, eval, s, cfg)
	monitor := health.New(s, refreshSvc, cfg)
	bus := events.NewBus(200)

	srv := server.New(cfg, s, accounts, refreshSvc, dispatcher, monitor, transportMgr, bus, version)
	if err := srv.Run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func parseLogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
