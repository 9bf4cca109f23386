package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jerkytreats/lmserver/internal/config"
	"github.com/jerkytreats/lmserver/internal/dnsreg"
	"github.com/jerkytreats/lmserver/internal/gate"
	"github.com/jerkytreats/lmserver/internal/logx"
	"github.com/jerkytreats/lmserver/internal/metrics"
	"github.com/jerkytreats/lmserver/internal/relay"
	"github.com/jerkytreats/lmserver/internal/server"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")

	// Resolve config with precedence: defaults < file < env < args.
	var cfg config.Config
	cfg.SetDefaults()
	cfg.ApplyEnv()
	for i := 1; i < len(os.Args); i++ {
		a := os.Args[i]
		if a == "--config" && i+1 < len(os.Args) {
			cfg.ConfigFile = os.Args[i+1]
			break
		}
		if strings.HasPrefix(a, "--config=") {
			cfg.ConfigFile = strings.TrimPrefix(a, "--config=")
			break
		}
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	cfg.ApplyEnv()
	cfg.BindFlagsFromCurrent()
	flag.Parse()

	if *showVersion {
		fmt.Printf("lmserver version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	logx.Configure(cfg.LogLevel)
	logx.Log.Info().Str("version", version).Msg("starting lmserver")
	logx.Log.Info().Str("backend", cfg.BackendURL).Msg("backend")
	logx.Log.Info().Int("max_concurrent_requests", cfg.MaxConcurrentRequests).Msg("admission capacity")

	metrics.Register(prometheus.DefaultRegisterer)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	g := gate.New(cfg.MaxConcurrentRequests)
	rel := relay.New(cfg.BackendURL, g, cfg.RequestTimeout, cfg.DefaultModel)
	handler := server.New(cfg, rel, version)
	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = srv.Shutdown(context.Background())
	}()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		logx.Log.Fatal().Err(err).Str("addr", srv.Addr).Msg("listen error")
	}

	// Advertise the name only once the socket is bound.
	go func() {
		if err := dnsreg.Register(ctx, cfg); err != nil {
			logx.Log.Warn().Err(err).Msg("DNS registration failed; serving without it")
		}
	}()

	logx.Log.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}

	dnsreg.Deregister(cfg)
	logx.Log.Info().Msg("shutting down lmserver")
}
