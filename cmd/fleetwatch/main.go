package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/gaspardpetit/fleetwatch/internal/config"
	"github.com/gaspardpetit/fleetwatch/internal/daemon"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
	"github.com/gaspardpetit/fleetwatch/internal/metrics"
	"github.com/gaspardpetit/fleetwatch/internal/server"
	"github.com/gaspardpetit/fleetwatch/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if path, ok := config.ConfigFileFromArgs(os.Args[1:]); ok {
		cfg.ConfigFile = path
	}
	if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	cfg.ApplyEnv()

	fs := pflag.NewFlagSet("fleetwatch", pflag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	cfg.BindFlags(fs)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "fleetwatch version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if *showVersion {
		fmt.Printf("fleetwatch version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	cfg.Finalize()
	logx.Configure(cfg.LogLevel)

	d, err := daemon.New(cfg, daemon.Options{})
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedisAddr != "" {
		rs, err := serverstate.NewRedisStore(ctx, cfg.RedisAddr)
		if err != nil {
			logx.Log.Fatal().Err(err).Msg("connect redis")
		}
		serverstate.UseStore(rs)
		logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis state store")
	}
	store := serverstate.Active()
	serverstate.SetState("not_ready")

	handler := server.New(cfg, server.Deps{
		Query:   d.Query,
		Fleet:   d.Aggregator,
		Reports: d.Reports,
		Version: version,
	})
	metrics.SetBuildInfo(version, buildSHA, buildDate)
	d.Instrument(store)
	if n, err := d.Restore(ctx, store); err != nil {
		logx.Log.Warn().Err(err).Msg("restore snapshot")
	} else if n > 0 {
		logx.Log.Info().Int("nodes", n).Msg("restored last snapshot")
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if cfg.MetricsAddr != fmt.Sprintf(":%d", cfg.Port) {
		mux := http.NewServeMux()
		mux.Handle("/metrics", server.MetricsHandler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			serverstate.StartDrain()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Msg("draining; send SIGTERM again to terminate immediately")
			go func(timeout time.Duration) {
				time.Sleep(timeout)
				if serverstate.IsDraining() {
					logx.Log.Info().Msg("drain complete; terminating")
					cancel()
				}
			}(cfg.DrainTimeout)
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logx.Log.Error().Err(err).Msg("server shutdown")
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(sctx); err != nil {
				logx.Log.Error().Err(err).Msg("metrics server shutdown")
			}
		}
	}()

	go func() {
		if err := d.Aggregator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logx.Log.Error().Err(err).Msg("aggregator stopped")
		}
	}()
	serverstate.SetState("ready")

	if cfg.APIKey != "" {
		logx.Log.Info().Msg("API key auth enabled")
	}
	if cfg.ClientKey != "" {
		logx.Log.Info().Msg("Client key required")
	}
	logx.Log.Info().
		Int("port", cfg.Port).
		Int("nodes", d.Registry.Len()).
		Dur("interval", cfg.Probe.Interval).
		Str("version", version).
		Msg("fleetwatch starting")
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logx.Log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logx.Log.Fatal().Err(err).Msg("server error")
	}
}
