package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/gaspardpetit/fleetwatch/internal/agent"
	"github.com/gaspardpetit/fleetwatch/internal/config"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
	"github.com/gaspardpetit/fleetwatch/internal/ollama"
	"github.com/gaspardpetit/fleetwatch/internal/probe"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	var cfg config.AgentConfig
	cfg.SetDefaults()
	cfg.ApplyEnv()
	if path, ok := config.ConfigFileFromArgs(os.Args[1:]); ok {
		cfg.ConfigFile = path
	}
	if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
	}
	cfg.ApplyEnv()

	fs := pflag.NewFlagSet("fleetwatch-agent", pflag.ExitOnError)
	showVersion := fs.Bool("version", false, "print version and exit")
	cfg.BindFlags(fs)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "fleetwatch-agent version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
		fs.PrintDefaults()
	}
	_ = fs.Parse(os.Args[1:])
	if *showVersion {
		fmt.Printf("fleetwatch-agent version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := probe.ExecRunner{}
	a := agent.New(cfg, probe.NewLocalGPUProber(runtime.GOOS, runner), runner)
	a.Models = ollama.New(cfg.OllamaHost)
	logx.Log.Info().Str("node", cfg.NodeName).Str("server", cfg.ServerURL).Str("version", version).Msg("agent starting")
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logx.Log.Fatal().Err(err).Msg("agent exited")
	}
}
