// Package cli implements fleetctl: print the fleet snapshot or a routing
// decision, either from a running daemon or from a one-shot probe cycle.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/gaspardpetit/fleetwatch/internal/aggregator"
	"github.com/gaspardpetit/fleetwatch/internal/config"
	"github.com/gaspardpetit/fleetwatch/internal/daemon"
	"github.com/gaspardpetit/fleetwatch/internal/fleet"
	"github.com/gaspardpetit/fleetwatch/internal/logx"
	"github.com/gaspardpetit/fleetwatch/internal/query"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitConfig      = 1
	ExitNoneReached = 2
)

const diagNoNodes = "no nodes reachable, returning remote fallback only"

const usage = `usage: fleetctl [flags] <command>

commands:
  status               print the latest fleet snapshot
  route <node> [hint]  print the routing decision for <node>

hints: free | metered | budget=free|metered | min-tier=<tier> | model=<name>
       (comma separated)

flags:
`

// Source answers status and routing queries.
type Source interface {
	Status(ctx context.Context) (query.View, error)
	Route(ctx context.Context, node, hint string) (fleet.RoutingDecision, error)
}

// App is one fleetctl invocation.
type App struct {
	Stdout io.Writer
	Stderr io.Writer
	// Prober replaces the HTTP prober in standalone mode.
	Prober aggregator.Prober
}

// Main runs fleetctl with the process streams.
func Main(args []string) int {
	return (&App{Stdout: os.Stdout, Stderr: os.Stderr}).Run(args)
}

type options struct {
	server   string
	apiKey   string
	config   string
	json     bool
	timeout  time.Duration
	logLevel string
}

// Run parses args, executes the command and returns the exit code.
func (a *App) Run(args []string) int {
	opts := options{
		server:   config.GetEnv("FLEETWATCH_SERVER", ""),
		apiKey:   config.GetEnv("API_KEY", ""),
		timeout:  30 * time.Second,
		logLevel: config.GetEnv("LOG_LEVEL", "error"),
	}
	fs := pflag.NewFlagSet("fleetctl", pflag.ContinueOnError)
	fs.SetOutput(a.Stderr)
	fs.StringVarP(&opts.server, "server", "s", opts.server, "fleetwatch base URL (e.g. http://orchestrator:8080); without it a one-shot probe cycle runs locally")
	fs.StringVar(&opts.apiKey, "api-key", opts.apiKey, "API key sent as a bearer token to --server")
	fs.StringVarP(&opts.config, "config", "c", opts.config, "config file for standalone mode")
	fs.BoolVar(&opts.json, "json", false, "print JSON instead of tables")
	fs.DurationVar(&opts.timeout, "timeout", opts.timeout, "overall timeout")
	fs.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log verbosity for standalone mode")
	fs.Usage = func() {
		_, _ = fmt.Fprint(a.Stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitOK
		}
		return ExitConfig
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return ExitConfig
	}
	logx.Configure(opts.logLevel)

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	switch rest[0] {
	case "status":
		if len(rest) != 1 {
			return a.fail("status takes no arguments")
		}
	case "route":
		if len(rest) < 2 || len(rest) > 3 {
			return a.fail("usage: fleetctl route <node> [hint]")
		}
	default:
		fs.Usage()
		return a.fail(fmt.Sprintf("unknown command %q", rest[0]))
	}

	src, err := a.source(ctx, opts)
	if err != nil {
		return a.fail(err.Error())
	}
	view, err := src.Status(ctx)
	if err != nil {
		return a.fail(err.Error())
	}

	if rest[0] == "status" {
		if err := a.printStatus(view, opts.json); err != nil {
			return a.fail(err.Error())
		}
		return a.exitFor(view)
	}

	hint := ""
	if len(rest) == 3 {
		hint = rest[2]
	}
	d, err := src.Route(ctx, rest[1], hint)
	if err != nil {
		return a.fail(err.Error())
	}
	if err := a.printDecision(d, opts.json); err != nil {
		return a.fail(err.Error())
	}
	return a.exitFor(view)
}

func (a *App) exitFor(view query.View) int {
	if view.Snapshot.UpCount() == 0 {
		_, _ = fmt.Fprintln(a.Stderr, diagNoNodes)
		return ExitNoneReached
	}
	return ExitOK
}

func (a *App) fail(msg string) int {
	_, _ = fmt.Fprintf(a.Stderr, "fleetctl: %s\n", msg)
	return ExitConfig
}

func (a *App) source(ctx context.Context, opts options) (Source, error) {
	if opts.server != "" {
		return newRemote(opts.server, opts.apiKey), nil
	}
	var cfg config.ServerConfig
	cfg.SetDefaults()
	if opts.config != "" {
		cfg.ConfigFile = opts.config
	}
	cfg.ApplyEnv()
	if opts.config != "" {
		cfg.ConfigFile = opts.config
	}
	if err := cfg.LoadFile(cfg.ConfigFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) || opts.config != "" {
			return nil, err
		}
	}
	cfg.ApplyEnv()
	cfg.Finalize()
	d, err := daemon.New(cfg, daemon.Options{Prober: a.Prober})
	if err != nil {
		return nil, err
	}
	d.Aggregator.RunCycle(ctx)
	return local{q: d.Query}, nil
}

type local struct{ q *query.Service }

func (l local) Status(context.Context) (query.View, error) { return l.q.Status(), nil }

func (l local) Route(_ context.Context, node, hint string) (fleet.RoutingDecision, error) {
	if err := l.q.ValidateHint(hint); err != nil {
		return fleet.RoutingDecision{}, err
	}
	return l.q.Route(node, hint), nil
}

func (a *App) emitJSON(v any) error {
	enc := json.NewEncoder(a.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
