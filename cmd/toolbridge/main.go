package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/guseggert/toolbridge/config"
	"github.com/guseggert/toolbridge/gateway"
	"github.com/guseggert/toolbridge/rpc"
	"github.com/guseggert/toolbridge/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var version = "dev"

func main() {
	addrFlag := &cli.StringFlag{
		Name:    "addr",
		Usage:   "The base URL of the gateway.",
		Value:   "http://localhost:8080",
		EnvVars: []string{"TOOLBRIDGE_ADDR"},
	}
	outputFlag := &cli.StringFlag{
		Name:  "output",
		Usage: "Output format. One of [table,json,yaml].",
		Value: "table",
	}

	app := &cli.App{
		Name:    "toolbridge",
		Usage:   "an HTTP gateway for JSON-RPC tool workers",
		Version: version,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the gateway",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "config",
						Usage: "Path to the config file. Defaults to $TOOLBRIDGE_CONFIG, then the nearest toolbridge.yaml.",
					},
					&cli.StringFlag{
						Name:  "listen-addr",
						Usage: "The address for the HTTP server to listen on. Overrides the config file.",
					},
					&cli.StringFlag{
						Name:  "log-level",
						Usage: "One of [debug,info,warn,error].",
						Value: "info",
					},
					&cli.DurationFlag{
						Name:  "shutdown-timeout",
						Usage: "How long to wait for requests and workers on shutdown.",
						Value: 30 * time.Second,
					},
				},
				Action: serve,
			},
			{
				Name:      "services",
				Usage:     "List services and their status",
				Flags:     []cli.Flag{addrFlag, outputFlag},
				Action:    listServices,
				ArgsUsage: " ",
			},
			{
				Name:      "start",
				Usage:     "Start a service",
				Flags:     []cli.Flag{addrFlag, outputFlag},
				ArgsUsage: "SERVICE",
				Action: func(c *cli.Context) error {
					name, err := serviceArg(c)
					if err != nil {
						return err
					}
					info, err := newClient(c).Start(c.Context, name)
					if err != nil {
						return err
					}
					return render(c, info, func(w io.Writer) {
						fmt.Fprintf(w, "%s is %s (pid %d)\n", info.Name, info.Status, info.PID)
					})
				},
			},
			{
				Name:      "stop",
				Usage:     "Stop a service",
				Flags:     []cli.Flag{addrFlag},
				ArgsUsage: "SERVICE",
				Action: func(c *cli.Context) error {
					name, err := serviceArg(c)
					if err != nil {
						return err
					}
					return newClient(c).Stop(c.Context, name)
				},
			},
			{
				Name:      "tools",
				Usage:     "List the tools of a running service",
				Flags:     []cli.Flag{addrFlag, outputFlag},
				ArgsUsage: "SERVICE",
				Action:    listTools,
			},
			{
				Name:      "call",
				Usage:     "Call a tool",
				ArgsUsage: "SERVICE TOOL [ARGUMENTS_JSON]",
				Flags:     []cli.Flag{addrFlag},
				Action:    callTool,
			},
			{
				Name:      "logs",
				Usage:     "Print recent stderr lines of a service",
				ArgsUsage: "SERVICE",
				Flags: []cli.Flag{
					addrFlag,
					&cli.IntFlag{Name: "lines", Aliases: []string{"n"}, Value: 100},
				},
				Action: func(c *cli.Context) error {
					name, err := serviceArg(c)
					if err != nil {
						return err
					}
					lines, err := newClient(c).Logs(c.Context, name, c.Int("lines"))
					if err != nil {
						return err
					}
					for _, l := range lines {
						fmt.Fprintln(c.App.Writer, l)
					}
					return nil
				},
			},
			{
				Name:      "skill",
				Usage:     "Print the SKILL markdown of a service",
				ArgsUsage: "SERVICE",
				Flags:     []cli.Flag{addrFlag},
				Action: func(c *cli.Context) error {
					name, err := serviceArg(c)
					if err != nil {
						return err
					}
					md, err := newClient(c).Skill(c.Context, name)
					if err != nil {
						return err
					}
					fmt.Fprint(c.App.Writer, md)
					return nil
				},
			},
			{
				Name:      "watch",
				Usage:     "Stream the notifications of a service as JSON lines",
				ArgsUsage: "SERVICE",
				Flags:     []cli.Flag{addrFlag},
				Action: func(c *cli.Context) error {
					name, err := serviceArg(c)
					if err != nil {
						return err
					}
					ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
					defer stop()
					enc := json.NewEncoder(c.App.Writer)
					err = newClient(c).WatchNotifications(ctx, name, func(ev gateway.Event) error {
						return enc.Encode(ev)
					})
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				},
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func serve(c *cli.Context) error {
	logger, err := newLogger(c.String("log-level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	sugar := logger.Sugar()

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting working dir: %w", err)
	}
	path, err := config.Resolve(c.String("config"), wd)
	if err != nil {
		return fmt.Errorf("finding config: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if path == "" {
		sugar.Warn("no config file found, serving no services")
	}
	listenAddr := cfg.Server.Addr()
	if s := c.String("listen-addr"); s != "" {
		listenAddr = s
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := gateway.NewHub()
	registry := service.NewRegistry(cfg.Services,
		service.WithLogger(sugar),
		service.WithBridgeConfig(cfg.Bridge),
		service.WithMetrics(rpc.NewMetrics(promReg)),
		service.WithNotificationHandler(hub.Publish),
		service.WithClientVersion(version),
	)
	gw := gateway.New(registry,
		gateway.WithLogger(logger),
		gateway.WithListenAddr(listenAddr),
		gateway.WithHub(hub),
		gateway.WithPrometheusRegistry(promReg),
		gateway.WithVersion(version),
	)

	sugar.Infow("loaded config", "Path", cfg.Path, "Services", len(cfg.Services))
	if err := registry.AutoStart(c.Context); err != nil {
		sugar.Errorw("some services failed to start", "Error", err)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- gw.Run() }()

	select {
	case err = <-runErr:
		sugar.Errorw("gateway stopped", "Error", err)
	case <-ctx.Done():
		sugar.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Duration("shutdown-timeout"))
	defer cancel()
	if serr := gw.Shutdown(shutdownCtx); serr != nil {
		sugar.Warnw("gateway shutdown", "Error", serr)
	}
	if serr := registry.StopAll(shutdownCtx); serr != nil {
		sugar.Warnw("stopping services", "Error", serr)
	}
	return err
}

func newClient(c *cli.Context) *gateway.Client {
	return gateway.NewClient(c.String("addr"))
}

func serviceArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", cli.Exit("missing SERVICE argument", 2)
	}
	return c.Args().First(), nil
}

// render writes v as JSON or YAML when requested, and calls table otherwise.
func render(c *cli.Context, v any, table func(w io.Writer)) error {
	switch c.String("output") {
	case "json":
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// round trip through JSON so yaml uses the json field names
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(c.App.Writer)
		defer enc.Close()
		return enc.Encode(generic)
	case "table", "":
		table(c.App.Writer)
		return nil
	default:
		return fmt.Errorf("unsupported output %q", c.String("output"))
	}
}

func listServices(c *cli.Context) error {
	infos, err := newClient(c).Services(c.Context)
	if err != nil {
		return err
	}
	return render(c, infos, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSTATUS\tPID\tENABLED\tDESCRIPTION")
		for _, i := range infos {
			pid := "-"
			if i.PID != 0 {
				pid = fmt.Sprint(i.PID)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", i.Name, i.Status, pid, i.Enabled, i.Description)
		}
		tw.Flush()
	})
}

func listTools(c *cli.Context) error {
	name, err := serviceArg(c)
	if err != nil {
		return err
	}
	tools, err := newClient(c).Tools(c.Context, name)
	if err != nil {
		return err
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return render(c, tools, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOOL\tDESCRIPTION")
		for _, t := range tools {
			fmt.Fprintf(tw, "%s\t%s\n", t.Name, t.Description)
		}
		tw.Flush()
	})
}

func callTool(c *cli.Context) error {
	if c.NArg() < 2 {
		return cli.Exit("usage: toolbridge call SERVICE TOOL [ARGUMENTS_JSON]", 2)
	}
	var args map[string]any
	if raw := c.Args().Get(2); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Errorf("parsing arguments: %w", err)
		}
	}
	res, err := newClient(c).Call(c.Context, c.Args().Get(0), c.Args().Get(1), args)
	if err != nil {
		var apiErr *gateway.APIError
		if errors.As(err, &apiErr) && len(apiErr.Data) > 0 {
			return fmt.Errorf("%w: %s", err, apiErr.Data)
		}
		return err
	}
	fmt.Fprintln(c.App.Writer, string(res))
	return nil
}
