package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/workspacecore/internal/config"
	"github.com/standardbeagle/workspacecore/internal/debug"
	"github.com/standardbeagle/workspacecore/internal/mcpserver"
	"github.com/standardbeagle/workspacecore/internal/quiescence"
	"github.com/standardbeagle/workspacecore/internal/requestsurface"
)

const version = "0.1.0"

func loadConfigWithOverrides(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", c.String("config"), err)
	}
	if root := c.String("root"); root != "" {
		cfg.Project.Root = root
	}
	return cfg, nil
}

func main() {
	app := &cli.App{
		Name:    "workspacecore",
		Usage:   "Semantic indexing core for a compiled-language workspace",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file path",
				Value:   ".workspacecore.kdl",
			},
			&cli.StringFlag{
				Name:    "root",
				Aliases: []string{"r"},
				Usage:   "Project root directory (overrides config)",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable diagnostic logging to stderr",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				debug.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the MCP tool surface over stdio",
				Action: serveCommand,
			},
			{
				Name:   "status",
				Usage:  "Print scheduler/tracker status",
				Action: statusCommand,
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "json", Aliases: []string{"j"}, Usage: "Output as JSON"},
				},
			},
			{
				Name:  "wait",
				Usage: "Block until the workspace reaches quiescence",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "build-graph-updates", Usage: "Also wait for a pending build-graph reload to settle"},
					&cli.DurationFlag{Name: "timeout", Usage: "Give up after this long", Value: 30 * time.Second},
				},
				Action: waitCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "workspacecore: %v\n", err)
		os.Exit(1)
	}
}

func serveCommand(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	ws, err := requestsurface.New(cfg)
	if err != nil {
		return fmt.Errorf("construct workspace: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ws.Start(ctx); err != nil {
		return fmt.Errorf("start workspace: %w", err)
	}
	defer ws.Shutdown(context.Background())

	server := mcpserver.NewServer(ws)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		debug.LogManager("received signal %v, shutting down", sig)
		cancel()
		<-errCh
		return nil
	}
}

func statusCommand(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	ws, err := requestsurface.New(cfg)
	if err != nil {
		return fmt.Errorf("construct workspace: %w", err)
	}
	ctx := context.Background()
	if err := ws.Start(ctx); err != nil {
		return fmt.Errorf("start workspace: %w", err)
	}
	defer ws.Shutdown(ctx)

	status := ws.Status()
	if c.Bool("json") {
		fmt.Printf("{\"indexing\": %v}\n", status.Indexing)
		return nil
	}
	fmt.Printf("indexing: %v\n", status.Indexing)
	return nil
}

func waitCommand(c *cli.Context) error {
	cfg, err := loadConfigWithOverrides(c)
	if err != nil {
		return err
	}

	ws, err := requestsurface.New(cfg)
	if err != nil {
		return fmt.Errorf("construct workspace: %w", err)
	}
	ctx := context.Background()
	if err := ws.Start(ctx); err != nil {
		return fmt.Errorf("start workspace: %w", err)
	}
	defer ws.Shutdown(ctx)

	waitCtx, cancel := context.WithTimeout(ctx, c.Duration("timeout"))
	defer cancel()

	opts := quiescence.Opts{WaitForIndex: true, BuildGraphUpdates: c.Bool("build-graph-updates")}
	if err := ws.WaitForQuiescence(waitCtx, opts); err != nil {
		return fmt.Errorf("wait for quiescence: %w", err)
	}
	fmt.Println("quiescent")
	return nil
}
