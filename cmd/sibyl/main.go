// Command sibyl runs the natural-language query service.
//
// Usage:
//
//	sibyl serve --config sibyl.yaml
//	sibyl validate --config sibyl.yaml
//	sibyl index --config sibyl.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/querylab/sibyl/pkg/config"
	"github.com/querylab/sibyl/pkg/logger"
	"github.com/querylab/sibyl/pkg/runtime"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the HTTP server."`
	Validate ValidateCmd `cmd:"" help:"Validate a configuration file."`
	Index    IndexCmd    `cmd:"" help:"Run one indexing sweep over approved examples."`

	Config    string `short:"c" help:"Path to config file." default:"sibyl.yaml" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text, json)." default:"text"`
	LogFile   string `help:"Log file path (empty = stderr)."`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("sibyl %s\n", version)
	return nil
}

// ValidateCmd checks a configuration file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("Configuration OK: %d data sources, %d LLM providers\n",
		len(cfg.DataSources), len(cfg.LLMs))
	return nil
}

// ServeCmd starts the HTTP server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	rt, err := runtime.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- rt.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()
	return rt.Shutdown(shutdownCtx)
}

// IndexCmd runs one synchronous indexing sweep and exits. Useful after
// bulk-importing examples.
type IndexCmd struct{}

func (c *IndexCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	rt, err := runtime.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	defer rt.Shutdown(context.Background()) //nolint:errcheck

	if err := rt.Indexer().Sweep(ctx); err != nil {
		return fmt.Errorf("indexing sweep failed: %w", err)
	}
	fmt.Println("Indexing sweep complete")
	return nil
}

func main() {
	// Best effort; a missing .env file is fine.
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("sibyl"),
		kong.Description("Natural-language to SQL, MongoDB, and SPL query service."),
		kong.UsageOnError(),
	)

	closer, err := logger.Setup(logger.Options{
		Level:  cli.LogLevel,
		Format: logger.Format(cli.LogFormat),
		File:   cli.LogFile,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	defer closer() //nolint:errcheck

	if err := kctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
