// Command callagent answers and places phone calls handled by an AI agent.
//
// Usage:
//
//	callagent serve                        # start the server
//	callagent serve --config config.yaml   # with a config file
//	callagent version                      # print the version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	callagent "github.com/agentplexus/omnivoice-callagent"
	"github.com/agentplexus/omnivoice-callagent/config"
	"github.com/agentplexus/omnivoice-callagent/internal/logging"
)

// Set at build time.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "callagent: %v\n", err)
			os.Exit(1)
		}
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	envFile := fs.String("env-file", ".env", "Path to .env file, empty to skip")
	envPrefix := fs.String("env-prefix", "", "Prefix of environment variable names")
	_ = fs.Parse(args)

	loader := config.NewLoader().WithDotEnv(*envFile).WithEnvPrefix(*envPrefix)
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting call agent",
		zap.String("version", callagent.Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.run(ctx); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	logger.Info("call agent stopped")
	return nil
}

func printVersion() {
	fmt.Printf("callagent %s\n", callagent.Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`callagent - AI phone agent on Twilio

Usage:
  callagent <command> [options]

Commands:
  serve     Start the server
  version   Show version information
  help      Show this help message

Options for 'serve':
  --config <path>      Path to configuration file (YAML)
  --env-file <path>    Path to .env file (default .env)
  --env-prefix <name>  Prefix of environment variable names`)
}
