package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/openscope/siteops/common/environment"
	"github.com/openscope/siteops/common/version"
	"github.com/openscope/siteops/internal/app"
)

func main() {
	fmt.Printf("siteops host supervisor\n")
	fmt.Printf("Version: %s\n", version.Version)
	fmt.Printf("Commit: %s\n", version.GitCommit)
	fmt.Printf("Build Time: %s\n", version.BuildTime)
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	setupLogging()

	a, err := app.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize sited: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error running sited: %v\n", err)
	}

	code, failed := a.ExitStatus()
	if len(failed) > 0 {
		fmt.Fprintf(os.Stderr, "Failed instances: %s\n", strings.Join(failed, ", "))
	}
	os.Exit(code)
}

// loadConfig reads the process configuration from environment variables.
func loadConfig() (app.Config, error) {
	sitePath, err := environment.RequiredString("SITEOPS_SITE_PATH")
	if err != nil {
		return app.Config{}, err
	}
	hostID, err := environment.RequiredString("SITEOPS_HOST_ID")
	if err != nil {
		return app.Config{}, err
	}
	return app.Config{
		SitePath:      sitePath,
		HostID:        hostID,
		BusURL:        environment.StringOr("SITEOPS_BUS_URL", ""),
		DatabasePath:  environment.StringOr("SITEOPS_DATABASE_PATH", "./sited.db"),
		EnableDocker:  environment.BoolOr("SITEOPS_ENABLE_DOCKER", false),
		DockerNetwork: environment.StringOr("SITEOPS_DOCKER_NETWORK", ""),
	}, nil
}

// setupLogging configures the process-wide structured logger.
func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(environment.StringOr("SITEOPS_LOG_LEVEL", "info")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}
