package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	caldera "github.com/calderadb/caldera"
	"github.com/calderadb/caldera/internal/config"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	conf, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Error loading config: %v", err)
	}

	level, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		logger.Fatalf("Invalid log level %q: %v", conf.LogLevel, err)
	}
	logger.SetLevel(level)

	engine, err := caldera.New(caldera.Config{
		Paths:         []string{conf.DataDir},
		MinimumFreeGB: conf.MinimumFreeGB,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatalf("Error creating engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(ctx); err != nil {
		logger.Fatalf("Engine exited with error: %v", err)
	}
}
