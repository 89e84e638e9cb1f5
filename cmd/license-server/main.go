package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/linlurui/decentri-license/internal/app"
	"github.com/linlurui/decentri-license/internal/config"
	"github.com/linlurui/decentri-license/pkg/contracts"
)

func main() {
	configFile := flag.String("config", "", "YAML config file (overrides "+config.EnvPrefix+"_CONFIG_FILE)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(contracts.GetFullVersionString(app.AppName))
		return
	}

	if *configFile != "" {
		if err := os.Setenv(config.EnvPrefix+"_CONFIG_FILE", *configFile); err != nil {
			slog.Error("Failed to set config file", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(context.Background()); err != nil {
		slog.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
