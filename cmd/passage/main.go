package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/passage-io/passage/internal/config"
	"github.com/passage-io/passage/internal/gateway"
	"github.com/passage-io/passage/internal/logging"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  = flag.String("config", "gateway.yaml", "path to the configuration file")
		showVersion = flag.Bool("version", false, "print version and exit")
		validate    = flag.Bool("validate", false, "validate configuration and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("passage", version)
		return gateway.ExitOK
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		return gateway.ExitConfig
	}
	if *validate {
		fmt.Println("configuration ok")
		return gateway.ExitOK
	}

	log, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger error:", err)
		return gateway.ExitConfig
	}
	defer log.Sync()

	gw, err := gateway.New(cfg, log)
	if err != nil {
		log.Error("gateway construction failed", zap.Error(err))
		return gateway.ExitConfig
	}

	log.Info("starting passage", zap.String("version", version))
	return gateway.NewServer(cfg, gw, log).Run(context.Background())
}
