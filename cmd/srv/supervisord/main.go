package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hub-tools/hub-supervisor/pkg/logging"
	"github.com/hub-tools/hub-supervisor/pkg/supervisor"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config   string `long:"config" description:"path to the supervisor configuration file" required:"true"`
	LogLevel string `long:"log-level" description:"log level: debug, info, warn, error" default:"info"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	zapConfig := logging.DefaultZapConfig()
	zapConfig.Level = opts.LogLevel
	logger, sync, err := logging.NewZapLogger(zapConfig)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer sync()

	logger.Infof("opts: %+v", opts)

	config, err := supervisor.LoadConfigFromFile(opts.Config)
	if err != nil {
		logger.Errorf("Failed to load configuration: %v", err)
		os.Exit(1)
	}
	if err := supervisor.ValidateConfig(config); err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	summary := supervisor.GetConfigSummary(config)
	logger.Infof("Configuration: %+v", summary)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Infof("Received signal: %v, shutting down", sig)
		cancel()
	}()

	sv, err := supervisor.NewSupervisor(*config, logger)
	if err != nil {
		logger.Errorf("Failed to create supervisor: %v", err)
		os.Exit(1)
	}

	handedOff, err := sv.Run(ctx)
	if err != nil {
		logger.Errorf("Supervisor failed: %v", err)
		os.Exit(1)
	}
	if handedOff {
		logger.Infof("Update queue pending, handed off to applier")
	}
}
