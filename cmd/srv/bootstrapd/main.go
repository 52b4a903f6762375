package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/hub-tools/hub-supervisor/pkg/bootstrap"
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

	supervisorCommand := supervisorCommand(opts.Config)
	monitor, err := bootstrap.NewMonitor(bootstrap.Options{
		SupervisorCommand: supervisorCommand,
		SupervisorPIDName: supervisor.SupervisorPIDName,
		RunDir:            config.RunDir(),
		HealthURL:         bootstrap.HealthURLFor(config.ControlPort),
		LogDir:            config.LogDir(),
	}, logger)
	if err != nil {
		logger.Errorf("Failed to create bootstrap monitor: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Infof("Received signal: %v, shutting down", sig)
		cancel()
	}()

	if err := monitor.Run(ctx); err != nil {
		logger.Errorf("Bootstrap monitor failed: %v", err)
		os.Exit(1)
	}
}

// supervisorCommand locates the supervisor binary next to this executable
// and passes the same configuration file through.
func supervisorCommand(configPath string) []string {
	binary := "hub-supervisord"
	if executable, err := os.Executable(); err == nil {
		binary = filepath.Join(filepath.Dir(executable), "hub-supervisord")
	}
	return []string{binary, "--config", configPath}
}
