package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	hubconfig "github.com/hub-tools/hub-supervisor/pkg/config"
	"github.com/hub-tools/hub-supervisor/pkg/logging"
	"github.com/hub-tools/hub-supervisor/pkg/supervisor"
	"github.com/hub-tools/hub-supervisor/pkg/updatequeue"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config   string `long:"config" description:"path to the supervisor configuration file" required:"true"`
	RepoRoot string `long:"repo-root" description:"hub repository checkout for core updates"`
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

	repoRoot := opts.RepoRoot
	if repoRoot == "" {
		repoRoot = config.RepoRoot
	}

	store := hubconfig.NewStore(config.StorePath(), logger)
	applier := updatequeue.NewApplier(updatequeue.Options{
		QueuePath:       config.QueuePath(),
		ExtensionsDir:   config.ExtensionsDir,
		RepoRoot:        repoRoot,
		ServicesPath:    config.ServicesPath(),
		LogDir:          config.LogDir(),
		RunDir:          config.RunDir(),
		RelaunchCommand: supervisorCommand(opts.Config),
	}, store, logger)

	if err := applier.Apply(context.Background()); err != nil {
		logger.Errorf("Failed to apply update queue: %v", err)
		os.Exit(1)
	}
	logger.Infof("Update queue applied")
}

func supervisorCommand(configPath string) []string {
	binary := "hub-supervisord"
	if executable, err := os.Executable(); err == nil {
		binary = filepath.Join(filepath.Dir(executable), "hub-supervisord")
	}
	return []string{binary, "--config", configPath}
}
