// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/quarry/quarry"
	"github.com/hashicorp/quarry/quarry/structs"
	"github.com/hashicorp/quarry/version"
)

// exitFatalConfig is the sysexits EX_CONFIG code: the configuration was
// unusable and restarting without fixing it will not help.
const exitFatalConfig = 78

// AgentCommand starts the controller in the foreground.
type AgentCommand struct{}

func (c *AgentCommand) Help() string {
	return strings.TrimSpace(`
Usage: quarryd agent [options]

  Starts the cluster controller in the foreground. SIGHUP reloads the
  configuration file; SIGINT and SIGTERM shut down after a final state
  checkpoint.

Options:

  -config=<path>
    Path to the controller configuration file. Required.

  -log-level=<level>
    Overrides the configured log level (TRACE, DEBUG, INFO, WARN, ERROR).
`)
}

func (c *AgentCommand) Synopsis() string { return "Run the cluster controller" }

func (c *AgentCommand) Run(args []string) int {
	var configPath, logLevel string
	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "configuration file")
	flags.StringVar(&logLevel, "log-level", "", "log level override")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "error: -config is required")
		return exitFatalConfig
	}

	config, err := quarry.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, structs.ErrFatalConfig) {
			return exitFatalConfig
		}
		return 1
	}
	if logLevel != "" {
		config.LogLevel = logLevel
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "quarryd",
		Level:      hclog.LevelFromString(config.LogLevel),
		JSONFormat: false,
	})
	logger.Info("starting controller", "version", version.GetVersion().VersionNumber())

	srv, err := quarry.NewServer(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, structs.ErrFatalConfig) {
			return exitFatalConfig
		}
		return 1
	}
	srv.SetConfigPath(configPath)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reloading configuration on SIGHUP")
			var resp structs.ReconfigureResponse
			if err := srv.RPC("Operator.Reconfigure", &structs.ReconfigureRequest{}, &resp); err != nil {
				logger.Error("reload failed", "error", err)
			}
			continue
		}
		logger.Info("shutting down", "signal", sig)
		break
	}

	if err := srv.Shutdown(); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// VersionCommand prints the build version.
type VersionCommand struct{}

func (c *VersionCommand) Help() string     { return "Usage: quarryd version" }
func (c *VersionCommand) Synopsis() string { return "Print the version" }

func (c *VersionCommand) Run([]string) int {
	fmt.Println(version.GetVersion().FullVersionNumber(true))
	return 0
}
