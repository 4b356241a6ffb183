// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/echotools/proxypresence/server"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version  string = "3.0.0"
	commitID string = "dev"
)

func main() {
	tmpLogger := server.NewJSONLogger(os.Stdout, zapcore.InfoLevel, server.JSONFormat)

	app := &cli.App{
		Name:    "proxypresence",
		Usage:   "Distributed presence registry for a proxy cluster",
		Version: fmt.Sprintf("%s+%s", version, commitID),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"PROXYPRESENCE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Override the node id from the configuration file",
			},
		},
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Run the presence node and its HTTP API",
				Action: func(c *cli.Context) error {
					return serve(tmpLogger, c)
				},
			},
			{
				Name:  "reconcile",
				Usage: "Recompute every online counter from the node mappings",
				Action: func(c *cli.Context) error {
					return withRegistry(tmpLogger, c, func(ctx context.Context, logger *zap.Logger, config server.Config, repo *server.PresenceRepository) error {
						result, err := server.NewPresenceReconciler(logger, server.NewNoopMetrics(), repo, config.GetName()).Reconcile(ctx)
						if err != nil {
							return err
						}
						return printJSON(result)
					})
				},
			},
			{
				Name:  "bootgate",
				Usage: "Inspect or change the cluster boot gate",
				Subcommands: []*cli.Command{
					{
						Name:  "status",
						Usage: "Show whether the cluster is gated",
						Action: func(c *cli.Context) error {
							return withRegistry(tmpLogger, c, func(ctx context.Context, logger *zap.Logger, _ server.Config, repo *server.PresenceRepository) error {
								gated, err := repo.BootGate(ctx)
								if err != nil {
									return err
								}
								return printJSON(map[string]bool{"gated": gated})
							})
						},
					},
					{
						Name:  "set",
						Usage: "Refuse new sessions on every node",
						Action: func(c *cli.Context) error {
							return withRegistry(tmpLogger, c, func(ctx context.Context, logger *zap.Logger, _ server.Config, repo *server.PresenceRepository) error {
								return server.NewBootGate(logger, repo).Set(ctx)
							})
						},
					},
					{
						Name:  "clear",
						Usage: "Admit new sessions again",
						Action: func(c *cli.Context) error {
							return withRegistry(tmpLogger, c, func(ctx context.Context, logger *zap.Logger, _ server.Config, repo *server.PresenceRepository) error {
								return server.NewBootGate(logger, repo).Clear(ctx)
							})
						},
					},
				},
			},
			{
				Name:  "nodes",
				Usage: "List nodes with their online count and last heartbeat",
				Action: func(c *cli.Context) error {
					return withRegistry(tmpLogger, c, func(ctx context.Context, logger *zap.Logger, _ server.Config, repo *server.PresenceRepository) error {
						nodes, err := server.NewPresenceQuery(logger, repo).ListNodes(ctx)
						if err != nil {
							return err
						}
						return printJSON(nodes)
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		tmpLogger.Fatal("Command failed", zap.Error(err))
	}
}

func loadConfig(tmpLogger *zap.Logger, c *cli.Context) (server.Config, error) {
	config, err := server.LoadConfig(tmpLogger, c.String("config"))
	if err != nil {
		return nil, err
	}
	if name := c.String("name"); name != "" {
		config.SetName(name)
	}
	return config, nil
}

func serve(tmpLogger *zap.Logger, c *cli.Context) error {
	config, err := loadConfig(tmpLogger, c)
	if err != nil {
		return err
	}
	logger, startupLogger := server.SetupLogging(tmpLogger, config)
	server.CheckConfig(startupLogger, config)

	startupLogger.Info("Proxy presence starting", zap.String("version", c.App.Version))
	startupLogger.Info("Node", zap.String("name", config.GetName()))

	ctx, ctxCancelFn := context.WithCancel(context.Background())
	defer ctxCancelFn()

	metrics := server.NewLocalMetrics(logger, startupLogger, config)

	store, err := server.NewStore(logger, startupLogger, config)
	if err != nil {
		startupLogger.Fatal("Failed to initialize store", zap.Error(err))
	}

	node := server.NewPresenceNode(ctx, logger, config, metrics, store)
	apiServer := server.NewApiServer(logger, config, node)

	// A freshly started proxy holds no connections yet; connections that survived on the
	// proxy side are reported through the rebuild endpoint.
	if err := node.Start(nil); err != nil {
		startupLogger.Fatal("Failed to start presence node", zap.Error(err))
	}
	if config.GetAPI().Address != "" {
		if err := apiServer.Start(startupLogger); err != nil {
			startupLogger.Fatal("Failed to start API server", zap.Error(err))
		}
	}

	var watcher *server.ConfigWatcher
	if config.GetConfigPath() != "" {
		if watcher, err = server.NewConfigWatcher(logger, config); err != nil {
			startupLogger.Warn("Config hot reload disabled", zap.Error(err))
		}
	}

	startupLogger.Info("Startup done")

	// Respect OS stop signals.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	<-signals

	startupLogger.Info("Shutting down")

	if watcher != nil {
		watcher.Stop()
	}
	apiServer.Stop()
	node.Stop()
	metrics.Stop(logger)

	startupLogger.Info("Shutdown complete")
	return nil
}

// withRegistry runs an operator command against the shared store without starting a node.
func withRegistry(tmpLogger *zap.Logger, c *cli.Context, fn func(ctx context.Context, logger *zap.Logger, config server.Config, repo *server.PresenceRepository) error) error {
	config, err := loadConfig(tmpLogger, c)
	if err != nil {
		return err
	}
	if problems := server.ValidateConfig(config); len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %v", problems)
	}
	if !config.GetCluster().Enabled {
		return fmt.Errorf("cluster mode is disabled, operator commands need the shared Redis store")
	}
	logger := server.NewConsoleLogger(os.Stderr, false)

	store, err := server.NewStore(logger, logger, config)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(c.Context, 10*config.GetCluster().GetOperationTimeout()+5*time.Second)
	defer cancel()

	return fn(ctx, logger, config, server.NewPresenceRepository(logger, store, config.GetCluster().KeyPrefix))
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
