// Package main provides the sellerops operator API server.
package main

import (
	"context"
	"os"

	"github.com/dukex/sellerops/pkg/cmd"
	"github.com/dukex/sellerops/pkg/log"
	"github.com/dukex/sellerops/pkg/rules"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	app := &cli.Command{
		Name:                  "sellerops-api",
		Usage:                 "Inspect and operate jobs, dead letters, executions and rules",
		EnableShellCompletion: true,
		Flags: append(cmd.CommonFlags(),
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "rules-path",
				Usage:   "Directory of YAML/JSON rule files (rules are read from the database when empty)",
				Sources: cli.EnvVars("RULES_PATH"),
			},
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("api")
			logger.InfoContext(ctx, "Initializing sellerops API")

			rt, err := cmd.NewRuntime(ctx, command, "sellerops-api", logger)
			if err != nil {
				return err
			}

			defer func() {
				_ = rt.Close(ctx)
			}()

			registry := rules.NewRegistry(cmd.NewRuleStore(command.String("rules-path"), rt.Persistence), logger)
			if err := registry.Load(ctx); err != nil {
				return err
			}

			api := NewAPI(logger, rt.Persistence, rt.Queue, registry, rt.Catalog, rt.EventBus, rt.Gatherer)

			return api.Start(command.Int("port"))
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.WithModule("api").Error("API exited", "error", err)
		os.Exit(1)
	}
}
