// Package main provides the sellerops rule engine: it routes metric, competitor,
// application and time triggers to the active rules and executes them.
package main

import (
	"context"
	"os"
	"time"

	"github.com/dukex/sellerops/pkg/cmd"
	"github.com/dukex/sellerops/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultReloadInterval = time.Minute

func main() {
	app := &cli.Command{
		Name:                  "sellerops-rules",
		Usage:                 "Dispatch triggers to automation rules and execute them",
		EnableShellCompletion: true,
		Flags: append(cmd.CommonFlags(),
			&cli.StringFlag{
				Name:    "rules-path",
				Usage:   "Directory of YAML/JSON rule files, watched for changes (rules are read from the database when empty)",
				Sources: cli.EnvVars("RULES_PATH"),
			},
			&cli.DurationFlag{
				Name:    "reload-interval",
				Usage:   "How often database rules are reloaded",
				Value:   defaultReloadInterval,
				Sources: cli.EnvVars("RULES_RELOAD_INTERVAL"),
			},
			cmd.MetricsAddrFlag(":9093"),
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("rules")
			logger.InfoContext(ctx, "Initializing sellerops rule engine")

			rt, err := cmd.NewRuntime(ctx, command, "sellerops-rules", logger)
			if err != nil {
				return err
			}

			defer func() {
				_ = rt.Close(ctx)
			}()

			manager, err := NewRulesManager(rt, command.String("rules-path"), command.Duration("reload-interval"), command.String("metrics-addr"), logger)
			if err != nil {
				return err
			}

			return manager.Start(ctx)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.WithModule("rules").Error("Rule engine exited", "error", err)
		os.Exit(1)
	}
}
