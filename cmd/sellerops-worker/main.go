// Package main provides the sellerops worker: the durable job pool running price updates
// and feature recomputes.
package main

import (
	"context"
	"os"

	"github.com/dukex/sellerops/pkg/cmd"
	"github.com/dukex/sellerops/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:                  "sellerops-worker",
		Usage:                 "Run the durable job worker pool",
		EnableShellCompletion: true,
		Flags: append(cmd.CommonFlags(),
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("WORKER_ID"),
			},
			cmd.MetricsAddrFlag(":9092"),
		),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("worker")
			logger.InfoContext(ctx, "Initializing sellerops worker")

			rt, err := cmd.NewRuntime(ctx, command, "sellerops-worker", logger)
			if err != nil {
				return err
			}

			defer func() {
				_ = rt.Close(ctx)
			}()

			return NewWorkerManager(rt, command.String("worker-id"), command.String("metrics-addr"), logger).Start(ctx)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.WithModule("worker").Error("Worker exited", "error", err)
		os.Exit(1)
	}
}
