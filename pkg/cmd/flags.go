package cmd

import (
	cli "github.com/urfave/cli/v3"
)

// CommonFlags are shared by every sellerops binary.
func CommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Database connection URL for jobs, dead letters and execution records (memory:// when empty)",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringSliceFlag{
			Name:    "kafka-brokers",
			Usage:   "Kafka broker addresses",
			Sources: cli.EnvVars("KAFKA_BROKERS"),
		},
		&cli.StringFlag{
			Name:    "cooldown-url",
			Usage:   "Redis URL for cooldowns, locks and dedup keys (in process when empty)",
			Sources: cli.EnvVars("COOLDOWN_URL"),
		},
		&cli.StringFlag{
			Name:    "catalog-file",
			Usage:   "YAML or JSON file with the listing catalog and templates",
			Sources: cli.EnvVars("CATALOG_FILE"),
		},
		&cli.StringFlag{
			Name:    "config-file",
			Usage:   "YAML file with worker and job tunables",
			Sources: cli.EnvVars("CONFIG_FILE"),
		},
		&cli.BoolFlag{
			Name:    "tracing",
			Usage:   "Export spans over OTLP/HTTP",
			Sources: cli.EnvVars("TRACING_ENABLED"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

// MetricsAddrFlag is the listen address of the /metrics endpoint of headless binaries.
func MetricsAddrFlag(defaultAddr string) cli.Flag {
	return &cli.StringFlag{
		Name:    "metrics-addr",
		Usage:   "Address serving /metrics (disabled when empty)",
		Value:   defaultAddr,
		Sources: cli.EnvVars("METRICS_ADDR"),
	}
}
