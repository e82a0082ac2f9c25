package main

import "github.com/urfave/cli/v3"

var (
	configFile       string
	backend          string
	workers          int64
	quant            float64
	dispatchCapacity int64
	logLevel         string
	logFormat        string
	debug            bool
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu, metal, cuda)",
			Value:       "auto",
			Destination: &backend,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "CPU backend worker goroutines (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.Float64Flag{
			Name:        "quant",
			Aliases:     []string{"q"},
			Usage:       "fraction of probe mass kept by the bucketed multiply (0..1)",
			Value:       0.25,
			Destination: &quant,
		},
		&cli.Int64Flag{
			Name:        "dispatch-capacity",
			Usage:       "dispatch list capacity (0 = 2x the largest expert size)",
			Destination: &dispatchCapacity,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default ~/.config/sparsemoe/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
