package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sparsemoe/internal/bucket"
	"github.com/samcharles93/sparsemoe/internal/gpu"
	"github.com/samcharles93/sparsemoe/internal/logger"
)

// prepare applies the config file and installs the logger in ctx. Every
// command calls it first.
func prepare(ctx context.Context, cmd *cli.Command) (context.Context, logger.Logger, error) {
	path := configFile
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return ctx, nil, cli.Exit(fmt.Sprintf("error: config: %v", err), 1)
	}
	applyConfig(cmd, cfg)

	level := logLevel
	if debug {
		level = "debug"
	}
	log, err := logger.Build(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	if quant < 0 || quant > 1 {
		return ctx, nil, cli.Exit(fmt.Sprintf("error: --quant %v outside [0,1]", quant), 1)
	}
	return logger.WithContext(ctx, log), log, nil
}

// openEngine opens the configured backend and an engine whose dispatch list
// fits every projection in ws.
func openEngine(log logger.Logger, ws ...*bucket.ExpertWeights) (gpu.Backend, *bucket.Engine, error) {
	be, err := gpu.Open(backend, gpu.Options{Workers: int(workers), Log: log})
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("error: backend: %v", err), 1)
	}
	capacity := int(dispatchCapacity)
	need := bucket.CapacityFor(ws...)
	if capacity == 0 {
		capacity = need
	}
	if capacity < need {
		_ = be.Close()
		return nil, nil, cli.Exit(fmt.Sprintf("error: --dispatch-capacity %d below %d required", capacity, need), 1)
	}
	log.Debug("engine ready", "backend", be.Name(), "capacity", capacity)
	return be, bucket.NewEngine(be, bucket.Options{Capacity: capacity, Log: log}), nil
}
