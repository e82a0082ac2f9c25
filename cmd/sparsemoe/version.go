package main

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sparsemoe/internal/gpu"
	"github.com/samcharles93/sparsemoe/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version and platform information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			fmt.Printf("version:    %s\n", info.Version)
			if info.Commit != "" {
				fmt.Printf("commit:     %s\n", info.Commit)
			}
			if info.BuildTime != "" {
				fmt.Printf("build time: %s\n", info.BuildTime)
			}
			fmt.Printf("platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Printf("backends:   %s\n", gpu.Available())
			fmt.Printf("cpu:        %s\n", strings.Join(gpu.CPUFeatures(), " "))
			return nil
		},
	}
}
