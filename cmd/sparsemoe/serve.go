package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sparsemoe/internal/api"
	"github.com/samcharles93/sparsemoe/internal/store"
)

func serveCmd() *cli.Command {
	var (
		storePath   string
		addr        string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve bucketed multiplies over a store via HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "store",
				Aliases:     []string{"s"},
				Usage:       "bucket store (.mcf) to serve",
				Required:    true,
				Destination: &storePath,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, log, err := prepare(ctx, cmd)
			if err != nil {
				return err
			}
			path := configFile
			if path == "" {
				path = defaultConfigPath()
			}
			if cfg, err := loadConfig(path); err == nil {
				applyServeConfig(cmd, cfg, &addr)
			}

			s, err := store.Open(storePath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			be, engine, err := openEngine(log, s.Projections...)
			if err != nil {
				return err
			}
			defer func() { _ = be.Close() }()

			server, err := api.NewServer(api.Config{Store: s, Engine: engine, Quant: float32(quant), Log: log})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "store", storePath, "projections", len(s.Projections), "quant", quant)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
