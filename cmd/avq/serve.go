package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/avq/internal/server"
	"github.com/samcharles93/avq/internal/store"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		ratePerSec  float64
		burst       int64
		workers     int64
	)

	flags := append(artifactFlags(),
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
		&cli.Float64Flag{
			Name:        "rate",
			Usage:       "matmul requests per second (0 = unlimited)",
			Destination: &ratePerSec,
		},
		&cli.Int64Flag{
			Name:        "burst",
			Usage:       "rate limiter burst",
			Destination: &burst,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "kernel worker count (0 = GOMAXPROCS)",
			Destination: &workers,
		},
	)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve an artifact over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg := LoadConfig()
			applyCommonConfig(cmd, cfg)
			applyServeConfig(cmd, cfg, &addr, &ratePerSec, &burst, &workers)
			log := buildLogger()

			m, err := store.Load(artifactPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load artifact: %v", err), 1)
			}

			srv := server.New(m, log, server.Options{
				RatePerSec: ratePerSec,
				Burst:      int(burst),
				Workers:    int(workers),
			})

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			srv.Register(e)

			log.Info("starting server",
				"address", addr, "model", m.Info.Name, "layers", len(m.Layers))
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(s *http.Server) error {
					s.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
