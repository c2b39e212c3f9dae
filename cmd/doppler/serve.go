package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/clocksmith/doppler/internal/api"
	"github.com/clocksmith/doppler/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		storeSize   int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation REST API",
		Flags: concat(modelFlags(), cacheFlags(), pipelineFlags(), samplingFlags(), []cli.Flag{
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
			&cli.Int64Flag{
				Name:        "store-size",
				Usage:       "finished generations kept for GET /v1/generations/:id",
				Value:       256,
				Destination: &storeSize,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if !cmd.IsSet("addr") && fileConfig.ServerAddress != "" {
				addr = fileConfig.ServerAddress
			}

			eng, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := eng.Close(); err != nil {
					log.Warn("close engine", "error", err)
				}
			}()

			server := api.NewServer(eng.pipeline, api.NewGenerationStore(int(storeSize)), api.Defaults{
				MaxTokens: maxTokensFor(cmd, fileConfig),
				Sampling:  samplingConfig(cmd, fileConfig),
			}, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "layers", eng.cfg.NumLayers, "vocab", eng.cfg.VocabSize)
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
