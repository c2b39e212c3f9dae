package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/clocksmith/doppler/internal/config"
	"github.com/clocksmith/doppler/internal/logger"
)

// fileConfig is the loaded config file, available to every command.
var fileConfig config.File

func main() {
	app := &cli.Command{
		Name:  "doppler",
		Usage: "KV cache and generation pipeline CLI",
		Flags: globalFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			f, err := config.Load(configPath)
			if err != nil {
				return ctx, err
			}
			fileConfig = f
			applyGlobalConfig(cmd, f)
			level := logLevel
			if debug {
				level = "debug"
			}
			log, err := logger.NewWithFormat(os.Stderr, logFormat, level)
			if err != nil {
				return ctx, err
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			serveCmd(),
			benchCmd(),
			cacheCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
