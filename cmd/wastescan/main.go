// Package main 垃圾分类识别命令行
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	flagConfig      = "config"
	flagDebug       = "debug"
	flagMode        = "mode"
	flagURL         = "url"
	flagPurpose     = "purpose"
	flagOverlay     = "overlay"
	flagJSON        = "json"
	flagFrames      = "frames"
	flagDuration    = "duration"
	flagMetricsAddr = "metrics-addr"
	flagStream      = "stream"
	flagModel       = "model"
)

func newApp() *cli.App {
	return &cli.App{
		Name:            "wastescan",
		Usage:           "detect recyclable waste in photos",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load settings from `FILE` (env WASTE_* takes precedence)",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagMode,
				Usage: "inference mode: device or api",
			},
			&cli.StringFlag{
				Name:  flagURL,
				Usage: "inference server base `URL`",
			},
			&cli.StringFlag{
				Name:  flagModel,
				Usage: "model id sent to the inference server",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "detect",
				Usage:     "run detection on one or more photos",
				ArgsUsage: "PHOTO...",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagPurpose,
						Value: "capture",
						Usage: "capture or live",
					},
					&cli.StringFlag{
						Name:  flagOverlay,
						Usage: "write annotated images into `DIR`",
					},
					&cli.BoolFlag{
						Name:  flagJSON,
						Usage: "print results as JSON",
					},
				},
				Action: DetectAction,
			},
			{
				Name:  "live",
				Usage: "run live detection over a directory of frames",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagFrames,
						Usage:    "`DIR` of frames to cycle through",
						Required: true,
					},
					&cli.DurationFlag{
						Name:  flagDuration,
						Usage: "stop after this long, 0 runs until interrupted",
					},
					&cli.BoolFlag{
						Name:  flagStream,
						Usage: "use the websocket stream instead of polling",
					},
					&cli.StringFlag{
						Name:  flagMetricsAddr,
						Usage: "serve prometheus metrics on `ADDR`",
					},
				},
				Action: LiveAction,
			},
			{
				Name:   "models",
				Usage:  "list models offered by the inference server",
				Action: ModelsAction,
			},
		},
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
