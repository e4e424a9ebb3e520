package main

import "github.com/urfave/cli/v3"

var (
	modelName    string
	draftName    string
	device       string
	contextLimit int64
	logLevel     string
	logFormat    string
	debug        bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "model name to compile",
			Value:       "loom-demo",
			Destination: &modelName,
		},
		&cli.StringFlag{
			Name:        "draft",
			Aliases:     []string{"d"},
			Usage:       "draft model name (enables speculative decoding)",
			Destination: &draftName,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "execution device (auto, cpu, gpu)",
			Value:       "auto",
			Destination: &device,
		},
		&cli.Int64Flag{
			Name:        "context-limit",
			Aliases:     []string{"ctx", "c"},
			Usage:       "max total tokens (prompt + generated)",
			Value:       2048,
			Destination: &contextLimit,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json)",
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
