package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/api"
	"github.com/samcharles93/loom/internal/backend"
	"github.com/samcharles93/loom/internal/backend/sim"
	"github.com/samcharles93/loom/internal/generate"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/runlog"
	"github.com/samcharles93/loom/internal/tokenizer"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rateRPS     float64
		rateBurst   int64
		runlogPath  string
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the completions REST API",
		Flags: append(commonModelFlags(),
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
				Name:        "rate-limit",
				Usage:       "requests per second allowed per server (0 disables)",
				Destination: &rateRPS,
			},
			&cli.Int64Flag{
				Name:        "rate-burst",
				Usage:       "burst size for the rate limiter",
				Value:       10,
				Destination: &rateBurst,
			},
			&cli.StringFlag{
				Name:        "runlog",
				Usage:       "record completions to a sqlite runlog at this path",
				Destination: &runlogPath,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			fileCfg := loadFileConfig()
			applyModelConfig(c, fileCfg)
			if fileCfg.ServerAddress != "" && !c.IsSet("addr") {
				addr = fileCfg.ServerAddress
			}
			if fileCfg.RunLog != "" && !c.IsSet("runlog") {
				runlogPath = fileCfg.RunLog
			}

			dev, err := backend.NormalizeDevice(device)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			defaults := generate.DefaultConfig()
			defaults.ContextLimit = int(contextLimit)
			applySamplingDefaults(fileCfg, &defaults)

			rt := sim.New(sim.Config{}, log)
			engine := generate.NewEngine(rt, tokenizer.NewByte(), log)
			if err := engine.Load(ctx, modelName, dev); err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = engine.Unload() }()

			opts := []api.Option{api.WithDefaults(defaults)}
			if rateRPS > 0 {
				opts = append(opts, api.WithRateLimit(rateRPS, int(rateBurst)))
			}
			if runlogPath != "" {
				store, err := runlog.Open(runlogPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: open runlog: %v", err), 1)
				}
				defer func() { _ = store.Close() }()
				opts = append(opts, api.WithRunLog(store))
			}

			server := api.NewServer(engine, log, opts...)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", addr, "model", modelName)
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

// applySamplingDefaults folds the config file's sampling keys into the
// server-side defaults used when a request omits a field.
func applySamplingDefaults(cfg FileConfig, out *generate.Config) {
	if cfg.Temperature != nil {
		out.Temperature = *cfg.Temperature
	}
	if cfg.TopK != nil {
		out.TopK = int(*cfg.TopK)
	}
	if cfg.TopP != nil {
		out.TopP = *cfg.TopP
	}
	if cfg.RepeatPenalty != nil {
		out.RepeatPenalty = *cfg.RepeatPenalty
	}
	if cfg.RepeatLastN != nil {
		out.RepeatLastN = int(*cfg.RepeatLastN)
	}
	if cfg.MaxNewTokens != nil {
		out.MaxNewTokens = int(*cfg.MaxNewTokens)
	}
	if cfg.Seed != nil {
		out.Seed = *cfg.Seed
	}
}
