package main

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/backend"
	"github.com/samcharles93/loom/internal/backend/sim"
	"github.com/samcharles93/loom/internal/generate"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/runlog"
	"github.com/samcharles93/loom/internal/speculative"
	"github.com/samcharles93/loom/internal/tokenizer"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		prompt     string
		steps      int64
		seed       int64
		lookahead  int64
		recordPath string
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of timed runs",
			Value:       3,
			Destination: &benchRuns,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text used for every run",
			Value:       "The quick brown fox jumps over the lazy dog.",
			Destination: &prompt,
		},
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "tokens to generate per run",
			Value:       128,
			Destination: &steps,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampler seed, fixed so runs are comparable",
			Value:       42,
			Destination: &seed,
		},
		&cli.Int64Flag{
			Name:        "lookahead",
			Usage:       "draft tokens proposed per speculative round",
			Value:       5,
			Destination: &lookahead,
		},
		&cli.StringFlag{
			Name:        "record",
			Usage:       "record timed runs to a sqlite runlog at this path",
			Destination: &recordPath,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark plain and speculative generation",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			fileCfg := loadFileConfig()
			applyModelConfig(c, fileCfg)

			dev, err := backend.NormalizeDevice(device)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			cfg := generate.DefaultConfig()
			cfg.MaxNewTokens = int(steps)
			cfg.ContextLimit = int(contextLimit)
			cfg.Seed = seed

			var store *runlog.Store
			if recordPath != "" {
				store, err = runlog.Open(recordPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: open runlog: %v", err), 1)
				}
				defer func() { _ = store.Close() }()
			}

			rt := sim.New(sim.Config{}, log)
			tok := tokenizer.NewByte()

			loadStart := time.Now()
			target, err := rt.Compile(ctx, modelName, dev)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: compile target: %v", err), 1)
			}
			defer func() { _ = target.Close() }()
			loadDuration := time.Since(loadStart)

			fmt.Println("=== loom bench ===")
			fmt.Printf("Model:      %s\n", modelName)
			if draftName != "" {
				fmt.Printf("Draft:      %s (lookahead %d)\n", draftName, lookahead)
			}
			fmt.Printf("Device:     %s\n", dev)
			fmt.Printf("CPUs:       %d (GOMAXPROCS %d)\n", runtime.NumCPU(), runtime.GOMAXPROCS(0))
			fmt.Printf("Compile:    %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Steps:      %d tokens\n", steps)
			fmt.Printf("Warmup:     %d, runs: %d\n", warmupRuns, benchRuns)
			fmt.Println()

			ctrl := generate.NewController(target, tok)
			plain := func(ctx context.Context) (*generate.Result, error) {
				return ctrl.Generate(ctx, prompt, cfg, nil)
			}
			if err := benchMode(ctx, "plain", plain, warmupRuns, benchRuns, store, modelName, prompt, cfg); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			if draftName != "" {
				draft, err := rt.Compile(ctx, draftName, dev)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: compile draft: %v", err), 1)
				}
				defer func() { _ = draft.Close() }()

				coord := speculative.New(draft, target, tok, log)
				specCfg := speculative.Config{Config: cfg, Lookahead: int(lookahead)}
				spec := func(ctx context.Context) (*generate.Result, error) {
					return coord.Generate(ctx, prompt, specCfg, nil)
				}
				fmt.Println()
				if err := benchMode(ctx, "speculative", spec, warmupRuns, benchRuns, store, modelName, prompt, cfg); err != nil {
					return cli.Exit(fmt.Sprintf("error: %v", err), 1)
				}
			}
			return nil
		},
	}
}

func benchMode(ctx context.Context, mode string,
	gen func(context.Context) (*generate.Result, error),
	warmup, runs int64, store *runlog.Store, model, prompt string, cfg generate.Config,
) error {
	for i := range int(warmup) {
		if _, err := gen(ctx); err != nil {
			return fmt.Errorf("%s warmup run %d: %w", mode, i+1, err)
		}
	}

	var (
		genTokens int
		genTime   time.Duration
		promptTPS float64
		accepted  int
		proposed  int
	)
	for i := range int(runs) {
		res, err := gen(ctx)
		if err != nil {
			return fmt.Errorf("%s run %d: %w", mode, i+1, err)
		}
		s := res.Stats
		genTokens += s.GeneratedTokens
		genTime += s.Generation
		promptTPS += s.PromptTPS
		accepted += s.Accepted
		proposed += s.Proposed
		fmt.Printf("%-12s run %d: %3d tokens, %7.1f tok/s gen, %7.1f tok/s prompt",
			mode, i+1, s.GeneratedTokens, s.GenerationTPS, s.PromptTPS)
		if s.Proposed > 0 {
			fmt.Printf(", %3.0f%% accepted", s.AcceptanceRate*100)
		}
		fmt.Println()

		if store != nil {
			if _, err := store.RecordResult(model, mode, prompt, cfg, res); err != nil {
				return fmt.Errorf("record %s run: %w", mode, err)
			}
		}
	}

	if runs > 0 && genTime > 0 {
		fmt.Printf("%-12s mean: %.1f tok/s gen, %.1f tok/s prompt",
			mode, float64(genTokens)/genTime.Seconds(), promptTPS/float64(runs))
		if proposed > 0 {
			fmt.Printf(", %.0f%% accepted overall", 100*float64(accepted)/float64(proposed))
		}
		fmt.Println()
	}
	return nil
}
