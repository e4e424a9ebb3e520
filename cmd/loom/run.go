package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/loom/internal/backend"
	"github.com/samcharles93/loom/internal/backend/sim"
	"github.com/samcharles93/loom/internal/generate"
	"github.com/samcharles93/loom/internal/logger"
	"github.com/samcharles93/loom/internal/runlog"
	"github.com/samcharles93/loom/internal/speculative"
	"github.com/samcharles93/loom/internal/tokenizer"
)

func runCmd() *cli.Command {
	var (
		prompt        string
		temp          float64
		topK          int64
		topP          float64
		repeatPenalty float64
		repeatLastN   int64
		maxNewTokens  int64
		seed          int64
		greedy        bool
		lookahead     int64
		streamMode    string
		rawOutput     bool
		showStats     bool
		runlogPath    string
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (omit for interactive mode)",
			Destination: &prompt,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature",
			Value:       0.2,
			Destination: &temp,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k"},
			Usage:       "top-k sampling parameter (0 disables)",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p"},
			Usage:       "top-p (nucleus) sampling parameter",
			Value:       0.9,
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Usage:       "repetition penalty (1.0 disables)",
			Value:       1.1,
			Destination: &repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Usage:       "how many recent tokens the repetition penalty covers",
			Value:       32,
			Destination: &repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Aliases:     []string{"steps", "n"},
			Usage:       "max tokens to generate per run",
			Value:       512,
			Destination: &maxNewTokens,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampler seed (-1 = time-derived)",
			Value:       -1,
			Destination: &seed,
		},
		&cli.BoolFlag{
			Name:        "greedy",
			Usage:       "disable sampling, always pick the arg-max token",
			Destination: &greedy,
		},
		&cli.Int64Flag{
			Name:        "lookahead",
			Usage:       "draft tokens proposed per speculative round",
			Value:       5,
			Destination: &lookahead,
		},
		&cli.StringFlag{
			Name:        "stream-mode",
			Usage:       "output mode (instant, typewriter, quiet)",
			Value:       string(StreamInstant),
			Destination: &streamMode,
		},
		&cli.BoolFlag{
			Name:        "raw",
			Usage:       "escape control characters in output",
			Destination: &rawOutput,
		},
		&cli.BoolFlag{
			Name:        "stats",
			Usage:       "print per-run statistics to stderr",
			Value:       true,
			Destination: &showStats,
		},
		&cli.StringFlag{
			Name:        "runlog",
			Usage:       "record runs to a sqlite runlog at this path",
			Destination: &runlogPath,
		},
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt, optionally with speculative decoding",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logger.FromContext(ctx)

			fileCfg := loadFileConfig()
			applyModelConfig(c, fileCfg)
			applySamplingConfig(c, fileCfg, &temp, &topK, &topP, &repeatPenalty,
				&repeatLastN, &maxNewTokens, &seed)
			if fileCfg.Lookahead != nil && !c.IsSet("lookahead") {
				lookahead = *fileCfg.Lookahead
			}
			if fileCfg.StreamMode != "" && !c.IsSet("stream-mode") {
				streamMode = fileCfg.StreamMode
			}
			if fileCfg.RunLog != "" && !c.IsSet("runlog") {
				runlogPath = fileCfg.RunLog
			}

			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			dev, err := backend.NormalizeDevice(device)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			cfg := generate.DefaultConfig()
			cfg.DoSample = !greedy
			cfg.Temperature = temp
			cfg.TopK = int(topK)
			cfg.TopP = topP
			cfg.RepeatPenalty = repeatPenalty
			cfg.RepeatLastN = int(repeatLastN)
			cfg.MaxNewTokens = int(maxNewTokens)
			cfg.ContextLimit = int(contextLimit)
			cfg.Seed = seed
			if err := cfg.Validate(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			var store *runlog.Store
			if runlogPath != "" {
				store, err = runlog.Open(runlogPath)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: open runlog: %v", err), 1)
				}
				defer func() { _ = store.Close() }()
			}

			rt := sim.New(sim.Config{}, log)
			tok := tokenizer.NewByte()

			runMode := "plain"
			var gen func(ctx context.Context, prompt string, onToken generate.TokenFunc) (*generate.Result, error)
			var reset func() error

			if draftName != "" {
				runMode = "speculative"
				target, err := rt.Compile(ctx, modelName, dev)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: compile target: %v", err), 1)
				}
				defer func() { _ = target.Close() }()
				draft, err := rt.Compile(ctx, draftName, dev)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: compile draft: %v", err), 1)
				}
				defer func() { _ = draft.Close() }()

				coord := speculative.New(draft, target, tok, log)
				specCfg := speculative.Config{Config: cfg, Lookahead: int(lookahead)}
				gen = func(ctx context.Context, prompt string, onToken generate.TokenFunc) (*generate.Result, error) {
					return coord.Generate(ctx, prompt, specCfg, onToken)
				}
				reset = func() error {
					if err := draft.Reset(); err != nil {
						return err
					}
					return target.Reset()
				}
			} else {
				engine := generate.NewEngine(rt, tok, log)
				if err := engine.Load(ctx, modelName, dev); err != nil {
					return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
				}
				defer func() { _ = engine.Unload() }()
				gen = func(ctx context.Context, prompt string, onToken generate.TokenFunc) (*generate.Result, error) {
					return engine.Generate(ctx, prompt, cfg, onToken)
				}
				reset = engine.Reset
			}

			interactive := prompt == ""
			if interactive {
				fmt.Fprintln(os.Stderr, "Interactive mode. /exit to quit, /reset to clear state, /stats for the last run.")
			}

			var last *generate.Result
			for {
				input := prompt
				if interactive {
					line, err := readInteractiveLine("> ")
					if err != nil {
						if errors.Is(err, io.EOF) {
							return nil
						}
						return cli.Exit(fmt.Sprintf("error: read input: %v", err), 1)
					}
					trimmed := strings.TrimSpace(line)
					switch trimmed {
					case "":
						continue
					case "/exit":
						return nil
					case "/reset":
						if err := reset(); err != nil {
							fmt.Fprintln(os.Stderr, "error: reset:", err)
						}
						continue
					case "/stats":
						if last == nil {
							fmt.Fprintln(os.Stderr, "no runs yet")
						} else {
							printStats(last)
						}
						continue
					}
					input = trimmed
				}

				// Ctrl+C during a run cancels that run and surfaces the
				// partial result instead of killing the process.
				runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
				w := NewStreamWriter(mode, rawOutput)
				res, err := gen(runCtx, input, func(id int, text string) bool {
					w.Write(text)
					return true
				})
				stop()
				w.Flush()
				fmt.Println()
				if err != nil {
					if !interactive {
						return cli.Exit(fmt.Sprintf("error: generation: %v", err), 1)
					}
					fmt.Fprintln(os.Stderr, "error: generation:", err)
					if err := reset(); err != nil {
						fmt.Fprintln(os.Stderr, "error: reset:", err)
					}
					continue
				}

				last = res
				if showStats {
					printStats(res)
				}
				if store != nil {
					if _, err := store.RecordResult(modelName, runMode, input, cfg, res); err != nil {
						log.Warn("runlog record failed", "error", err)
					}
				}
				if !interactive {
					return nil
				}
			}
		},
	}
}

func printStats(res *generate.Result) {
	s := res.Stats
	fmt.Fprintf(os.Stderr, "Stats: %d prompt tokens (%.1f tok/s), %d generated (%.1f tok/s), finish=%s",
		s.PromptTokens, s.PromptTPS, s.GeneratedTokens, s.GenerationTPS, res.FinishReason)
	if s.Proposed > 0 {
		fmt.Fprintf(os.Stderr, ", accepted %d/%d (%.0f%%)",
			s.Accepted, s.Proposed, s.AcceptanceRate*100)
	}
	fmt.Fprintln(os.Stderr)
}
