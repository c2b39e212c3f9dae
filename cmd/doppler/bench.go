package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"github.com/clocksmith/doppler/internal/logger"
	"github.com/clocksmith/doppler/internal/pipeline"
)

// benchRun is one measured generation.
type benchRun struct {
	PromptTokens     int     `json:"prompt_tokens"`
	PrefillTokens    int     `json:"prefill_tokens"`
	GeneratedTokens  int     `json:"generated_tokens"`
	PrefillMillis    float64 `json:"prefill_ms"`
	TTFTMillis       float64 `json:"ttft_ms"`
	DecodeMillis     float64 `json:"decode_ms"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
	FusedSteps       int     `json:"fused_steps"`
	FallbackSteps    int     `json:"fallback_steps"`
	SyncPointsPerRun float64 `json:"sync_points_per_step"`
	FinishReason     string  `json:"finish_reason"`
}

type benchReport struct {
	Layout     string     `json:"cache_layout"`
	Layers     int        `json:"layers"`
	Vocab      int        `json:"vocab_size"`
	MaxTokens  int        `json:"max_tokens"`
	Warmup     int        `json:"warmup"`
	Reuse      bool       `json:"reuse_prefix"`
	GOMAXPROCS int        `json:"gomaxprocs"`
	Runs       []benchRun `json:"runs"`
	AvgTPS     float64    `json:"avg_tokens_per_second"`
	AvgTTFT    float64    `json:"avg_ttft_ms"`
}

func benchCmd() *cli.Command {
	var (
		prompt     string
		promptLen  int64
		warmupRuns int64
		benchRuns  int64
		reuse      bool
		jsonOut    string
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure prefill and decode throughput",
		Flags: concat(modelFlags(), cacheFlags(), pipelineFlags(), samplingFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text (default: a generated prompt of --prompt-len bytes)",
				Destination: &prompt,
			},
			&cli.Int64Flag{
				Name:        "prompt-len",
				Usage:       "length of the generated prompt",
				Value:       64,
				Destination: &promptLen,
			},
			&cli.Int64Flag{
				Name:        "warmup",
				Usage:       "number of warmup runs",
				Value:       1,
				Destination: &warmupRuns,
			},
			&cli.Int64Flag{
				Name:        "runs",
				Usage:       "number of measured runs",
				Value:       3,
				Destination: &benchRuns,
			},
			&cli.BoolFlag{
				Name:        "reuse",
				Usage:       "keep the cache between runs so the prompt prefix is reused",
				Destination: &reuse,
			},
			&cli.StringFlag{
				Name:        "json",
				Usage:       "write a JSON report to this file",
				Destination: &jsonOut,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if benchRuns <= 0 {
				return fmt.Errorf("--runs must be positive")
			}
			if prompt == "" {
				prompt = benchPrompt(int(promptLen))
			}

			loadStart := time.Now()
			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := e.Close(); err != nil {
					log.Warn("close engine", "error", err)
				}
			}()
			loadDuration := time.Since(loadStart)

			opts := pipeline.GenerateOptions{
				MaxTokens:     maxTokensFor(cmd, fileConfig),
				Sampling:      samplingConfig(cmd, fileConfig),
				StopSequences: stopSeqs,
			}
			report := benchReport{
				Layout:     e.pipeline.Cache().Kind(),
				Layers:     e.cfg.NumLayers,
				Vocab:      e.cfg.VocabSize,
				MaxTokens:  opts.MaxTokens,
				Warmup:     int(warmupRuns),
				Reuse:      reuse,
				GOMAXPROCS: runtime.GOMAXPROCS(0),
			}

			fmt.Printf("Model:      %d layers, hidden %d, vocab %d\n", e.cfg.NumLayers, e.cfg.HiddenSize, e.cfg.VocabSize)
			fmt.Printf("Cache:      %s\n", report.Layout)
			fmt.Printf("GOMAXPROCS: %d\n", report.GOMAXPROCS)
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Max tokens: %d\n", opts.MaxTokens)
			fmt.Printf("Warmup:     %d runs\n", warmupRuns)
			fmt.Printf("Runs:       %d\n\n", benchRuns)

			bar := progressbar.NewOptions(int(warmupRuns+benchRuns),
				progressbar.OptionSetDescription("Benchmarking"),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionClearOnFinish(),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)
			for i := range warmupRuns + benchRuns {
				if !reuse {
					if err := e.pipeline.Reset(); err != nil {
						return err
					}
				}
				stats, err := benchOnce(ctx, e.pipeline, prompt, opts)
				if err != nil {
					return fmt.Errorf("run %d: %w", i+1, err)
				}
				if i >= warmupRuns {
					report.Runs = append(report.Runs, stats)
					bar.Describe(fmt.Sprintf("Benchmarking [%.1f tok/s]", stats.TokensPerSecond))
				}
				_ = bar.Add(1)
			}
			_ = bar.Finish()

			printBenchTable(&report)
			if jsonOut != "" {
				b, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(jsonOut, b, 0o644); err != nil {
					return fmt.Errorf("write report: %w", err)
				}
				log.Info("wrote benchmark report", "path", jsonOut)
			}
			return nil
		},
	}
}

func benchOnce(ctx context.Context, p *pipeline.Pipeline, prompt string, opts pipeline.GenerateOptions) (benchRun, error) {
	gen, err := p.Generate(ctx, prompt, opts)
	if err != nil {
		return benchRun{}, err
	}
	if _, err := gen.Collect(); err != nil {
		return benchRun{}, err
	}
	s := gen.Stats()
	return benchRun{
		PromptTokens:     s.PromptTokens,
		PrefillTokens:    s.PrefillTokens,
		GeneratedTokens:  s.GeneratedTokens,
		PrefillMillis:    millis(s.Prefill),
		TTFTMillis:       millis(s.TimeToFirstToken),
		DecodeMillis:     millis(s.Decode),
		TokensPerSecond:  s.TokensPerSecond,
		FusedSteps:       s.FusedSteps,
		FallbackSteps:    s.FallbackSteps,
		SyncPointsPerRun: s.SyncPointsPerStep(),
		FinishReason:     string(s.FinishReason),
	}, nil
}

func printBenchTable(r *benchReport) {
	fmt.Printf("%-5s %8s %8s %10s %10s %6s %10s %8s %s\n", "Run", "Prompt", "Prefill", "Prefill", "TTFT", "Gen", "Decode", "Syncs", "Finish")
	fmt.Printf("%-5s %8s %8s %10s %10s %6s %10s %8s\n", "---", "tok", "tok", "ms", "ms", "tok", "tok/s", "/step")
	var sumTPS, sumTTFT float64
	for i, run := range r.Runs {
		fmt.Printf("%-5d %8d %8d %10.2f %10.2f %6d %10.2f %8.2f %s\n",
			i+1, run.PromptTokens, run.PrefillTokens, run.PrefillMillis, run.TTFTMillis,
			run.GeneratedTokens, run.TokensPerSecond, run.SyncPointsPerRun, run.FinishReason)
		sumTPS += run.TokensPerSecond
		sumTTFT += run.TTFTMillis
	}
	n := float64(len(r.Runs))
	r.AvgTPS = sumTPS / n
	r.AvgTTFT = sumTTFT / n
	var gen int
	for _, run := range r.Runs {
		gen += run.GeneratedTokens
	}
	fmt.Printf("\nFirst token : %.2fms\n", r.AvgTTFT)
	fmt.Printf("Generated : %d tokens (%.2f tok/s)\n", gen/len(r.Runs), r.AvgTPS)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Printf("Memory: %.1f MB alloc, %.1f MB sys\n", float64(m.Alloc)/(1<<20), float64(m.Sys)/(1<<20))
}

// benchPrompt builds a deterministic ASCII prompt of n bytes.
func benchPrompt(n int) string {
	const words = "the quick brown fox jumps over the lazy dog "
	if n <= 0 {
		n = len(words)
	}
	return strings.Repeat(words, n/len(words)+1)[:n]
}

func millis(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
