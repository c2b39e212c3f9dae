package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/clocksmith/doppler/internal/logger"
	"github.com/clocksmith/doppler/internal/pipeline"
)

func runCmd() *cli.Command {
	var (
		prompt     string
		streamMode string
		raw        bool
		showStats  bool
		cpuProfile string
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt, or chat interactively when no prompt is given",
		Flags: concat(modelFlags(), cacheFlags(), pipelineFlags(), samplingFlags(), []cli.Flag{
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Destination: &prompt,
			},
			&cli.StringFlag{
				Name:        "stream-mode",
				Usage:       "output mode: instant, smooth or quiet",
				Value:       string(StreamInstant),
				Destination: &streamMode,
			},
			&cli.BoolFlag{
				Name:        "raw",
				Usage:       "escape control characters and invalid bytes in the output",
				Destination: &raw,
			},
			&cli.BoolFlag{
				Name:        "stats",
				Usage:       "print generation stats to stderr",
				Value:       true,
				Destination: &showStats,
			},
			&cli.StringFlag{
				Name:        "cpuprofile",
				Usage:       "write a CPU profile to this file",
				Destination: &cpuProfile,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			mode, err := parseStreamMode(streamMode)
			if err != nil {
				return err
			}
			if cpuProfile != "" {
				f, err := os.Create(cpuProfile)
				if err != nil {
					return fmt.Errorf("create cpu profile: %w", err)
				}
				defer func() { _ = f.Close() }()
				if err := pprof.StartCPUProfile(f); err != nil {
					return fmt.Errorf("start cpu profile: %w", err)
				}
				defer pprof.StopCPUProfile()
			}

			e, err := openEngine(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() {
				if err := e.Close(); err != nil {
					logger.FromContext(ctx).Warn("close engine", "error", err)
				}
			}()

			opts := pipeline.GenerateOptions{
				MaxTokens:     maxTokensFor(cmd, fileConfig),
				Sampling:      samplingConfig(cmd, fileConfig),
				StopSequences: stopSeqs,
			}

			if prompt == "" && term.IsTerminal(int(os.Stdin.Fd())) {
				return interactive(ctx, e.pipeline, opts, mode, raw, showStats)
			}
			if prompt == "" {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read prompt: %w", err)
				}
				prompt = strings.TrimRight(string(b), "\n")
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()
			_, stats, err := generate(ctx, e.pipeline, prompt, opts, NewStreamWriter(os.Stdout, mode, raw))
			fmt.Println()
			if showStats {
				printStats(os.Stderr, stats)
			}
			return err
		},
	}
}

// generate streams one generation into w and returns its text with any
// stop sequence removed.
func generate(ctx context.Context, p *pipeline.Pipeline, prompt string, opts pipeline.GenerateOptions, w *StreamWriter) (string, pipeline.Stats, error) {
	gen, err := p.Generate(ctx, prompt, opts)
	if err != nil {
		return "", pipeline.Stats{}, err
	}
	defer gen.Close()
	for frag, err := range gen.Fragments() {
		if err != nil {
			w.Flush()
			if errors.Is(err, context.Canceled) {
				return gen.Text(), gen.Stats(), nil
			}
			return gen.Text(), gen.Stats(), err
		}
		w.Write(frag)
	}
	w.Flush()
	return gen.Text(), gen.Stats(), nil
}

// interactive reads prompts line by line until /exit or EOF. The cache
// keeps the whole conversation, so each turn only prefills the new text.
func interactive(ctx context.Context, p *pipeline.Pipeline, opts pipeline.GenerateOptions, mode StreamMode, raw, showStats bool) error {
	fd := int(os.Stdin.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("enter raw mode: %w", err)
	}
	defer func() { _ = term.Restore(fd, state) }()

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "> ")
	_, _ = fmt.Fprintln(t, "Interactive mode. Type /exit to quit, /reset to clear the cache.")

	var transcript strings.Builder
	for {
		line, err := t.ReadLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch strings.TrimSpace(line) {
		case "":
			continue
		case "/exit":
			return nil
		case "/reset":
			if err := p.Reset(); err != nil {
				_, _ = fmt.Fprintf(t, "reset: %v\n", err)
			}
			transcript.Reset()
			continue
		}

		transcript.WriteString(line)
		transcript.WriteString("\n")
		text, stats, err := generate(ctx, p, transcript.String(), opts, NewStreamWriter(t, mode, raw))
		_, _ = fmt.Fprintln(t)
		if err != nil {
			_, _ = fmt.Fprintf(t, "error: %v\n", err)
			transcript.Reset()
			continue
		}
		// The next turn re-sends the whole conversation; prefix reuse
		// skips everything already in the cache.
		transcript.WriteString(text)
		transcript.WriteString("\n")
		if showStats {
			printStats(t, stats)
		}
	}
}

func printStats(w io.Writer, s pipeline.Stats) {
	_, _ = fmt.Fprintf(w, "Prompt      : %d tokens (%d prefilled) in %s\n", s.PromptTokens, s.PrefillTokens, s.Prefill.Round(time.Microsecond))
	_, _ = fmt.Fprintf(w, "First token : %.1fms\n", float64(s.TimeToFirstToken.Microseconds())/1000)
	_, _ = fmt.Fprintf(w, "Generated   : %d tokens (%.2f tok/s)\n", s.GeneratedTokens, s.TokensPerSecond)
	_, _ = fmt.Fprintf(w, "Decode path : %d fused, %d fallback, %.2f syncs/step\n", s.FusedSteps, s.FallbackSteps, s.SyncPointsPerStep())
	_, _ = fmt.Fprintf(w, "Finish      : %s\n", s.FinishReason)
}
