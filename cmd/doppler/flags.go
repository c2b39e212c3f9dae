package main

import "github.com/urfave/cli/v3"

var (
	configPath   string
	logLevel     string
	logFormat    string
	debug        bool
	noReadback   bool
	modelConfig  string
	modelSeed    uint64
	weightsDType string
	maxSeqLen    int64

	cacheLayout string
	kvDType     string
	pageSize    int64
	windowSize  int64
	hotWindow   int64
	compression string
	gating      string
	gatingRatio float64
	cacheOnHost bool

	debugLayers      []int64
	noBatchPrefill   bool
	fusedPenaltySkip bool
	profile          bool
	noDeviceSampling bool
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml",
			Value:       defaultConfigPath(),
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
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

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-config",
			Aliases:     []string{"m"},
			Usage:       "model config.json; synthetic weights are generated for it (default: built-in synthetic model)",
			Destination: &modelConfig,
		},
		&cli.Uint64Flag{
			Name:        "model-seed",
			Usage:       "seed for synthetic weights",
			Value:       1,
			Destination: &modelSeed,
		},
		&cli.StringFlag{
			Name:        "weights-dtype",
			Usage:       "weight storage type (f16, f32)",
			Value:       "f32",
			Destination: &weightsDType,
		},
		&cli.Int64Flag{
			Name:        "max-seq-len",
			Aliases:     []string{"max-context", "ctx", "c"},
			Usage:       "KV cache capacity in positions",
			Value:       2048,
			Destination: &maxSeqLen,
		},
		&cli.BoolFlag{
			Name:        "no-readback",
			Usage:       "disallow device readback (generation will fail; for testing the policy)",
			Destination: &noReadback,
		},
	}
}

func cacheFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "cache-layout",
			Usage:       "KV cache layout (contiguous, paged, tiered)",
			Value:       "contiguous",
			Destination: &cacheLayout,
		},
		&cli.StringFlag{
			Name:        "kv-dtype",
			Usage:       "KV cache element type (f16, f32)",
			Value:       "f16",
			Destination: &kvDType,
		},
		&cli.Int64Flag{
			Name:        "page-size",
			Usage:       "positions per page for the paged layout",
			Value:       16,
			Destination: &pageSize,
		},
		&cli.Int64Flag{
			Name:        "window",
			Usage:       "sliding window size for the contiguous layout (0 = unbounded)",
			Destination: &windowSize,
		},
		&cli.Int64Flag{
			Name:        "hot-window",
			Usage:       "hot tier size for the tiered layout",
			Value:       256,
			Destination: &hotWindow,
		},
		&cli.StringFlag{
			Name:        "compression",
			Usage:       "cold tier compression for the tiered layout (none, int8, int4)",
			Value:       "none",
			Destination: &compression,
		},
		&cli.StringFlag{
			Name:        "gating",
			Usage:       "cold tier compression gating (force_off, force_on, auto)",
			Value:       "force_off",
			Destination: &gating,
		},
		&cli.Float64Flag{
			Name:        "min-compute-bandwidth-ratio",
			Usage:       "auto gating threshold in FLOPs per byte",
			Value:       8,
			Destination: &gatingRatio,
		},
		&cli.BoolFlag{
			Name:        "cache-on-host",
			Usage:       "keep the cache in host memory (only the cache command accepts this)",
			Destination: &cacheOnHost,
		},
	}
}

func pipelineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64SliceFlag{
			Name:        "debug-layers",
			Usage:       "layers whose hidden state is read back during prefill",
			Destination: &debugLayers,
		},
		&cli.BoolFlag{
			Name:        "no-batch-prefill",
			Usage:       "submit prefill layer by layer",
			Destination: &noBatchPrefill,
		},
		&cli.BoolFlag{
			Name:        "fused-penalty-skip",
			Usage:       "allow fused decode to skip the repetition penalty",
			Destination: &fusedPenaltySkip,
		},
		&cli.BoolFlag{
			Name:        "profile",
			Usage:       "log per-operation timings at debug level",
			Destination: &profile,
		},
		&cli.BoolFlag{
			Name:        "no-device-sampling",
			Usage:       "hide device sampling so non-greedy decode samples on the host",
			Destination: &noDeviceSampling,
		},
	}
}

var (
	maxTokens     int64
	temperature   float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	seed          uint64
	stopSeqs      []string
)

func samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-tokens",
			Aliases:     []string{"n", "steps"},
			Usage:       "tokens to generate",
			Value:       128,
			Destination: &maxTokens,
		},
		&cli.Float64Flag{
			Name:        "temp",
			Aliases:     []string{"temperature", "t"},
			Usage:       "sampling temperature (below 0.01 is greedy)",
			Value:       0.8,
			Destination: &temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling parameter",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "top-p sampling parameter",
			Value:       0.95,
			Destination: &topP,
		},
		&cli.Float64Flag{
			Name:        "min-p",
			Usage:       "min-p sampling parameter (0 = disabled)",
			Destination: &minP,
		},
		&cli.Float64Flag{
			Name:        "repeat-penalty",
			Usage:       "repetition penalty (1.0 = disabled)",
			Value:       1.0,
			Destination: &repeatPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Usage:       "last n tokens to penalize",
			Value:       64,
			Destination: &repeatLastN,
		},
		&cli.Uint64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed",
			Value:       42,
			Destination: &seed,
		},
		&cli.StringSliceFlag{
			Name:        "stop",
			Usage:       "stop sequence (repeatable)",
			Destination: &stopSeqs,
		},
	}
}

func concat(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
