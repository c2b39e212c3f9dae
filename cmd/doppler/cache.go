package main

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/urfave/cli/v3"

	"github.com/clocksmith/doppler/internal/kvcache"
	"github.com/clocksmith/doppler/internal/logger"
)

// cacheCmd fills a cache with random entries and reports its footprint,
// which makes layout and tiering settings easy to compare without a model.
func cacheCmd() *cli.Command {
	var (
		tokens int64
		chunk  int64
	)

	return &cli.Command{
		Name:  "cache",
		Usage: "Build a KV cache from the current settings, fill it and print memory stats",
		Flags: concat(modelFlags(), cacheFlags(), []cli.Flag{
			&cli.Int64Flag{
				Name:        "tokens",
				Usage:       "positions to write",
				Value:       256,
				Destination: &tokens,
			},
			&cli.Int64Flag{
				Name:        "chunk",
				Usage:       "positions per update",
				Value:       16,
				Destination: &chunk,
			},
		}),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if chunk <= 0 {
				return fmt.Errorf("--chunk must be positive")
			}
			applyModelConfig(cmd, fileConfig)
			cfg, err := modelDescription()
			if err != nil {
				return err
			}
			opts, err := cacheOptions(cmd, fileConfig, cfg)
			if err != nil {
				return err
			}

			dev, pool, k := device()
			defer func() { _ = dev.Close() }()
			cache, err := kvcache.NewFromOptions(dev, pool, opts, k, log)
			if err != nil {
				return err
			}
			defer cache.Release()

			if err := fill(cache, int(tokens), int(chunk), modelSeed); err != nil {
				return err
			}
			fp, err := kvcache.Fingerprint(ctx, cache)
			if err != nil {
				return err
			}

			c := cache.Config()
			st := cache.MemoryStats()
			fmt.Printf("Layout:      %s\n", st.Kind)
			fmt.Printf("Shape:       %d layers x %d heads x %d dims, %s\n", c.NumLayers, c.NumHeads, c.HeadDim, c.DType)
			fmt.Printf("Resident:    %s\n", residency(st.DeviceResident))
			fmt.Printf("Seq len:     %d of %d (%d seen)\n", st.SeqLen, c.MaxSeqLen, st.TotalTokens)
			if st.AllocatedPages > 0 {
				fmt.Printf("Pages:       %d of %d\n", st.AllocatedPages, c.MaxPages())
			}
			fmt.Printf("Reserved:    %.2f MiB\n", mib(st.ReservedBytes))
			fmt.Printf("Used:        %.2f MiB\n", mib(st.UsedBytes))
			fmt.Printf("Fingerprint: %016x\n", fp)
			return nil
		},
	}
}

// fill writes n random positions to every layer in chunks.
func fill(cache kvcache.Cache, n, chunk int, seed uint64) error {
	c := cache.Config()
	r := rand.New(rand.NewPCG(seed, 0))
	for start := 0; start < n; start += chunk {
		m := min(chunk, n-start)
		for layer := range c.NumLayers {
			keys := make(kvcache.HostData, m*c.KVSize())
			values := make(kvcache.HostData, m*c.KVSize())
			for i := range keys {
				keys[i] = r.Float32()*2 - 1
				values[i] = r.Float32()*2 - 1
			}
			if err := cache.Update(layer, keys, values, start); err != nil {
				return fmt.Errorf("layer %d at %d: %w", layer, start, err)
			}
		}
	}
	return nil
}

func residency(device bool) string {
	if device {
		return "device"
	}
	return "host"
}

func mib(b int64) float64 { return float64(b) / (1 << 20) }
