package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/avq/internal/store"
	"github.com/samcharles93/avq/internal/tensor"
	"github.com/samcharles93/avq/pkg/avf"
)

func packCmd() *cli.Command {
	var (
		output      string
		name        string
		layerCount  int64
		outFeatures int64
		inFeatures  int64
		groupSize   int64
		codebooks   int64
		bits        int64
		dtypeName   string
		seed        int64
	)

	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "path of the .avf file to write",
			Destination: &output,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "model name recorded in the artifact",
			Value:       "synthetic",
			Destination: &name,
		},
		&cli.Int64Flag{
			Name:        "layers",
			Usage:       "number of layers to generate",
			Value:       4,
			Destination: &layerCount,
		},
		&cli.Int64Flag{
			Name:        "out-features",
			Usage:       "output features per layer",
			Value:       512,
			Destination: &outFeatures,
		},
		&cli.Int64Flag{
			Name:        "in-features",
			Usage:       "input features per layer",
			Value:       2048,
			Destination: &inFeatures,
		},
		&cli.Int64Flag{
			Name:        "group-size",
			Usage:       "input elements per code group",
			Value:       8,
			Destination: &groupSize,
		},
		&cli.Int64Flag{
			Name:        "codebooks",
			Usage:       "codebooks per group",
			Value:       2,
			Destination: &codebooks,
		},
		&cli.Int64Flag{
			Name:        "bits",
			Usage:       "bits per codebook index",
			Value:       8,
			Destination: &bits,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "element dtype for codebooks and scales (f32, f16, bf16)",
			Value:       "f32",
			Destination: &dtypeName,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "rng seed",
			Value:       1,
			Destination: &seed,
		},
	}, loggingFlags()...)

	return &cli.Command{
		Name:  "pack",
		Usage: "Generate a synthetic quantized artifact for testing and benchmarks",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := buildLogger()

			dt, err := parseDType(dtypeName)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			start := time.Now()
			rng := rand.New(rand.NewSource(seed))
			layers := make([]store.Layer, 0, layerCount)
			for i := int64(0); i < layerCount; i++ {
				q, err := synthLayer(rng, int(outFeatures), int(inFeatures),
					int(groupSize), int(codebooks), int(bits), dt)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: generate layer %d: %v", i, err), 1)
				}
				layers = append(layers, store.Layer{
					Name: fmt.Sprintf("blk.%d.weight", i),
					Q:    q,
				})
			}

			info := avf.NewModelInfo(name, "avq pack")
			if err := store.Save(output, info, layers); err != nil {
				return cli.Exit(fmt.Sprintf("error: write artifact: %v", err), 1)
			}

			log.Info("artifact written",
				"path", output,
				"id", info.ID,
				"layers", len(layers),
				"scheme", layers[0].Q.Scheme().String(),
				"dtype", dt.String(),
				"elapsed", time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}

func synthLayer(rng *rand.Rand, out, in, gs, nc, bits int, dt avf.TensorDType) (*tensor.Quantized, error) {
	entries := 1 << bits
	groups := in / gs

	books := make([]float32, nc*entries*gs)
	for i := range books {
		books[i] = snap(dt, (rng.Float32()*2-1)*0.1)
	}
	codes := make([]uint16, out*groups*nc)
	for i := range codes {
		codes[i] = uint16(rng.Intn(entries))
	}
	scales := make([]float32, out)
	for i := range scales {
		scales[i] = snap(dt, rng.Float32()+0.5)
	}

	q, err := tensor.NewQuantized(out, in, gs, nc, bits, books, codes, scales)
	if err != nil {
		return nil, err
	}
	q.SetDType(dt)
	return q, nil
}

// snap rounds a value to the target dtype so the written artifact holds
// exactly representable elements.
func snap(dt avf.TensorDType, v float32) float32 {
	switch dt {
	case avf.DTypeF16:
		return tensor.Float16ToFloat32(tensor.Float32ToFloat16(v))
	case avf.DTypeBF16:
		u := math.Float32bits(v)
		rnd := uint32(0x7FFF + ((u >> 16) & 1))
		return math.Float32frombits(uint32(uint16((u+rnd)>>16)) << 16)
	default:
		return v
	}
}

func parseDType(s string) (avf.TensorDType, error) {
	switch strings.ToLower(s) {
	case "f32", "fp32", "float32":
		return avf.DTypeF32, nil
	case "f16", "fp16", "float16":
		return avf.DTypeF16, nil
	case "bf16", "bfloat16":
		return avf.DTypeBF16, nil
	default:
		return avf.DTypeUnknown, fmt.Errorf("unknown dtype %q", s)
	}
}
