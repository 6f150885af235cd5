package main

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/avq/internal/store"
	"github.com/samcharles93/avq/internal/tensor"
)

func benchCmd() *cli.Command {
	var (
		layerName  string
		batch      int64
		warmupRuns int64
		benchRuns  int64
		workers    int64
		seed       int64
	)

	flags := append(artifactFlags(),
		&cli.StringFlag{
			Name:        "layer",
			Usage:       "layer to benchmark (default: every layer)",
			Destination: &layerName,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Usage:       "input rows per product",
			Value:       1,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       3,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of timed runs",
			Value:       10,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Usage:       "worker count (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "rng seed for the activation batch",
			Value:       1,
			Destination: &seed,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Benchmark quantized products against an artifact",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			loadStart := time.Now()
			m, err := store.Load(artifactPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load artifact: %v", err), 1)
			}
			loadDuration := time.Since(loadStart)

			layers := m.Layers
			if layerName != "" {
				q, ok := m.Layer(layerName)
				if !ok {
					return cli.Exit(fmt.Sprintf("error: unknown layer %q", layerName), 1)
				}
				layers = []store.Layer{{Name: layerName, Q: q}}
			}

			tctx := tensor.NewCtx(int(workers))
			fmt.Println("=== avq bench ===")
			fmt.Printf("Artifact:   %s\n", artifactPath)
			fmt.Printf("Model:      %s\n", m.Info.Name)
			fmt.Printf("CPUs:       %d (workers %d)\n", runtime.NumCPU(), tctx.Workers())
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Batch:      %d\n", batch)
			fmt.Printf("Runs:       %d (+%d warmup)\n", benchRuns, warmupRuns)
			fmt.Println()

			for _, l := range layers {
				if err := benchLayer(tctx, l, int(batch), int(warmupRuns), int(benchRuns), seed); err != nil {
					return cli.Exit(fmt.Sprintf("error: bench %s: %v", l.Name, err), 1)
				}
			}
			return nil
		},
	}
}

func benchLayer(ctx *tensor.Ctx, l store.Layer, batch, warmup, runs int, seed int64) error {
	q := l.Q
	in := tensor.NewMat(batch, q.InFeatures())
	tensor.FillRand(&in, seed)
	if q.DType() != in.DType {
		// Bench in f32 regardless of calibration dtype.
		q.SetDType(in.DType)
	}

	for i := 0; i < warmup; i++ {
		if _, err := tensor.MatMat(ctx, q, &in); err != nil {
			return err
		}
	}

	times := make([]time.Duration, 0, runs)
	for i := 0; i < runs; i++ {
		start := time.Now()
		if _, err := tensor.MatMat(ctx, q, &in); err != nil {
			return err
		}
		times = append(times, time.Since(start))
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	median := times[len(times)/2]
	best := times[0]
	// Two flops per reconstructed weight element touched.
	flops := 2 * float64(batch) * float64(q.OutFeatures()) * float64(q.InFeatures())
	gflops := flops / median.Seconds() / 1e9

	fmt.Printf("%-32s %s %5dx%-5d  median %-10s best %-10s %7.2f GFLOP/s\n",
		l.Name, q.Scheme(), q.OutFeatures(), q.InFeatures(),
		median.Round(time.Microsecond), best.Round(time.Microsecond), gflops)
	return nil
}
