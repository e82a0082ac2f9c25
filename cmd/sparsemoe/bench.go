package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/sparsemoe/internal/bucket"
	"github.com/samcharles93/sparsemoe/internal/gpu"
	"github.com/samcharles93/sparsemoe/internal/logger"
	"github.com/samcharles93/sparsemoe/internal/moe"
	"github.com/samcharles93/sparsemoe/internal/store"
	"github.com/samcharles93/sparsemoe/internal/version"
)

type benchRow struct {
	Quant        float64 `json:"quant"`
	Dispatched   float64 `json:"dispatched"`
	KeptFraction float64 `json:"kept_fraction"`
	RelError     float64 `json:"relative_error"`
	MeanMS       float64 `json:"mean_ms"`
	MinMS        float64 `json:"min_ms"`
}

type benchReport struct {
	RunID       string     `json:"run_id"`
	Version     string     `json:"version"`
	Mode        string     `json:"mode"`
	Backend     string     `json:"backend"`
	Workers     int        `json:"workers"`
	CPUFeatures []string   `json:"cpu_features"`
	Projection  string     `json:"projection,omitempty"`
	Experts     int        `json:"experts"`
	In          int        `json:"in"`
	Out         int        `json:"out"`
	Runs        int        `json:"runs"`
	DenseMS     float64    `json:"dense_ms"`
	Rows        []benchRow `json:"rows"`
}

type benchOptions struct {
	storePath  string
	projection string
	experts    int
	in, out    int
	sweep      []float64
	runs       int
	warmup     int
	seed       uint64
	moe        bool
}

func benchCmd() *cli.Command {
	var (
		opts     benchOptions
		experts  int64
		in, out  int64
		runs     int64
		warmup   int64
		seed     int64
		jsonOut  bool
		sweepRaw []float64
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure speed and accuracy of the bucketed multiply across quant values",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "store", Usage: "bucket store (.mcf) to benchmark instead of synthetic weights", Destination: &opts.storePath},
			&cli.StringFlag{Name: "projection", Usage: "projection within --store (default: first)", Destination: &opts.projection},
			&cli.Int64Flag{Name: "experts", Usage: "synthetic expert count", Value: 8, Destination: &experts},
			&cli.Int64Flag{Name: "in", Usage: "synthetic input size", Value: 1024, Destination: &in},
			&cli.Int64Flag{Name: "out", Usage: "synthetic output size (multiple of 64)", Value: 2048, Destination: &out},
			&cli.FloatSliceFlag{Name: "sweep", Usage: "quant values to measure", Value: []float64{0.05, 0.1, 0.25, 0.5, 1}, Destination: &sweepRaw},
			&cli.Int64Flag{Name: "runs", Usage: "measured runs per quant", Value: 10, Destination: &runs},
			&cli.Int64Flag{Name: "warmup", Usage: "unmeasured runs per quant", Value: 2, Destination: &warmup},
			&cli.Int64Flag{Name: "seed", Usage: "random seed for weights and inputs", Value: 42, Destination: &seed},
			&cli.BoolFlag{Name: "moe", Usage: "benchmark a full top-2 MoE block (in = model dim, out = hidden dim)", Destination: &opts.moe},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &jsonOut},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			ctx, log, err := prepare(ctx, cmd)
			if err != nil {
				return err
			}
			opts.experts, opts.in, opts.out = int(experts), int(in), int(out)
			opts.runs, opts.warmup, opts.seed = max(int(runs), 1), max(int(warmup), 0), uint64(seed)
			opts.sweep = sweepRaw
			if len(opts.sweep) == 0 {
				opts.sweep = []float64{quant}
			}
			for _, q := range opts.sweep {
				if q < 0 || q > 1 {
					return cli.Exit(fmt.Sprintf("error: sweep value %v outside [0,1]", q), 1)
				}
			}

			var report *benchReport
			if opts.moe {
				report, err = benchMoE(ctx, log, opts)
			} else {
				report, err = benchProjection(ctx, log, opts)
			}
			if err != nil {
				return err
			}
			if jsonOut {
				b, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(os.Stdout, string(b))
				return err
			}
			printBenchReport(report)
			return nil
		},
	}
}

func newReport(mode string, be gpu.Backend, opts benchOptions) *benchReport {
	r := &benchReport{
		RunID:       uuid.NewString(),
		Version:     version.String(),
		Mode:        mode,
		Backend:     be.Name(),
		CPUFeatures: gpu.CPUFeatures(),
		Runs:        opts.runs,
	}
	if cpu, ok := be.(*gpu.CPUBackend); ok {
		r.Workers = cpu.Workers()
	}
	return r
}

func randomExperts(rng *rand.Rand, experts, in, out int) [][]float32 {
	mats := make([][]float32, experts)
	for e := range mats {
		mats[e] = make([]float32, in*out)
		for i := range mats[e] {
			mats[e][i] = float32(rng.NormFloat64() * 0.05)
		}
	}
	return mats
}

func randomInput(rng *rand.Rand, n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		// Activations are heavy-tailed; a Laplace draw keeps that shape.
		v[i] = float32(rng.ExpFloat64())
		if rng.IntN(2) == 0 {
			v[i] = -v[i]
		}
	}
	return v
}

func loadBenchProjection(log logger.Logger, opts benchOptions, rng *rand.Rand) (*bucket.ExpertWeights, error) {
	if opts.storePath == "" {
		log.Info("bucketizing synthetic experts", "experts", opts.experts, "in", opts.in, "out", opts.out)
		w, err := bucket.FromDense("synthetic", opts.in, opts.out, randomExperts(rng, opts.experts, opts.in, opts.out))
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
		}
		return w, nil
	}
	s, err := store.Open(opts.storePath)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	if opts.projection == "" {
		if len(s.Projections) == 0 {
			return nil, cli.Exit("error: store has no projections", 1)
		}
		return s.Projections[0], nil
	}
	w, err := s.Projection(opts.projection)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	return w, nil
}

func benchProjection(ctx context.Context, log logger.Logger, opts benchOptions) (*benchReport, error) {
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	w, err := loadBenchProjection(log, opts, rng)
	if err != nil {
		return nil, err
	}
	be, engine, err := openEngine(log, w)
	if err != nil {
		return nil, err
	}
	defer func() { _ = be.Close() }()

	report := newReport("projection", be, opts)
	report.Projection, report.Experts, report.In, report.Out = w.Name, w.NumExperts, w.InSize, w.OutSize

	inputs := make([]*gpu.F32Buffer, opts.runs)
	experts := make([]*gpu.I32Buffer, opts.runs)
	refs := make([][]float32, opts.runs)
	var denseTotal time.Duration
	for i := range opts.runs {
		inputs[i] = gpu.F32From(randomInput(rng, w.InSize))
		experts[i] = gpu.Scalar(rng.IntN(w.NumExperts))
		ref := gpu.NewF32(w.OutSize)
		start := time.Now()
		engine.MulDense(inputs[i], w, experts[i], ref)
		if err := engine.Eval(ctx); err != nil {
			return nil, err
		}
		denseTotal += time.Since(start)
		refs[i] = ref.Floats()
	}
	report.DenseMS = ms(denseTotal) / float64(opts.runs)

	out := gpu.NewF32(w.OutSize)
	for _, q := range opts.sweep {
		for i := range opts.warmup {
			out.Zero()
			engine.Mul(inputs[i%opts.runs], w, experts[i%opts.runs], out, float32(q))
			if err := engine.Eval(ctx); err != nil {
				return nil, err
			}
		}
		row := benchRow{Quant: q}
		times := make([]time.Duration, 0, opts.runs)
		for i := range opts.runs {
			out.Zero()
			start := time.Now()
			engine.Mul(inputs[i], w, experts[i], out, float32(q))
			if err := engine.Eval(ctx); err != nil {
				return nil, err
			}
			times = append(times, time.Since(start))
			n := engine.LastDispatchLen()
			row.Dispatched += float64(n)
			row.KeptFraction += w.KeptFraction(n)
			row.RelError += bucket.RelativeError(out.Floats(), refs[i])
		}
		finishRow(&row, times)
		log.Debug("bench quant done", "quant", q, "mean_ms", row.MeanMS, "rel_error", row.RelError)
		report.Rows = append(report.Rows, row)
	}
	return report, nil
}

func benchMoE(ctx context.Context, log logger.Logger, opts benchOptions) (*benchReport, error) {
	if opts.storePath != "" {
		return nil, cli.Exit("error: --moe uses synthetic weights; drop --store", 1)
	}
	rng := rand.New(rand.NewPCG(opts.seed, opts.seed^0x9e3779b97f4a7c15))
	dim, hidden := opts.in, opts.out
	log.Info("bucketizing synthetic MoE layer", "experts", opts.experts, "dim", dim, "hidden", hidden)
	layer, err := syntheticLayer(rng, opts.experts, dim, hidden)
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("error: %v", err), 1)
	}
	be, engine, err := openEngine(log, layer.W1, layer.W3, layer.W2)
	if err != nil {
		return nil, err
	}
	defer func() { _ = be.Close() }()

	report := newReport("moe", be, opts)
	report.Experts, report.In, report.Out = opts.experts, dim, hidden

	inputs := make([]*gpu.F32Buffer, opts.runs)
	refs := make([][]float32, opts.runs)
	dense := moe.NewBlock(engine, opts.experts, dim, hidden, moe.BlockOptions{Dense: true})
	var denseTotal time.Duration
	for i := range opts.runs {
		inputs[i] = gpu.F32From(randomInput(rng, dim))
		h := gpu.NewF32(dim)
		start := time.Now()
		if err := dense.Forward(ctx, layer, inputs[i], h); err != nil {
			return nil, err
		}
		denseTotal += time.Since(start)
		refs[i] = slices.Clone(h.Floats())
	}
	report.DenseMS = ms(denseTotal) / float64(opts.runs)

	h := gpu.NewF32(dim)
	for _, q := range opts.sweep {
		block := moe.NewBlock(engine, opts.experts, dim, hidden, moe.BlockOptions{Quant: float32(q)})
		for i := range opts.warmup {
			h.Zero()
			if err := block.Forward(ctx, layer, inputs[i%opts.runs], h); err != nil {
				return nil, err
			}
		}
		row := benchRow{Quant: q}
		times := make([]time.Duration, 0, opts.runs)
		for i := range opts.runs {
			h.Zero()
			start := time.Now()
			if err := block.Forward(ctx, layer, inputs[i], h); err != nil {
				return nil, err
			}
			times = append(times, time.Since(start))
			row.RelError += bucket.RelativeError(h.Floats(), refs[i])
		}
		finishRow(&row, times)
		// Only the last dispatch list survives a block: the second expert's down projection.
		row.Dispatched = float64(engine.LastDispatchLen())
		row.KeptFraction = layer.W2.KeptFraction(engine.LastDispatchLen())
		report.Rows = append(report.Rows, row)
	}
	return report, nil
}

func syntheticLayer(rng *rand.Rand, experts, dim, hidden int) (*moe.Layer, error) {
	w1, err := bucket.FromDense("w1", dim, hidden, randomExperts(rng, experts, dim, hidden))
	if err != nil {
		return nil, err
	}
	w3, err := bucket.FromDense("w3", dim, hidden, randomExperts(rng, experts, dim, hidden))
	if err != nil {
		return nil, err
	}
	w2, err := bucket.FromDense("w2", hidden, dim, randomExperts(rng, experts, hidden, dim))
	if err != nil {
		return nil, err
	}
	gate := make([]float32, experts*dim)
	for i := range gate {
		gate[i] = float32(rng.NormFloat64() * 0.02)
	}
	router, err := moe.NewRouter(experts, dim, gate)
	if err != nil {
		return nil, err
	}
	return &moe.Layer{Router: router, W1: w1, W3: w3, W2: w2}, nil
}

// finishRow averages the accumulated per-run sums and fills the latency columns.
func finishRow(row *benchRow, times []time.Duration) {
	n := float64(len(times))
	row.Dispatched /= n
	row.KeptFraction /= n
	row.RelError /= n
	var total time.Duration
	for _, d := range times {
		total += d
	}
	row.MeanMS = ms(total) / n
	row.MinMS = ms(slices.Min(times))
}

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

func printBenchReport(r *benchReport) {
	fmt.Println("=== sparsemoe bench ===")
	fmt.Printf("Run:      %s\n", r.RunID)
	fmt.Printf("Mode:     %s\n", r.Mode)
	if r.Projection != "" {
		fmt.Printf("Proj:     %s\n", r.Projection)
	}
	fmt.Printf("Shape:    %d experts, %d -> %d\n", r.Experts, r.In, r.Out)
	fmt.Printf("Backend:  %s (%d workers)\n", r.Backend, r.Workers)
	fmt.Printf("CPUs:     %d  %v\n", runtime.NumCPU(), r.CPUFeatures)
	fmt.Printf("Dense:    %.3f ms\n", r.DenseMS)
	fmt.Println()
	fmt.Printf("%-8s %12s %8s %10s %10s %10s %8s\n", "quant", "dispatched", "kept", "rel.err", "mean ms", "min ms", "speedup")
	for _, row := range r.Rows {
		speedup := 0.0
		if row.MeanMS > 0 {
			speedup = r.DenseMS / row.MeanMS
		}
		fmt.Printf("%-8.3f %12.0f %7.1f%% %10.4f %10.3f %10.3f %7.2fx\n",
			row.Quant, row.Dispatched, 100*row.KeptFraction, row.RelError, row.MeanMS, row.MinMS, speedup)
	}
}
