// Copyright 2024-2026 The WarpGEMM Authors. SPDX-License-Identifier: Apache-2.0

// gemmbench runs GEMM kernels on the virtual device, reports throughput,
// and optionally verifies the result against a plain triple loop.
//
// Examples:
//
//	gemmbench -m 1024 -n 1024 -k 512
//	gemmbench -kernel gemm_kernel_tiled -dtype float16 -verify
//	gemmbench -shards 4 -m 4096 -n 4096 -k 1024
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/nutcas3/warpgemm/cluster"
	"github.com/nutcas3/warpgemm/device"
	"github.com/nutcas3/warpgemm/engine"
	"github.com/nutcas3/warpgemm/kernel"
	"github.com/nutcas3/warpgemm/matio"
	"github.com/nutcas3/warpgemm/types/layout"
)

var (
	flagM = flag.Int("m", 1024, "Rows of A and C.")
	flagN = flag.Int("n", 1024, "Columns of B and C.")
	flagK = flag.Int("k", 512, "Columns of A, rows of B.")

	flagAlpha = flag.Float64("alpha", 1.0, "Scale applied to A*B.")
	flagBeta  = flag.Float64("beta", 0.0, "Scale applied to the previous C.")

	flagKernel = flag.String("kernel", kernel.Default,
		"Kernel entry to benchmark. See -list for the available entries.")
	flagList  = flag.Bool("list", false, "List the registered kernel entries and exit.")
	flagDType = flag.String("dtype", "float32", "Operand element type: float32 or float16.")
	flagTile  = flag.String("tile", "ampere", "Tile configuration preset: ampere or hopper.")

	flagWarmup     = flag.Int("warmup", 2, "Untimed warm-up runs before measuring.")
	flagIterations = flag.Int("iterations", 5, "Timed benchmark runs.")

	flagDevice = flag.String("device", "virt:0", "Device selector for single-device runs.")
	flagShards = flag.Int("shards", 0,
		"When > 0, shard the problem over this many devices instead of using -device.")

	flagVerify = flag.Bool("verify", false,
		"Recompute the result with a plain triple loop and report the maximum error.")
	flagDumpDir = flag.String("dump_dir", "",
		"When set, write the operands and result as raw float32 binaries into this directory.")
	flagSeed = flag.Int64("seed", 42, "Seed for the random operand generator.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *flagList {
		for _, name := range kernel.Names() {
			fmt.Println(name)
		}
		return
	}
	if *flagM <= 0 || *flagN <= 0 || *flagK <= 0 {
		klog.Errorf("Dimensions must be positive, got %dx%dx%d.", *flagM, *flagN, *flagK)
		os.Exit(1)
	}
	if *flagIterations <= 0 {
		klog.Errorf("-iterations must be positive, got %d.", *flagIterations)
		os.Exit(1)
	}
	run()
}

var (
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func tileConfig() *layout.TileConfig {
	switch strings.ToLower(*flagTile) {
	case "ampere":
		cfg := layout.AmpereDefault()
		return &cfg
	case "hopper":
		cfg := layout.HopperDefault()
		return &cfg
	default:
		klog.Errorf("Unknown tile preset %q, want ampere or hopper.", *flagTile)
		os.Exit(1)
		return nil
	}
}

func dtype() layout.DType {
	switch strings.ToLower(*flagDType) {
	case "float32", "f32":
		return layout.Float32
	case "float16", "f16", "half":
		return layout.Float16
	default:
		klog.Errorf("Unknown dtype %q, want float32 or float16.", *flagDType)
		os.Exit(1)
		return layout.InvalidDType
	}
}

// makeOperands builds random A and B in the requested element type and a
// zero C. The float32 shadows are kept for verification and dumping.
func makeOperands(m, n, k int, dt layout.DType) (a, b engine.Operand, c engine.Operand, aF32, bF32, cData []float32) {
	rng := rand.New(rand.NewSource(*flagSeed))
	aF32 = randomMatrix(rng, m*k)
	bF32 = randomMatrix(rng, k*n)
	cData = make([]float32, m*n)

	if dt == layout.Float16 {
		a = must.M1(engine.NewOperandF16(m, k, layout.EncodeF16(aF32)))
		b = must.M1(engine.NewOperandF16(k, n, layout.EncodeF16(bF32)))
		// Round the shadows the same way so -verify compares like with
		// like.
		dequantizeInto(a.F16, aF32)
		dequantizeInto(b.F16, bF32)
	} else {
		a = must.M1(engine.NewOperand(m, k, aF32))
		b = must.M1(engine.NewOperand(k, n, bF32))
	}
	c = must.M1(engine.NewOperand(m, n, cData))
	return
}

func randomMatrix(rng *rand.Rand, size int) []float32 {
	data := make([]float32, size)
	for i := range data {
		data[i] = rng.Float32()*2 - 1
	}
	return data
}

func dequantizeInto(bits []uint16, out []float32) {
	copy(out, layout.DecodeF16(bits))
}

func run() {
	m, n, k := *flagM, *flagN, *flagK
	dt := dtype()
	opts := &engine.Options{Kernel: *flagKernel, Config: tileConfig()}
	alpha, beta := float32(*flagAlpha), float32(*flagBeta)

	a, b, c, aF32, bF32, cData := makeOperands(m, n, k, dt)

	execute := singleDevice(opts)
	target := *flagDevice
	if *flagShards > 0 {
		execute = sharded(*flagShards, opts)
		target = fmt.Sprintf("%d shards", *flagShards)
	}

	for i := 0; i < *flagWarmup; i++ {
		must.M1(execute(a, b, &c, alpha, beta))
	}

	bar := progressbar.NewOptions(*flagIterations,
		progressbar.OptionSetDescription("benchmarking"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("runs"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII))
	var best, last *engine.PerformanceReport
	totalElapsed := time.Duration(0)
	for i := 0; i < *flagIterations; i++ {
		// Re-seed C so beta != 0 accumulates from the same state each run.
		for j := range cData {
			cData[j] = 0
		}
		report := must.M1(execute(a, b, &c, alpha, beta))
		totalElapsed += report.Elapsed
		if best == nil || report.GFlops > best.GFlops {
			best = report
		}
		last = report
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Println()

	flops := 2 * float64(m) * float64(n) * float64(k)
	avgGFlops := flops * float64(*flagIterations) / totalElapsed.Seconds() / 1e9

	fmt.Println(titleStyle.Render("GEMM Benchmark"))
	table := newPlainTable()
	table.Row("problem", fmt.Sprintf("%dx%dx%d (%s)", m, n, k, dt))
	table.Row("kernel", last.Kernel)
	table.Row("target", target)
	table.Row("tile", *flagTile)
	table.Row("grid", fmt.Sprintf("%dx%d blocks, %d threads/block",
		last.Geometry.GridX, last.Geometry.GridY, last.Geometry.ThreadsPerBlock))
	table.Row("operands", humanize.Bytes(uint64(a.Desc.Bytes()+b.Desc.Bytes()+c.Desc.Bytes())))
	table.Row("runs", fmt.Sprintf("%d timed, %d warm-up", *flagIterations, *flagWarmup))
	table.Row("best", fmt.Sprintf("%.2f GFLOPS (%s)", best.GFlops, best.Elapsed))
	table.Row("average", fmt.Sprintf("%.2f GFLOPS", avgGFlops))
	fmt.Println(table.Render())

	if *flagVerify {
		verify(m, n, k, alpha, aF32, bF32, cData)
	}
	if *flagDumpDir != "" {
		dump(m, n, k, aF32, bF32, cData)
	}
}

type executeFn func(a, b engine.Operand, c *engine.Operand, alpha, beta float32) (*engine.PerformanceReport, error)

func singleDevice(opts *engine.Options) executeFn {
	return func(a, b engine.Operand, c *engine.Operand, alpha, beta float32) (*engine.PerformanceReport, error) {
		return engine.Gemm(a, b, c, alpha, beta, *flagDevice, opts)
	}
}

func sharded(shards int, opts *engine.Options) executeFn {
	registry := device.NewRegistry(shards, device.DefaultMemoryPerDevice)
	co := cluster.New(registry, opts)
	return func(a, b engine.Operand, c *engine.Operand, alpha, beta float32) (*engine.PerformanceReport, error) {
		reports, err := co.Gemm(a, b, c, alpha, beta)
		if err != nil {
			return nil, err
		}
		// Report the collective as one run: the slowest shard bounds the
		// elapsed time.
		merged := *reports[0]
		for _, r := range reports[1:] {
			if r.Elapsed > merged.Elapsed {
				merged.Elapsed = r.Elapsed
			}
		}
		merged.M, merged.N = a.Desc.Rows, b.Desc.Cols
		merged.GFlops = 2 * float64(merged.M) * float64(merged.N) * float64(merged.K) /
			merged.Elapsed.Seconds() / 1e9
		return &merged, nil
	}
}

// verify recomputes the product with a plain triple loop and reports the
// largest absolute difference. The benchmark resets C to zero before the
// measured run, so the reference needs no beta term.
func verify(m, n, k int, alpha float32, a, b, got []float32) {
	fmt.Println(titleStyle.Render("Verification"))
	want := make([]float32, m*n)
	bar := progressbar.NewOptions(m,
		progressbar.OptionSetDescription("reference"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII))
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var acc float64
			for kk := 0; kk < k; kk++ {
				acc += float64(a[i*k+kk]) * float64(b[kk*n+j])
			}
			want[i*n+j] = alpha * float32(acc)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	fmt.Println()

	var maxErr float64
	var at int
	for i := range want {
		diff := math.Abs(float64(want[i] - got[i]))
		if diff > maxErr {
			maxErr = diff
			at = i
		}
	}
	tolerance := 1e-5 * float64(k)
	if dtype() == layout.Float16 {
		tolerance = 1e-2 * float64(k)
	}
	table := newPlainTable()
	table.Row("max |error|", fmt.Sprintf("%.3e", maxErr))
	table.Row("at", fmt.Sprintf("C[%d,%d]", at/n, at%n))
	table.Row("tolerance", fmt.Sprintf("%.3e", tolerance))
	if maxErr > tolerance {
		table.Row("status", "FAILED")
		fmt.Println(table.Render())
		os.Exit(1)
	}
	table.Row("status", "PASSED")
	fmt.Println(table.Render())
}

func dump(m, n, k int, a, b, c []float32) {
	dir := *flagDumpDir
	must.M(os.MkdirAll(dir, 0o755))
	must.M(matio.WriteMatrix(filepath.Join(dir, matio.InputAName(m, k)), m, k, a))
	must.M(matio.WriteMatrix(filepath.Join(dir, matio.InputBName(k, n)), k, n, b))
	must.M(matio.WriteMatrix(filepath.Join(dir, matio.OutputCName(m, n)), m, n, c))
	klog.Infof("Wrote operands and result to %s", dir)
}
