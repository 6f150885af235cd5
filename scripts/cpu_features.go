// Reports the CPU features the matvec kernels dispatch on. Run with
// go run ./scripts when diagnosing why a host fell back to the scalar path.
package main

import (
	"fmt"
	"os"
	"runtime"

	"simd/archsimd"

	"github.com/goccy/go-json"
)

type output struct {
	GoVersion string          `json:"go_version"`
	GoOS      string          `json:"go_os"`
	GoArch    string          `json:"go_arch"`
	CPUs      int             `json:"cpus"`
	Features  map[string]bool `json:"features"`
}

func main() {
	features := map[string]bool{
		"AVX":    archsimd.X86.AVX(),
		"AVX2":   archsimd.X86.AVX2(),
		"FMA":    archsimd.X86.FMA(),
		"AVX512": archsimd.X86.AVX512(),
	}

	out := output{
		GoVersion: runtime.Version(),
		GoOS:      runtime.GOOS,
		GoArch:    runtime.GOARCH,
		CPUs:      runtime.NumCPU(),
		Features:  features,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
}
