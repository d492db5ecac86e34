package tracking

import (
	"os"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Environment describes the host a run executed on. Captured once at run
// creation and stored alongside the run.
type Environment struct {
	Hostname      string   `json:"hostname"`
	OS            string   `json:"os"`
	Arch          string   `json:"arch"`
	NumCPU        int      `json:"num_cpu"`
	GoVersion     string   `json:"go_version"`
	CPUBrand      string   `json:"cpu_brand,omitempty"`
	PhysicalCores int      `json:"physical_cores,omitempty"`
	LogicalCores  int      `json:"logical_cores,omitempty"`
	Features      []string `json:"features,omitempty"`
}

// simdFeatures are the vector extensions worth recording for a training run.
var simdFeatures = []cpuid.FeatureID{
	cpuid.AVX,
	cpuid.AVX2,
	cpuid.FMA3,
	cpuid.AVX512F,
	cpuid.AVX512DQ,
}

// CaptureEnvironment inspects the host the current process is running on.
func CaptureEnvironment() *Environment {
	hostname, _ := os.Hostname()

	env := &Environment{
		Hostname:      hostname,
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		GoVersion:     runtime.Version(),
		CPUBrand:      cpuid.CPU.BrandName,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
	}
	for _, feature := range simdFeatures {
		if cpuid.CPU.Supports(feature) {
			env.Features = append(env.Features, feature.String())
		}
	}
	return env
}
