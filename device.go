package imdbtune

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// Device is the compute backend the model kernels run on.
type Device interface {
	Name() string
	// Workers is the number of goroutines a kernel may fan out to.
	Workers() int
}

type cpuDevice struct {
	name    string
	workers int
}

func (d cpuDevice) Name() string { return d.name }
func (d cpuDevice) Workers() int { return d.workers }

const (
	DeviceAuto     = "auto"
	DeviceCPU      = "cpu"
	DeviceParallel = "cpu-parallel"
)

// SelectDevice returns the requested backend. "auto" picks the fastest backend the host
// supports and falls back to the serial CPU backend.
func SelectDevice(name string) (Device, error) {
	switch name {
	case "", DeviceAuto:
		if acceleratorAvailable() {
			return parallelDevice(), nil
		}
		return cpuDevice{name: DeviceCPU, workers: 1}, nil
	case DeviceCPU:
		return cpuDevice{name: DeviceCPU, workers: 1}, nil
	case DeviceParallel:
		return parallelDevice(), nil
	}
	return nil, fmt.Errorf("unknown device %q", name)
}

func parallelDevice() Device {
	return cpuDevice{name: DeviceParallel, workers: runtime.NumCPU()}
}

func acceleratorAvailable() bool {
	return runtime.NumCPU() > 1 && cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3)
}
