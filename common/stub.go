package common

import (
	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/jaypipes/ghw/pkg/pci"
)

// StubHardware replaces the ghw probes so hardware dependent code can be
// tested on machines without GPUs.
type StubHardware struct {
	GPU []*gpu.GraphicsCard
	PCI []*pci.Device
	Err error
}

func (hw *StubHardware) getGPU() ([]*gpu.GraphicsCard, error) {
	return hw.GPU, hw.Err
}

func (hw *StubHardware) getPCI() ([]*pci.Device, error) {
	return hw.PCI, hw.Err
}

// Install swaps in the stub probes and returns a func restoring the real ones.
func (hw *StubHardware) Install() func() {
	origGPU, origPCI := getGPU, getPCI
	getGPU, getPCI = hw.getGPU, hw.getPCI
	return func() {
		getGPU, getPCI = origGPU, origPCI
	}
}
