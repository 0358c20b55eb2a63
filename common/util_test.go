package common

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/jaypipes/ghw/pkg/pci"
	"github.com/jaypipes/pcidb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nvidiaCard(product string) *gpu.GraphicsCard {
	return &gpu.GraphicsCard{
		DeviceInfo: &ghw.PCIDevice{
			Vendor:  &pcidb.Vendor{Name: "NVIDIA Corporation"},
			Product: &pcidb.Product{Name: product},
			Driver:  "nvidia",
		},
	}
}

func TestDetectGPUs_Cards(t *testing.T) {
	assert := assert.New(t)
	hw := &StubHardware{GPU: []*gpu.GraphicsCard{
		nvidiaCard("GA102 [GeForce RTX 3090]"),
		{DeviceInfo: &ghw.PCIDevice{Vendor: &pcidb.Vendor{Name: "Intel Corporation"}}},
		nvidiaCard("AD102 [GeForce RTX 4090]"),
	}}
	defer hw.Install()()

	gpus, err := DetectGPUs()
	require.NoError(t, err)
	assert.Len(gpus, 2)
	assert.Equal(0, gpus[0].Index)
	assert.Equal("GA102 [GeForce RTX 3090]", gpus[0].Model)
	assert.Equal(1, gpus[1].Index)
	assert.Equal("nvidia", gpus[1].Driver)

	ids, err := DetectNvidiaDevices()
	require.NoError(t, err)
	assert.Equal([]string{"0", "1"}, ids)
}

func TestDetectGPUs_PCIFallback(t *testing.T) {
	hw := &StubHardware{PCI: []*pci.Device{
		{Vendor: &pcidb.Vendor{Name: "NVIDIA Corporation"}, Driver: "vfio-pci", Class: &pcidb.Class{Name: "Display controller"}},
		{Vendor: &pcidb.Vendor{Name: "NVIDIA Corporation"}, Driver: "snd_hda_intel", Class: &pcidb.Class{Name: "Multimedia controller"}},
	}}
	defer hw.Install()()

	gpus, err := DetectGPUs()
	require.NoError(t, err)
	assert.Len(t, gpus, 1)
}

func TestDetectGPUs_None(t *testing.T) {
	defer (&StubHardware{}).Install()()
	_, err := DetectGPUs()
	assert.ErrorIs(t, err, ErrNoGPU)

	probeErr := errors.New("no /sys")
	defer (&StubHardware{Err: probeErr}).Install()()
	_, err = DetectNvidiaDevices()
	assert.ErrorIs(t, err, probeErr)
}

func TestReadSecret(t *testing.T) {
	assert := assert.New(t)

	out, err := ReadSecret("inline-key")
	assert.Error(err)
	assert.Equal("inline-key", out)

	dir := t.TempDir()
	out, err = ReadSecret(dir)
	assert.Error(err)
	assert.Equal(dir, out)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	out, err = ReadSecret(empty)
	assert.Error(err)
	assert.Equal(empty, out)

	keyFile := filepath.Join(dir, "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("abcdef123\n"), 0600))
	out, err = ReadSecret(keyFile)
	assert.NoError(err)
	assert.Equal("abcdef123", out)
}

func TestShortKey(t *testing.T) {
	assert.Equal(t, "abcde", ShortKey("abcdefgh", 5))
	assert.Equal(t, "abc", ShortKey("abc", 5))
}
