package common

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/jaypipes/ghw/pkg/pci"
)

// glog verbosity levels used with clog.V / glog.V
const (
	SHORT   glog.Level = 4
	DEBUG   glog.Level = 5
	VERBOSE glog.Level = 6
)

var ErrNoGPU = errors.New("no devices found with vendor name 'Nvidia'")

// GPUInfo is the hardware description reported to the hub.
type GPUInfo struct {
	Index  int
	Model  string
	Vendor string
	Driver string
	// VRAM in MiB, zero when the probe cannot tell
	VRAM uint32
}

func getGPUDefault() ([]*gpu.GraphicsCard, error) {
	gpu, err := ghw.GPU()
	if err != nil {
		return nil, err
	}
	return gpu.GraphicsCards, nil
}

func getPCIDefault() ([]*pci.Device, error) {
	pci, err := ghw.PCI()
	if err != nil {
		return nil, err
	}
	return pci.ListDevices(), nil
}

var getGPU = getGPUDefault
var getPCI = getPCIDefault

var nvidiaRe = regexp.MustCompile("(?i)nvidia")
var displayRe = regexp.MustCompile("(?i)display ?controller")

// DetectGPUs lists the Nvidia cards visible to the host. On VMs the graphics
// card listing may be empty, so PCI display controllers are scanned instead.
func DetectGPUs() ([]GPUInfo, error) {
	cards, err := getGPU()
	if err != nil {
		return nil, err
	}

	var found []GPUInfo
	if len(cards) != 0 {
		for _, card := range cards {
			if card.DeviceInfo == nil || card.DeviceInfo.Vendor == nil || !nvidiaRe.MatchString(card.DeviceInfo.Vendor.Name) {
				continue
			}
			found = append(found, gpuInfoFromPCI(len(found), card.DeviceInfo))
		}
	} else {
		devices, err := getPCI()
		if err != nil {
			return nil, err
		}
		for _, device := range devices {
			if device.Vendor == nil || !nvidiaRe.MatchString(device.Vendor.Name) {
				continue
			}
			// driver may be misreported as vfio-pci, fall back to the class name
			isDisplay := device.Class != nil && displayRe.MatchString(device.Class.Name)
			if nvidiaRe.MatchString(device.Driver) || isDisplay {
				found = append(found, gpuInfoFromPCI(len(found), device))
			}
		}
	}

	if len(found) == 0 {
		return nil, ErrNoGPU
	}
	return found, nil
}

func gpuInfoFromPCI(idx int, d *pci.Device) GPUInfo {
	info := GPUInfo{Index: idx, Driver: d.Driver}
	if d.Vendor != nil {
		info.Vendor = d.Vendor.Name
	}
	if d.Product != nil {
		info.Model = d.Product.Name
	}
	return info
}

// DetectNvidiaDevices returns the device ids ("0", "1", ...) of detected cards.
func DetectNvidiaDevices() ([]string, error) {
	gpus, err := DetectGPUs()
	if err != nil {
		return nil, err
	}
	devices := make([]string, 0, len(gpus))
	for _, g := range gpus {
		devices = append(devices, strconv.Itoa(g.Index))
	}
	return devices, nil
}

// RandomNonce returns a random nonce for hub authentication.
func RandomNonce() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		glog.Errorf("Unable to read random bytes for nonce err=%q", err)
		return 0
	}
	return binary.BigEndian.Uint64(b[:])
}

// ReadSecret resolves a secret that may be given inline or as a path to a file
// holding it. A readable non-empty file wins; otherwise s is returned as-is
// together with the reason the file could not be used.
func ReadSecret(s string) (string, error) {
	info, err := os.Stat(s)
	if err != nil {
		return s, err
	}
	if info.IsDir() {
		return s, fmt.Errorf("supplied path is a directory")
	}
	b, err := os.ReadFile(s)
	if err != nil {
		return s, err
	}
	txt := strings.TrimSpace(string(b))
	if txt == "" {
		return s, fmt.Errorf("supplied file is empty")
	}
	return txt, nil
}

// ShortKey returns the first n characters of key, or the whole key if shorter.
func ShortKey(key string, n int) string {
	if len(key) <= n {
		return key
	}
	return key[:n]
}
