package device

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-bindery/internal/config"
)

// PlatformInfo describes a platform.
type PlatformInfo struct {
	Name    string
	Vendor  string
	Version string
}

// DeviceInfo describes a device as reported by its platform.
type DeviceInfo struct {
	Name          string
	Vendor        string
	Version       string
	DriverVersion string
	Type          config.DeviceType
	Extensions    []string

	ClockMHz     int
	ComputeUnits int

	// BaseAddrAlign is the minimum alignment, in bytes, of every
	// independently addressable buffer and sub-buffer.
	BaseAddrAlign  int
	GlobalMemBytes int64
	QueueCaps      config.QueueCaps
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s (%s, %s, %d CU @ %d MHz)", d.Name, d.Vendor, d.Type, d.ComputeUnits, d.ClockMHz)
}

// HasExtension reports whether any advertised extension contains sub.
func (d DeviceInfo) HasExtension(sub string) bool {
	return containsFold(strings.Join(d.Extensions, " "), sub)
}

// Identity is the string that keys compiled programs for this device.
// Any driver or device change yields a different identity.
func Identity(p PlatformInfo, d DeviceInfo) string {
	return strings.Join([]string{p.Name, p.Version, d.Name, d.Version, d.DriverVersion}, "|")
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}
