package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

type DeviceType int

const (
	DeviceAny DeviceType = iota
	DeviceCPU
	DeviceGPU
	DeviceAccelerator
)

func (t DeviceType) String() string {
	switch t {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	case DeviceAccelerator:
		return "accelerator"
	default:
		return "any"
	}
}

// ParseDeviceType accepts the names produced by DeviceType.String.
func ParseDeviceType(s string) (DeviceType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any", "all", "default":
		return DeviceAny, nil
	case "cpu":
		return DeviceCPU, nil
	case "gpu":
		return DeviceGPU, nil
	case "accelerator", "acc":
		return DeviceAccelerator, nil
	}
	return DeviceAny, fmt.Errorf("invalid device type: %q (want cpu, gpu, accelerator or any)", s)
}

// QueueCaps is a set of command-queue capability flags.
type QueueCaps uint32

const (
	QueueProfiling QueueCaps = 1 << iota
	QueueOutOfOrder
)

func (q QueueCaps) Has(flags QueueCaps) bool {
	return q&flags == flags
}

func (q QueueCaps) String() string {
	var parts []string
	if q.Has(QueueProfiling) {
		parts = append(parts, "profiling")
	}
	if q.Has(QueueOutOfOrder) {
		parts = append(parts, "out-of-order")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

// ParseQueueCaps parses a comma separated list of capability names.
func ParseQueueCaps(s string) (QueueCaps, error) {
	var caps QueueCaps
	for _, part := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(part)) {
		case "", "none":
		case "profiling":
			caps |= QueueProfiling
		case "out-of-order", "ooo":
			caps |= QueueOutOfOrder
		default:
			return 0, fmt.Errorf("invalid queue capability: %q", part)
		}
	}
	return caps, nil
}

// Constraints filter platforms or devices. Zero values impose no filter.
type Constraints struct {
	Name       string
	Vendor     string
	Version    string // minimum "major.minor"
	Extensions []string
	Type       DeviceType
	QueueCaps  QueueCaps
}

// Selection holds the platform and device constraints used to pick a device.
type Selection struct {
	Platform Constraints
	Device   Constraints
}

type Config struct {
	Selection Selection

	CacheDir     string
	DisableCache bool

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

var versionRe = regexp.MustCompile(`^\d+\.\d+$`)

func (c Constraints) validate(scope string) error {
	if c.Version != "" && !versionRe.MatchString(c.Version) {
		return fmt.Errorf("invalid %s version: %q (must be major.minor)", scope, c.Version)
	}
	if c.Type < DeviceAny || c.Type > DeviceAccelerator {
		return fmt.Errorf("invalid %s type: %d", scope, c.Type)
	}
	if c.QueueCaps&^(QueueProfiling|QueueOutOfOrder) != 0 {
		return fmt.Errorf("invalid %s queue capabilities: %#x", scope, uint32(c.QueueCaps))
	}
	for i, ext := range c.Extensions {
		if strings.TrimSpace(ext) == "" {
			return fmt.Errorf("invalid %s extension #%d: empty", scope, i)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Selection.Platform.validate("platform"); err != nil {
		return err
	}
	if c.Selection.Platform.Type != DeviceAny || len(c.Selection.Platform.Extensions) > 0 || c.Selection.Platform.QueueCaps != 0 {
		return fmt.Errorf("invalid platform constraints: only name, vendor and version apply to platforms")
	}
	if err := c.Selection.Device.validate("device"); err != nil {
		return err
	}
	if !c.DisableCache && c.CacheDir == "" {
		return fmt.Errorf("invalid cache_dir: empty (set DisableCache to run without a program cache)")
	}
	if c.CacheDir != "" && !filepath.IsAbs(c.CacheDir) {
		return fmt.Errorf("invalid cache_dir: %q (must be absolute)", c.CacheDir)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (want console or json)", c.LogFormat)
	}
	return nil
}

// DefaultCacheDir is the per-user program cache root.
func DefaultCacheDir() string {
	root, err := os.UserCacheDir()
	if err != nil || root == "" {
		root = os.TempDir()
	}
	return filepath.Join(root, "longbow-bindery", "programs")
}

func Default() Config {
	return Config{
		CacheDir:    DefaultCacheDir(),
		LogLevel:    "info",
		LogFormat:   "console",
		MetricsAddr: ":9090",
	}
}
