package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// EnvPrefix is the default prefix for environment overrides.
const EnvPrefix = "BINDERY_"

// ApplyEnv overrides fields from environment variables named prefix+KEY.
// Unset variables leave the field untouched.
func (c *Config) ApplyEnv(prefix string) error {
	return c.apply(prefix, os.LookupEnv)
}

func (c *Config) apply(prefix string, lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		return lookup(prefix + key)
	}

	if v, ok := get("PLATFORM_NAME"); ok {
		c.Selection.Platform.Name = v
	}
	if v, ok := get("PLATFORM_VENDOR"); ok {
		c.Selection.Platform.Vendor = v
	}
	if v, ok := get("PLATFORM_VERSION"); ok {
		c.Selection.Platform.Version = v
	}
	if v, ok := get("DEVICE_NAME"); ok {
		c.Selection.Device.Name = v
	}
	if v, ok := get("DEVICE_VENDOR"); ok {
		c.Selection.Device.Vendor = v
	}
	if v, ok := get("DEVICE_VERSION"); ok {
		c.Selection.Device.Version = v
	}
	if v, ok := get("DEVICE_EXTENSIONS"); ok {
		c.Selection.Device.Extensions = splitList(v)
	}
	if v, ok := get("DEVICE_TYPE"); ok {
		t, err := ParseDeviceType(v)
		if err != nil {
			return fmt.Errorf("%sDEVICE_TYPE: %w", prefix, err)
		}
		c.Selection.Device.Type = t
	}
	if v, ok := get("QUEUE_CAPS"); ok {
		caps, err := ParseQueueCaps(v)
		if err != nil {
			return fmt.Errorf("%sQUEUE_CAPS: %w", prefix, err)
		}
		c.Selection.Device.QueueCaps = caps
	}
	if v, ok := get("CACHE_DIR"); ok {
		c.CacheDir = v
	}
	if v, ok := get("DISABLE_CACHE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sDISABLE_CACHE: invalid bool %q", prefix, v)
		}
		c.DisableCache = b
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := get("METRICS_ADDR"); ok {
		c.MetricsAddr = v
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
