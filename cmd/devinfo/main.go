package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/23skdu/longbow-bindery/internal/config"
	"github.com/23skdu/longbow-bindery/internal/device"
	"github.com/23skdu/longbow-bindery/internal/device/host"
	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/progcache"
)

func main() {
	cfg := config.Default()
	if err := cfg.ApplyEnv(config.EnvPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	sel := &cfg.Selection

	flag.StringVar(&sel.Platform.Name, "platform-name", sel.Platform.Name, "Platform name substring")
	flag.StringVar(&sel.Platform.Vendor, "platform-vendor", sel.Platform.Vendor, "Platform vendor substring")
	flag.StringVar(&sel.Platform.Version, "platform-version", sel.Platform.Version, "Minimum platform version (major.minor)")
	flag.StringVar(&sel.Device.Name, "device-name", sel.Device.Name, "Device name substring")
	flag.StringVar(&sel.Device.Vendor, "device-vendor", sel.Device.Vendor, "Device vendor substring")
	flag.StringVar(&sel.Device.Version, "device-version", sel.Device.Version, "Minimum device version (major.minor)")
	devType := flag.String("device-type", sel.Device.Type.String(), "Device type: cpu, gpu, accelerator or any")
	exts := flag.String("extensions", strings.Join(sel.Device.Extensions, ","), "Comma separated required extensions")
	caps := flag.String("queue-caps", sel.Device.QueueCaps.String(), "Queue capabilities: profiling, out-of-order")
	flag.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Program cache directory")
	flag.BoolVar(&cfg.DisableCache, "no-cache", cfg.DisableCache, "Build programs without the cache")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console or json")
	purge := flag.Bool("purge-cache", false, "Delete every cached program and exit")
	sources := flag.String("warm", "", "Comma separated program sources to build into the cache")
	headers := flag.String("headers", "", "Comma separated headers the sources include")
	options := flag.String("options", "", "Build options")
	flag.Parse()

	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.For("devinfo")

	var err error
	if sel.Device.Type, err = config.ParseDeviceType(*devType); err != nil {
		fail(err)
	}
	if sel.Device.QueueCaps, err = config.ParseQueueCaps(*caps); err != nil {
		fail(err)
	}
	sel.Device.Extensions = splitList(*exts)

	if *purge {
		cache, err := progcache.New(cfg.CacheDir)
		if err != nil {
			fail(err)
		}
		if err := cache.Purge(); err != nil {
			fail(err)
		}
		log.Info("program cache purged", "dir", cache.Root())
		return
	}

	backend := host.New()
	candidates, err := device.Enumerate(backend, nil)
	if err != nil {
		fail(err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tDEVICE\tVENDOR\tTYPE\tUNITS\tMHZ\tALIGN\tSCORE\tMATCH")
	for _, c := range candidates {
		match := "yes"
		if why := device.MatchPlatform(sel.Platform, c.PlatformInfo); why != "" {
			match = why
		} else if why := device.MatchDevice(sel.Device, c.Info); why != "" {
			match = why
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%.0f\t%s\n",
			c.PlatformInfo.Name, c.Info.Name, c.Info.Vendor, c.Info.Type,
			c.Info.ComputeUnits, c.Info.ClockMHz, c.Info.BaseAddrAlign, c.Score, match)
	}
	tw.Flush()

	ctx, err := device.Open(backend, cfg)
	if err != nil {
		fail(err)
	}
	defer ctx.Close()
	fmt.Printf("\nSelected: %s\nIdentity: %s\nAlignment: %d\n", ctx.Info(), ctx.Identity(), ctx.Alignment())

	if *sources == "" {
		return
	}
	if err := ctx.LoadProgram(splitList(*sources), splitList(*headers), *options); err != nil {
		fail(err)
	}
	for _, p := range ctx.Programs() {
		fmt.Printf("Loaded: %s\n", p)
	}
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

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
