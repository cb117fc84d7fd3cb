package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/23skdu/longbow-bindery/internal/arrowio"
	"github.com/23skdu/longbow-bindery/internal/config"
	"github.com/23skdu/longbow-bindery/internal/dataset"
	"github.com/23skdu/longbow-bindery/internal/device"
	"github.com/23skdu/longbow-bindery/internal/device/host"
	"github.com/23skdu/longbow-bindery/internal/flight"
	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/monitoring"
	"github.com/23skdu/longbow-bindery/internal/registry"
)

func main() {
	cfg := config.Default()
	if err := cfg.ApplyEnv(config.EnvPrefix); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	dir := flag.String("dir", ".", "Directory of dataset files (<name>.arrows)")
	listen := flag.String("listen", "localhost:8815", "Arrow Flight listen address")
	flag.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Address for /metrics, /health and /status")
	bind := flag.Bool("bind", false, "Bind every served dataset to the selected device at startup")
	watermark := flag.Float64("watermark", monitoring.DefaultWatermark, "Device memory fraction that raises an alert")
	flag.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Program cache directory")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console or json")
	flag.Parse()

	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log := logger.For("datasetd")

	srv, err := flight.NewServer(*dir)
	if err != nil {
		log.Error("dataset server", "error", err)
		os.Exit(1)
	}

	var (
		dev *device.Context
		reg *registry.Registry
		pin []func() error
	)
	if *bind {
		dev, err = device.Open(host.New(), cfg)
		if err != nil {
			log.Error("open device", "error", err)
			os.Exit(1)
		}
		reg = registry.New(dev)
		pin, err = bindAll(srv, *dir, reg)
		if err != nil {
			log.Error("bind datasets", "error", err)
			os.Exit(1)
		}
	}

	var hm *monitoring.HealthMonitor
	if dev != nil {
		hm = monitoring.NewHealthMonitor(dev, reg, monitoring.WithWatermark(*watermark))
	} else {
		hm = monitoring.NewHealthMonitor(nil, nil)
	}
	go func() {
		if err := hm.Start(cfg.MetricsAddr); err != nil {
			log.Error("health monitor stopped", "error", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go hm.Watch(ctx, 15*time.Second)

	if err := srv.Start(*listen); err != nil {
		hm.AddAlert("critical", "flight", err.Error())
		log.Error("flight server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	log.Info("shutting down")
	srv.Stop()

	shutdown, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	hm.Stop(shutdown)

	for _, release := range pin {
		if err := release(); err != nil {
			log.Warn("unbind dataset", "error", err)
		}
	}
	if reg != nil {
		reg.Close()
	}
	if dev != nil {
		dev.Close()
	}
}

// bindAll binds every dataset in dir and returns the functions that unbind
// them.
func bindAll(srv *flight.Server, dir string, reg *registry.Registry) ([]func() error, error) {
	names, err := srv.Names()
	if err != nil {
		return nil, err
	}
	var release []func() error
	for _, name := range names {
		path := filepath.Join(dir, name+arrowio.Ext)
		et, err := elementType(path)
		if err != nil {
			return release, fmt.Errorf("%s: %w", name, err)
		}
		var closer func() error
		switch et {
		case dataset.Complex:
			closer, err = bindFile[complex64](reg, path)
		case dataset.Real:
			closer, err = bindFile[float32](reg, path)
		case dataset.Index:
			closer, err = bindFile[uint32](reg, path)
		case dataset.Byte:
			closer, err = bindFile[uint8](reg, path)
		default:
			err = errors.New("unsupported element type")
		}
		if err != nil {
			return release, fmt.Errorf("%s: %w", name, err)
		}
		release = append(release, closer)
	}
	return release, nil
}

func elementType(path string) (dataset.ElementType, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	rdr, err := ipc.NewReader(f)
	if err != nil {
		return 0, err
	}
	defer rdr.Release()
	h, err := arrowio.ParseHeader(rdr.Schema())
	if err != nil {
		return 0, err
	}
	return h.ElementType, nil
}

func bindFile[T dataset.Element](reg *registry.Registry, path string) (func() error, error) {
	ds, err := dataset.New[T](dataset.Variant{})
	if err != nil {
		return nil, err
	}
	ds.LoadAsync(arrowio.FileLoader[T](path))
	h, err := ds.Bind(reg, true)
	if err != nil {
		return nil, err
	}
	logger.For("datasetd").Info("dataset bound", "path", path, "handle", int64(h), "arrays", ds.Len())
	return ds.Close, nil
}
