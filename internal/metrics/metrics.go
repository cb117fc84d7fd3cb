package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deviceBytes atomic.Int64

var (
	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bindery_device_memory_allocated_bytes",
		Help: "Bytes currently allocated on compute devices",
	})

	DeviceAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bindery_device_allocations_total",
		Help: "Device allocation attempts by result",
	}, []string{"result"})

	BindingsLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bindery_bindings_live",
		Help: "Number of datasets currently bound to a device",
	})

	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bindery_transfer_seconds",
		Help:    "Duration of host/device synchronisation calls",
		Buckets: prometheus.ExponentialBuckets(0.00005, 4, 10),
	}, []string{"direction"})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bindery_transfer_bytes_total",
		Help: "Bytes moved between host mirror and device",
	}, []string{"direction"})

	ProgramCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bindery_program_cache_requests_total",
		Help: "Program cache lookups by result (hit, miss, stale)",
	}, []string{"result"})

	ProgramBuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bindery_program_build_seconds",
		Help:    "Time spent compiling device programs from source",
		Buckets: prometheus.DefBuckets,
	})

	ProgramBuildFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bindery_program_build_failures_total",
		Help: "Device program compilations that failed",
	})

	RegistryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bindery_registry_errors_total",
		Help: "Registry calls that failed, by operation",
	}, []string{"op"})

	DatasetLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bindery_dataset_loads_total",
		Help: "Background dataset loads by result",
	}, []string{"result"})

	DatasetLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bindery_dataset_load_seconds",
		Help:    "Duration of background dataset loads",
		Buckets: prometheus.DefBuckets,
	})

	FlightRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bindery_flight_requests_total",
		Help: "Dataset transport requests served, by method and gRPC code",
	}, []string{"method", "code"})
)

// Transfer directions.
const (
	HostToDevice = "host_to_device"
	DeviceToHost = "device_to_host"
)

// RecordDeviceAlloc adjusts the allocated-bytes gauge by delta and returns
// the new total.
func RecordDeviceAlloc(delta int64) int64 {
	total := deviceBytes.Add(delta)
	DeviceMemoryAllocated.Set(float64(total))
	if delta > 0 {
		DeviceAllocations.WithLabelValues("ok").Inc()
	}
	return total
}

// RecordDeviceAllocFailure counts an allocation the device refused.
func RecordDeviceAllocFailure() {
	DeviceAllocations.WithLabelValues("failed").Inc()
}

// DeviceBytes reports the bytes currently tracked as allocated.
func DeviceBytes() int64 {
	return deviceBytes.Load()
}

func RecordBindingsLive(n int) {
	BindingsLive.Set(float64(n))
}

func RecordTransfer(direction string, bytes int, duration time.Duration) {
	TransferDuration.WithLabelValues(direction).Observe(duration.Seconds())
	if bytes > 0 {
		TransferBytes.WithLabelValues(direction).Add(float64(bytes))
	}
}

// RecordCacheLookup counts a program cache lookup. result is hit, miss or stale.
func RecordCacheLookup(result string) {
	ProgramCacheRequests.WithLabelValues(result).Inc()
}

func RecordBuild(duration time.Duration, ok bool) {
	ProgramBuildDuration.Observe(duration.Seconds())
	if !ok {
		ProgramBuildFailures.Inc()
	}
}

func RecordRegistryError(op string) {
	RegistryErrors.WithLabelValues(op).Inc()
}

func RecordDatasetLoad(duration time.Duration, err error) {
	DatasetLoadDuration.Observe(duration.Seconds())
	if err != nil {
		DatasetLoads.WithLabelValues("failed").Inc()
		return
	}
	DatasetLoads.WithLabelValues("ok").Inc()
}

// RecordFlight counts a served transport request. code is the gRPC status
// code name, "OK" on success.
func RecordFlight(method, code string) {
	FlightRequests.WithLabelValues(method, code).Inc()
}
