package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-bindery/internal/device"
	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/metrics"
)

const Version = "0.1.0"

// DefaultWatermark is the fraction of device memory above which a warning
// is raised.
const DefaultWatermark = 0.9

const maxAlerts = 100

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Device    *DeviceStatus `json:"device,omitempty"`
	Bindings  int           `json:"bindings"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type DeviceStatus struct {
	Backend        string   `json:"backend"`
	Name           string   `json:"name"`
	Vendor         string   `json:"vendor"`
	Identity       string   `json:"identity"`
	Alignment      int      `json:"alignment"`
	GlobalMemBytes int64    `json:"global_mem_bytes"`
	AllocatedBytes int64    `json:"allocated_bytes"`
	UsagePct       float64  `json:"usage_pct"`
	Programs       []string `json:"programs"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // device, registry, flight, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Device is what the monitor reads from an open device context.
type Device interface {
	Backend() string
	Info() device.DeviceInfo
	Identity() string
	Alignment() int
	Programs() []string
}

// Bindings reports the number of live dataset bindings.
type Bindings interface {
	Len() int
}

// HealthMonitor serves health, status and Prometheus endpoints for a process
// that owns a device context and a binding registry. Either may be nil.
type HealthMonitor struct {
	startTime time.Time
	dev       Device
	reg       Bindings
	watermark float64
	allocated func() int64

	server *http.Server
	mu     sync.RWMutex
	alerts []Alert
	high   int // index of the open watermark alert, -1 if none
}

type Option func(*HealthMonitor)

// WithWatermark sets the device memory fraction that raises an alert.
func WithWatermark(frac float64) Option {
	return func(hm *HealthMonitor) { hm.watermark = frac }
}

func NewHealthMonitor(dev Device, reg Bindings, opts ...Option) *HealthMonitor {
	hm := &HealthMonitor{
		startTime: time.Now(),
		dev:       dev,
		reg:       reg,
		watermark: DefaultWatermark,
		allocated: metrics.DeviceBytes,
		alerts:    make([]Alert, 0),
		high:      -1,
	}
	for _, o := range opts {
		o(hm)
	}
	return hm
}

// Handler routes the monitoring endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves the endpoints on addr until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	logger.For("monitoring").Info("health monitor starting", "addr", addr)
	err := hm.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// Watch re-evaluates the memory watermark every interval until ctx ends.
func (hm *HealthMonitor) Watch(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hm.CheckDeviceMemory()
		}
	}
}

// CheckDeviceMemory raises a warning when allocated device memory crosses
// the watermark and resolves it once usage falls back below.
func (hm *HealthMonitor) CheckDeviceMemory() {
	if hm.dev == nil {
		return
	}
	total := hm.dev.Info().GlobalMemBytes
	if total <= 0 {
		return
	}
	used := hm.allocated()
	frac := float64(used) / float64(total)

	hm.mu.Lock()
	defer hm.mu.Unlock()
	switch {
	case frac >= hm.watermark && hm.high < 0:
		hm.high = hm.addAlertLocked("warning", "device",
			fmt.Sprintf("device memory at %.1f%% (%d of %d bytes)", frac*100, used, total))
	case frac < hm.watermark && hm.high >= 0:
		hm.resolveLocked(hm.high)
		hm.high = -1
	}
}

// AddAlert records an alert and returns its index.
func (hm *HealthMonitor) AddAlert(level, component, message string) int {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) int {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
		if hm.high >= 0 {
			hm.high--
		}
	}

	logger.For("monitoring").Warn("alert raised", "level", level, "component", component, "message", message)
	return len(hm.alerts) - 1
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.resolveLocked(index)
}

func (hm *HealthMonitor) resolveLocked(index int) {
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

func (hm *HealthMonitor) Alerts() []Alert {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return append([]Alert(nil), hm.alerts...)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(hm.Alerts())
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.high = -1
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status evaluates the memory watermark and reports the current state.
// Unresolved error alerts degrade the status; critical ones make it
// critical.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.CheckDeviceMemory()

	out := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Device:    hm.deviceStatus(),
		Alerts:    hm.Alerts(),
	}
	if hm.reg != nil {
		out.Bindings = hm.reg.Len()
	}

	for _, alert := range out.Alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			out.Status = "critical"
			break
		}
		if alert.Level == "error" {
			out.Status = "degraded"
		}
	}
	return out
}

func (hm *HealthMonitor) deviceStatus() *DeviceStatus {
	if hm.dev == nil {
		return nil
	}
	info := hm.dev.Info()
	ds := &DeviceStatus{
		Backend:        hm.dev.Backend(),
		Name:           info.Name,
		Vendor:         info.Vendor,
		Identity:       hm.dev.Identity(),
		Alignment:      hm.dev.Alignment(),
		GlobalMemBytes: info.GlobalMemBytes,
		AllocatedBytes: hm.allocated(),
		Programs:       hm.dev.Programs(),
	}
	if info.GlobalMemBytes > 0 {
		ds.UsagePct = float64(ds.AllocatedBytes) / float64(info.GlobalMemBytes) * 100
	}
	return ds
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}
