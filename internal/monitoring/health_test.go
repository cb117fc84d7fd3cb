package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/23skdu/longbow-bindery/internal/device"
)

type fakeDevice struct {
	info device.DeviceInfo
}

func (f fakeDevice) Backend() string         { return "fake" }
func (f fakeDevice) Info() device.DeviceInfo { return f.info }
func (f fakeDevice) Identity() string        { return "fake|1.0|dev" }
func (f fakeDevice) Alignment() int          { return 128 }
func (f fakeDevice) Programs() []string      { return []string{"/src/scale.cl"} }

type fakeRegistry int

func (f fakeRegistry) Len() int { return int(f) }

func newMonitor(used *int64) *HealthMonitor {
	dev := fakeDevice{info: device.DeviceInfo{Name: "Fake GPU", Vendor: "Acme", GlobalMemBytes: 1000}}
	hm := NewHealthMonitor(dev, fakeRegistry(3), WithWatermark(0.8))
	hm.allocated = func() int64 { return *used }
	return hm
}

func TestStatusReportsDevice(t *testing.T) {
	used := int64(250)
	hm := newMonitor(&used)

	st := hm.Status()
	if st.Status != "healthy" {
		t.Errorf("status = %q, want healthy", st.Status)
	}
	if st.Bindings != 3 {
		t.Errorf("bindings = %d, want 3", st.Bindings)
	}
	if st.Device == nil {
		t.Fatal("expected device status")
	}
	if st.Device.AllocatedBytes != 250 || st.Device.UsagePct != 25 {
		t.Errorf("allocated = %d (%.1f%%), want 250 (25%%)", st.Device.AllocatedBytes, st.Device.UsagePct)
	}
	if st.Device.Identity != "fake|1.0|dev" || len(st.Device.Programs) != 1 {
		t.Errorf("unexpected device status: %+v", st.Device)
	}
}

func TestWatermarkAlert(t *testing.T) {
	used := int64(100)
	hm := newMonitor(&used)

	hm.CheckDeviceMemory()
	if n := len(hm.Alerts()); n != 0 {
		t.Fatalf("expected no alerts below the watermark, got %d", n)
	}

	used = 850
	hm.CheckDeviceMemory()
	hm.CheckDeviceMemory()
	alerts := hm.Alerts()
	if len(alerts) != 1 {
		t.Fatalf("expected one alert while above the watermark, got %d", len(alerts))
	}
	if alerts[0].Level != "warning" || alerts[0].Component != "device" || alerts[0].Resolved {
		t.Errorf("unexpected alert: %+v", alerts[0])
	}
	if hm.Status().Status != "healthy" {
		t.Error("a warning should not degrade health")
	}

	used = 500
	hm.CheckDeviceMemory()
	alerts = hm.Alerts()
	if !alerts[0].Resolved || alerts[0].ResolvedAt == nil {
		t.Errorf("expected the alert to resolve, got %+v", alerts[0])
	}

	used = 900
	hm.CheckDeviceMemory()
	if n := len(hm.Alerts()); n != 2 {
		t.Errorf("expected a second alert after crossing again, got %d", n)
	}
}

func TestNilDeviceAndRegistry(t *testing.T) {
	hm := NewHealthMonitor(nil, nil)
	st := hm.Status()
	if st.Device != nil || st.Bindings != 0 {
		t.Errorf("unexpected status without device: %+v", st)
	}
}

func TestHealthEndpoints(t *testing.T) {
	used := int64(0)
	hm := newMonitor(&used)
	srv := httptest.NewServer(hm.Handler())
	defer srv.Close()

	for _, path := range []string{"/health", "/healthz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
			t.Errorf("%s: %d %v", path, resp.StatusCode, body)
		}
	}

	hm.AddAlert("error", "flight", "listener died")
	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("degraded health should return 503, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	var st HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	resp.Body.Close()
	if st.Status != "degraded" || st.Device == nil || st.Device.Name != "Fake GPU" {
		t.Errorf("unexpected status: %+v", st)
	}

	if resp, err = http.Get(srv.URL + "/admin/clear-alerts"); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET clear-alerts = %d, want 405", resp.StatusCode)
	}
	if resp, err = http.Post(srv.URL+"/admin/clear-alerts", "application/json", nil); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if len(hm.Alerts()) != 0 {
		t.Error("expected alerts to be cleared")
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("metrics content type = %q", resp.Header.Get("Content-Type"))
	}
}
