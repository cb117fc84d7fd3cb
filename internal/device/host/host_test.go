package host

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/23skdu/longbow-bindery/internal/config"
	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/device"
)

func openRuntime(t *testing.T, info device.DeviceInfo, opts ...DeviceOption) (*Runtime, *Device) {
	t.Helper()
	d := NewDevice(info, opts...)
	rt, err := d.Open(0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt.(*Runtime), d
}

func codeOf(err error) int {
	var de *deverr.DeviceError
	if errors.As(err, &de) {
		return de.Code
	}
	return 0
}

func TestDefaultBackend(t *testing.T) {
	b := New()
	if b.Name() != BackendName {
		t.Errorf("expected name %q, got %q", BackendName, b.Name())
	}
	platforms, err := b.Platforms()
	if err != nil || len(platforms) != 1 {
		t.Fatalf("expected one platform, got %d (%v)", len(platforms), err)
	}
	devices, err := platforms[0].Devices()
	if err != nil || len(devices) != 1 {
		t.Fatalf("expected one device, got %d (%v)", len(devices), err)
	}
	info := devices[0].Info()
	if info.Type != config.DeviceCPU {
		t.Errorf("expected CPU device, got %s", info.Type)
	}
	if info.BaseAddrAlign != device.DefaultAlignment {
		t.Errorf("expected alignment %d, got %d", device.DefaultAlignment, info.BaseAddrAlign)
	}
}

func TestExtensionCodesRegistered(t *testing.T) {
	if got := deverr.CodeName(CodeQueueClosed); got != "HOST_QUEUE_CLOSED" {
		t.Errorf("unexpected name for queue closed code: %s", got)
	}
}

func TestOpenRejectsUnsupportedQueueCaps(t *testing.T) {
	d := NewDevice(DefaultDeviceInfo())
	_, err := d.Open(config.QueueOutOfOrder)
	if codeOf(err) != deverr.CodeInvalidQueueProperties {
		t.Errorf("expected invalid queue properties, got %v", err)
	}
	rt, err := d.Open(config.QueueProfiling)
	if err != nil {
		t.Fatalf("profiling queue should open: %v", err)
	}
	rt.Close()
}

func TestCreateBufferErrors(t *testing.T) {
	info := DefaultDeviceInfo()
	info.GlobalMemBytes = 4096
	rt, d := openRuntime(t, info)

	if _, err := rt.CreateBuffer(0); codeOf(err) != deverr.CodeInvalidBufferSize {
		t.Errorf("expected invalid buffer size, got %v", err)
	}
	_, err := rt.CreateBuffer(8192)
	if !errors.Is(err, deverr.ErrAllocationFailure) || codeOf(err) != deverr.CodeMemObjectAllocationFailure {
		t.Errorf("expected allocation failure, got %v", err)
	}
	if d.Allocated() != 0 {
		t.Errorf("failed allocation must not be accounted, got %d", d.Allocated())
	}

	buf, err := rt.CreateBuffer(4096)
	if err != nil {
		t.Fatal(err)
	}
	if d.Allocated() != 4096 {
		t.Errorf("expected 4096 allocated, got %d", d.Allocated())
	}
	if err := buf.Release(); err != nil {
		t.Fatal(err)
	}
	if d.Allocated() != 0 {
		t.Errorf("expected memory returned, got %d", d.Allocated())
	}
	if err := buf.Release(); codeOf(err) != deverr.CodeInvalidMemObject {
		t.Errorf("expected double release to fail, got %v", err)
	}
}

func TestSubBufferRules(t *testing.T) {
	rt, d := openRuntime(t, DefaultDeviceInfo())
	root, err := rt.CreateBuffer(1024)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name         string
		offset, size int
		code         int
	}{
		{"aligned", 128, 256, 0},
		{"misaligned", 64, 128, deverr.CodeMisalignedSubBufferOffset},
		{"past end", 896, 256, deverr.CodeInvalidValue},
		{"negative offset", -128, 128, deverr.CodeInvalidValue},
		{"zero size", 0, 0, deverr.CodeInvalidBufferSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub, err := rt.CreateSubBuffer(root, tt.offset, tt.size)
			if tt.code == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if sub.Offset() != tt.offset || sub.Size() != tt.size {
					t.Errorf("got offset %d size %d", sub.Offset(), sub.Size())
				}
				sub.Release()
				return
			}
			if codeOf(err) != tt.code {
				t.Errorf("expected %s, got %v", deverr.CodeName(tt.code), err)
			}
		})
	}

	sub, err := rt.CreateSubBuffer(root, 0, 128)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rt.CreateSubBuffer(sub, 0, 128); codeOf(err) != deverr.CodeInvalidMemObject {
		t.Errorf("sub-buffer of sub-buffer must fail, got %v", err)
	}

	// Root memory outlives the root handle while a sub-buffer is alive.
	if err := root.Release(); err != nil {
		t.Fatal(err)
	}
	if d.Allocated() != 1024 {
		t.Errorf("expected root memory kept for live sub-buffer, got %d", d.Allocated())
	}
	if err := sub.Release(); err != nil {
		t.Fatal(err)
	}
	if d.Allocated() != 0 {
		t.Errorf("expected root memory freed, got %d", d.Allocated())
	}
}

func TestQueueWriteReadThroughSubBuffers(t *testing.T) {
	rt, _ := openRuntime(t, DefaultDeviceInfo())
	q := rt.Queue()
	root, _ := rt.CreateBuffer(512)
	a, _ := rt.CreateSubBuffer(root, 0, 256)
	b, _ := rt.CreateSubBuffer(root, 256, 256)
	defer func() {
		a.Release()
		b.Release()
		root.Release()
	}()

	if err := q.Write(a, false, 0, bytes.Repeat([]byte{1}, 256)); err != nil {
		t.Fatal(err)
	}
	if err := q.Write(b, false, 10, []byte{7, 8, 9}); err != nil {
		t.Fatal(err)
	}
	if err := q.Finish(); err != nil {
		t.Fatal(err)
	}

	all := make([]byte, 512)
	if err := q.Read(root, true, 0, all); err != nil {
		t.Fatal(err)
	}
	if all[0] != 1 || all[255] != 1 || all[256] != 0 {
		t.Errorf("sub-buffer a not aliased into root: %v %v %v", all[0], all[255], all[256])
	}
	if !bytes.Equal(all[266:269], []byte{7, 8, 9}) {
		t.Errorf("sub-buffer b write misplaced: %v", all[264:272])
	}

	if err := q.Write(a, true, 200, make([]byte, 100)); codeOf(err) != deverr.CodeInvalidValue {
		t.Errorf("expected out-of-range write to fail, got %v", err)
	}
}

func TestMapUnmapWritesBack(t *testing.T) {
	rt, _ := openRuntime(t, DefaultDeviceInfo())
	q := rt.Queue()
	root, _ := rt.CreateBuffer(256)
	defer root.Release()

	if err := q.Write(root, true, 0, []byte("device")); err != nil {
		t.Fatal(err)
	}
	view, err := q.Map(root, 0, 256)
	if err != nil {
		t.Fatal(err)
	}
	if string(view[:6]) != "device" {
		t.Errorf("map must see prior writes, got %q", view[:6])
	}
	copy(view, "mapped")

	got := make([]byte, 6)
	q.Read(root, true, 0, got)
	if string(got) != "device" {
		t.Errorf("device must not change before unmap, got %q", got)
	}

	if err := q.Unmap(root, view); err != nil {
		t.Fatal(err)
	}
	q.Read(root, true, 0, got)
	if string(got) != "mapped" {
		t.Errorf("expected write-back on unmap, got %q", got)
	}
	if err := q.Unmap(root, view); codeOf(err) != deverr.CodeInvalidValue {
		t.Errorf("second unmap must fail, got %v", err)
	}
}

func TestReleasedBufferRejected(t *testing.T) {
	rt, _ := openRuntime(t, DefaultDeviceInfo())
	buf, _ := rt.CreateBuffer(128)
	buf.Release()
	err := rt.Queue().Write(buf, true, 0, []byte{1})
	if !errors.Is(err, deverr.ErrDeviceFailure) || codeOf(err) != deverr.CodeInvalidMemObject {
		t.Errorf("expected invalid mem object, got %v", err)
	}
}

func TestCloseFreesLeakedBuffers(t *testing.T) {
	d := NewDevice(DefaultDeviceInfo())
	rt, _ := d.Open(0)
	root, _ := rt.CreateBuffer(1024)
	rt.CreateSubBuffer(root, 128, 128)
	if err := rt.Close(); err != nil {
		t.Fatal(err)
	}
	if d.Allocated() != 0 {
		t.Errorf("expected all memory freed on close, got %d", d.Allocated())
	}
	if err := rt.Queue().Finish(); codeOf(err) != CodeQueueClosed {
		t.Errorf("expected closed queue, got %v", err)
	}
	if _, err := rt.CreateBuffer(128); codeOf(err) != CodeRuntimeClosed {
		t.Errorf("expected closed runtime, got %v", err)
	}
}

func TestBuildAndLink(t *testing.T) {
	rt, d := openRuntime(t, DefaultDeviceInfo())
	src := "__kernel void scale(__global float *x) {\n x[0] *= 2;\n}\n__kernel void zero(__global float *x) { x[0] = 0; }\n"

	prog, err := rt.Build(src, "-cl-fast-relaxed-math")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := strings.Join(prog.Kernels(), ","); got != "scale,zero" {
		t.Errorf("unexpected kernels %q", got)
	}
	if d.Builds() != 1 {
		t.Errorf("expected one build, got %d", d.Builds())
	}

	bin, err := prog.Binary()
	if err != nil {
		t.Fatal(err)
	}
	linked, err := rt.LinkBinary(bin, "-cl-fast-relaxed-math")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if len(linked.Kernels()) != 2 || d.Links() != 1 || d.Builds() != 1 {
		t.Errorf("link must not rebuild: builds=%d links=%d", d.Builds(), d.Links())
	}

	if _, err := rt.LinkBinary(bin, "-DOTHER"); codeOf(err) != deverr.CodeInvalidBuildOptions {
		t.Errorf("expected options mismatch, got %v", err)
	}
	if _, err := rt.LinkBinary([]byte("garbage"), ""); codeOf(err) != deverr.CodeInvalidBinary {
		t.Errorf("expected invalid binary, got %v", err)
	}
	if _, err := rt.LinkBinary(bin[:len(bin)-1], "-cl-fast-relaxed-math"); codeOf(err) != deverr.CodeInvalidBinary {
		t.Errorf("expected truncated binary to fail, got %v", err)
	}

	prog.Release()
	if _, err := prog.Binary(); codeOf(err) != deverr.CodeInvalidProgram {
		t.Errorf("expected invalid program after release, got %v", err)
	}
}

func TestBuildFailures(t *testing.T) {
	rt, _ := openRuntime(t, DefaultDeviceInfo())

	tests := []struct {
		name   string
		source string
		log    string
	}{
		{"error directive", "#error missing FFT size\n", "missing FFT size"},
		{"unclosed", "__kernel void k() {\n", "unclosed"},
		{"unmatched", "}\n", "unmatched"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Build(tt.source, "")
			var be *deverr.BuildError
			if !errors.As(err, &be) {
				t.Fatalf("expected BuildError, got %v", err)
			}
			if !errors.Is(err, deverr.ErrBuildFailure) {
				t.Error("build error must match ErrBuildFailure")
			}
			if !strings.Contains(be.Log, tt.log) {
				t.Errorf("log %q does not mention %q", be.Log, tt.log)
			}
		})
	}

	if _, err := rt.Build("__kernel void k() {}", "fast"); codeOf(err) != deverr.CodeInvalidBuildOptions {
		t.Errorf("expected invalid build options, got %v", err)
	}
}

func TestCustomCompiler(t *testing.T) {
	calls := 0
	rt, _ := openRuntime(t, DefaultDeviceInfo(), WithCompiler(CompilerFunc(func(source, options string) ([]string, string, error) {
		calls++
		return []string{"custom"}, "ok", nil
	})))
	prog, err := rt.Build("anything", "")
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 || prog.Kernels()[0] != "custom" || prog.BuildLog() != "ok" {
		t.Errorf("custom compiler not used: calls=%d kernels=%v", calls, prog.Kernels())
	}
}
