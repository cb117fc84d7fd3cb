package dataset

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/23skdu/longbow-bindery/internal/config"
	"github.com/23skdu/longbow-bindery/internal/deverr"
	"github.com/23skdu/longbow-bindery/internal/device"
	"github.com/23skdu/longbow-bindery/internal/device/host"
	"github.com/23skdu/longbow-bindery/internal/registry"
)

func newRegistry(t *testing.T) (*registry.Registry, *host.Device, *device.Context) {
	t.Helper()
	dev := host.NewDevice(host.DefaultDeviceInfo())
	cfg := config.Default()
	cfg.DisableCache = true
	ctx, err := device.Open(host.New(host.NewPlatform(device.PlatformInfo{Name: "test"}, dev)), cfg)
	if err != nil {
		t.Fatal(err)
	}
	reg := registry.New(ctx)
	t.Cleanup(func() {
		reg.Close()
		ctx.Close()
	})
	return reg, dev, ctx
}

func mustArray[T Element](t *testing.T, fill func(i int) T, dims ...int) *ArrayBuffer[T] {
	t.Helper()
	a, err := NewArrayBuffer[T](dims...)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Data() {
		a.Data()[i] = fill(i)
	}
	return a
}

func TestElementTypes(t *testing.T) {
	if ElementTypeOf[complex64]() != Complex || Complex.Size() != 8 {
		t.Error("complex64 must map to Complex, 8 bytes")
	}
	if ElementTypeOf[float32]() != Real || Real.Size() != 4 {
		t.Error("float32 must map to Real, 4 bytes")
	}
	if ElementTypeOf[uint32]() != Index || Index.Size() != 4 {
		t.Error("uint32 must map to Index, 4 bytes")
	}
	if ElementTypeOf[uint8]() != Byte || Byte.Size() != 1 {
		t.Error("uint8 must map to Byte, 1 byte")
	}
	for _, e := range []ElementType{Complex, Real, Index, Byte} {
		got, err := ParseElementType(e.String())
		if err != nil || got != e {
			t.Errorf("ParseElementType(%q) = %v, %v", e.String(), got, err)
		}
	}
	if _, err := ParseElementType("double"); err == nil {
		t.Error("expected error for unknown element type")
	}
}

func TestArrayBuffer(t *testing.T) {
	a, err := NewArrayBuffer[complex64](4, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if a.Len() != 24 || a.ByteSize() != 24*8 || len(a.Bytes()) != 24*8 {
		t.Errorf("unexpected sizes: len %d bytes %d", a.Len(), a.ByteSize())
	}
	if !reflect.DeepEqual(a.Strides(), []int{6, 2, 1}) {
		t.Errorf("unexpected strides %v", a.Strides())
	}

	a.Data()[5] = complex(1, 2)
	c := a.Clone()
	a.Data()[5] = 0
	if c.Data()[5] != complex(1, 2) {
		t.Error("clone must not alias the original")
	}

	moved := c.Take()
	if !c.Empty() || c.Len() != 0 {
		t.Error("take must leave the source empty")
	}
	if moved.Data()[5] != complex(1, 2) || !reflect.DeepEqual(moved.Dims(), []int{4, 3, 2}) {
		t.Error("take must move dims and data")
	}

	for _, dims := range [][]int{{}, {0}, {4, -1}} {
		if _, err := NewArrayBuffer[float32](dims...); err == nil {
			t.Errorf("dims %v should be rejected", dims)
		}
	}
}

func TestArraySizeLimits(t *testing.T) {
	tests := []struct {
		name string
		dims []int
	}{
		{"wraps to zero", []int{1 << 32, 1 << 32}},
		{"wraps negative", []int{3037000500, 3037000500}},
		{"above int32 in one dim", []int{MaxElements + 1}},
		{"above int32 in product", []int{1 << 16, 1 << 16}},
		{"overflow after a valid prefix", []int{2, 3, 1 << 62}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewArrayBuffer[uint8](tt.dims...); err == nil {
				t.Errorf("NewArrayBuffer(%v) must fail", tt.dims)
			}
			if _, err := TakeSlice[complex64](nil, tt.dims...); err == nil {
				t.Errorf("TakeSlice(%v) must fail", tt.dims)
			}
		})
	}

	if n, err := product([]int{1 << 15, 1 << 15, 1}); err != nil || n != 1<<30 {
		t.Errorf("product within the limit = %d, %v", n, err)
	}
}

func TestTemporalSpanLimits(t *testing.T) {
	tests := []struct {
		name     string
		v        Variant
		temporal []int
	}{
		{"temporal product", Variant{}, []int{1 << 16, 1 << 16}},
		{"coils times temporal", Variant{Kind: KSpace, Coils: 1 << 20}, []int{1 << 12}},
		{"single huge dim", Variant{}, []int{MaxElements + 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New[float32](tt.v, tt.temporal...); err == nil {
				t.Errorf("New with temporal dims %v must fail", tt.temporal)
			}
		})
	}

	ds, _ := New[float32](Variant{})
	if err := ds.SetTemporalDims(1<<20, 1<<20); err == nil {
		t.Error("SetTemporalDims must reject a span above int32")
	}
	if !reflect.DeepEqual(ds.TemporalDims(), []int{1}) {
		t.Errorf("rejected temporal dims must leave the old ones, got %v", ds.TemporalDims())
	}
}

func TestTakeSlice(t *testing.T) {
	data := []float32{1, 2, 3, 4, 5, 6}
	a, err := TakeSlice(data, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if &a.Data()[0] != &data[0] {
		t.Error("TakeSlice must not copy")
	}
	if _, err := TakeSlice(data, 4, 2); err == nil {
		t.Error("expected length mismatch error")
	}
}

func TestBytesView(t *testing.T) {
	a := mustArray(t, func(i int) uint32 { return 0x01020304 }, 2)
	b := a.Bytes()
	if len(b) != 8 {
		t.Fatalf("expected 8 bytes, got %d", len(b))
	}
	b[0] = 0xff
	if a.Data()[0] == 0x01020304 {
		t.Error("Bytes must alias the data")
	}
	back := viewAs[uint32](b)
	if len(back) != 2 || back[1] != 0x01020304 {
		t.Errorf("viewAs round trip failed: %v", back)
	}
}

func TestNewDataset(t *testing.T) {
	ds, err := New[float32](Variant{})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(ds.TemporalDims(), []int{1}) {
		t.Errorf("temporal dims default to [1], got %v", ds.TemporalDims())
	}
	if ds.Bound() || ds.Handle() != registry.Unbound {
		t.Error("new dataset must be unbound")
	}
	if ds.ElementType() != Real {
		t.Errorf("unexpected element type %s", ds.ElementType())
	}

	bad := []Variant{
		{Kind: KSpace},
		{Kind: Image, Coils: 4},
		{Kind: Image, Trajectory: "radial"},
		{Kind: KSpace, Coils: 2, MaskFormat: "bitmap"},
		{Kind: Kind(42)},
	}
	for _, v := range bad {
		if _, err := New[float32](v); err == nil {
			t.Errorf("variant %+v should be rejected", v)
		}
	}
	if _, err := New[float32](Variant{}, 2, 0); err == nil {
		t.Error("non-positive temporal dim should be rejected")
	}
}

func TestFromArraysTakesOwnership(t *testing.T) {
	a := mustArray(t, func(i int) float32 { return float32(i) }, 8, 8)
	b := mustArray(t, func(i int) float32 { return -float32(i) }, 8, 8)
	ds, err := FromArrays(Variant{Kind: Image}, nil, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if !a.Empty() || !b.Empty() {
		t.Error("arguments must be left empty")
	}
	if ds.Len() != 2 || !ds.AllSizesEqual() {
		t.Errorf("expected 2 equal arrays, got %d (equal=%v)", ds.Len(), ds.AllSizesEqual())
	}

	c := mustArray(t, func(i int) float32 { return 0 }, 4, 4)
	if err := ds.SetArrays(c); err != nil {
		t.Fatal(err)
	}
	if ds.Len() != 1 || !ds.AllSizesEqual() {
		t.Error("single array counts as equal sizes")
	}

	d := mustArray(t, func(i int) float32 { return 0 }, 4, 4)
	e := mustArray(t, func(i int) float32 { return 0 }, 4, 5)
	ds.SetArrays(d, e)
	if ds.AllSizesEqual() {
		t.Error("allSizesEqual must be recomputed on change")
	}
}

func TestCoilInvariant(t *testing.T) {
	arrays := func(n int) []*ArrayBuffer[complex64] {
		out := make([]*ArrayBuffer[complex64], n)
		for i := range out {
			out[i] = mustArray(t, func(int) complex64 { return 0 }, 4, 4)
		}
		return out
	}
	v := Variant{Kind: KSpace, Coils: 4, Trajectory: "cartesian"}

	if _, err := FromArrays(v, []int{2}, arrays(8)...); err != nil {
		t.Errorf("2 time points x 4 coils = 8 arrays should be valid: %v", err)
	}
	_, err := FromArrays(v, []int{2}, arrays(6)...)
	if !errors.Is(err, ErrCoilMismatch) {
		t.Errorf("expected ErrCoilMismatch, got %v", err)
	}

	ds, err := FromArrays(v, []int{2, 3}, arrays(24)...)
	if err != nil {
		t.Fatal(err)
	}
	if err := ds.SetTemporalDims(5); !errors.Is(err, ErrCoilMismatch) {
		t.Errorf("expected ErrCoilMismatch, got %v", err)
	}
	if !reflect.DeepEqual(ds.TemporalDims(), []int{2, 3}) {
		t.Errorf("failed update must keep temporal dims, got %v", ds.TemporalDims())
	}
	if !reflect.DeepEqual(ds.TemporalStrides(), []int{12, 4}) {
		t.Errorf("unexpected temporal strides %v", ds.TemporalStrides())
	}
}

func TestDimsAndStrides(t *testing.T) {
	a := mustArray(t, func(int) complex64 { return 0 }, 64, 32)
	b := mustArray(t, func(int) complex64 { return 0 }, 64, 32)
	ds, err := FromArrays(Variant{Kind: SensitivityMap, Coils: 2}, nil, a, b)
	if err != nil {
		t.Fatal(err)
	}
	want := []int32{
		2, 1, // arrays, temporal dims
		1,    // temporal dims
		2,    // temporal strides (coils)
		2,    // coils
		2, 64, 32, 32, 1,
		2, 64, 32, 32, 1,
	}
	if got := ds.DimsAndStrides(); !reflect.DeepEqual(got, want) {
		t.Errorf("got %v\nwant %v", got, want)
	}

	g, _ := FromArrays(Variant{}, []int{3}, mustArray(t, func(int) uint8 { return 0 }, 5),
		mustArray(t, func(int) uint8 { return 0 }, 5), mustArray(t, func(int) uint8 { return 0 }, 5))
	words := g.DimsAndStrides()
	if !reflect.DeepEqual(words[:5], []int32{3, 1, 3, 1, 0}) {
		t.Errorf("non-coil header words %v", words[:5])
	}
}

func TestBindRoundTripAllTypes(t *testing.T) {
	reg, dev, _ := newRegistry(t)
	t.Run("complex", func(t *testing.T) {
		roundTrip(t, reg, func(i int) complex64 { return complex(float32(i), -float32(i)) })
	})
	t.Run("real", func(t *testing.T) {
		roundTrip(t, reg, func(i int) float32 { return float32(i) * 0.5 })
	})
	t.Run("index", func(t *testing.T) {
		roundTrip(t, reg, func(i int) uint32 { return uint32(i * 7) })
	})
	t.Run("byte", func(t *testing.T) {
		roundTrip(t, reg, func(i int) uint8 { return uint8(i) })
	})
	if reg.Len() != 0 || dev.Allocated() != 0 {
		t.Errorf("expected everything released: %d bindings, %d bytes", reg.Len(), dev.Allocated())
	}
}

func roundTrip[T Element](t *testing.T, reg *registry.Registry, fill func(int) T) {
	ds, err := FromArrays(Variant{}, nil,
		mustArray(t, fill, 17, 3),
		mustArray(t, fill, 5),
	)
	if err != nil {
		t.Fatal(err)
	}
	want, _ := ds.Clone()

	h, err := ds.Bind(reg, true)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Handle() != h || !ds.Bound() {
		t.Fatal("handle not stored")
	}

	// Clobber the mirror, then restore it from the device.
	for i := 0; i < ds.Len(); i++ {
		m, err := ds.HostBuffer(i)
		if err != nil {
			t.Fatal(err)
		}
		for j := range m {
			m[j] = 0
		}
	}
	if err := ds.DeviceToHost(true); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < ds.Len(); i++ {
		m, _ := ds.HostBuffer(i)
		exp, _ := want.Array(i)
		if !reflect.DeepEqual(m, exp.Data()) {
			t.Errorf("array %d did not round-trip", i)
		}
	}

	if err := ds.Close(); err != nil {
		t.Fatal(err)
	}
	if ds.Bound() {
		t.Error("close must unbind")
	}
}

func TestHostBufferFollowsBinding(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ds, _ := FromArrays(Variant{}, nil, mustArray(t, func(i int) float32 { return 1 }, 4))
	a, _ := ds.Array(0)

	hb, _ := ds.HostBuffer(0)
	if &hb[0] != &a.Data()[0] {
		t.Error("unbound host buffer must be the owned data")
	}

	if _, err := ds.Bind(reg, true); err != nil {
		t.Fatal(err)
	}
	hb, _ = ds.HostBuffer(0)
	if &hb[0] == &a.Data()[0] {
		t.Error("bound host buffer must be the mirror")
	}
	if _, err := ds.DeviceBuffer(0); err != nil {
		t.Error(err)
	}

	hb[2] = 42
	if err := ds.HostToDevice(false); err != nil {
		t.Fatal(err)
	}
	if err := ds.Unbind(); err != nil {
		t.Fatal(err)
	}
	if a.Data()[2] != 1 {
		t.Error("mirror edits must not reach host data")
	}
}

func TestPull(t *testing.T) {
	reg, _, ctx := newRegistry(t)
	ds, _ := FromArrays(Variant{}, nil, mustArray(t, func(i int) float32 { return float32(i) }, 8))
	if _, err := ds.Bind(reg, true); err != nil {
		t.Fatal(err)
	}

	// Stand in for a kernel writing element 1 of the device array.
	sub, err := ds.DeviceBuffer(0)
	if err != nil {
		t.Fatal(err)
	}
	one := []byte{0, 0, 0x80, 0x3f}
	if err := ctx.Queue().Write(sub, false, 4, one); err != nil {
		t.Fatal(err)
	}

	if err := ds.Pull(); err != nil {
		t.Fatal(err)
	}
	if err := ds.Unbind(); err != nil {
		t.Fatal(err)
	}
	a, _ := ds.Array(0)
	if a.Data()[1] != 1.0 || a.Data()[2] != 2.0 {
		t.Errorf("expected device write pulled into host data, got %v", a.Data()[:3])
	}
}

func TestPullAfterShapeChange(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ds, _ := FromArrays(Variant{}, nil, mustArray(t, func(i int) float32 { return float32(i) }, 8))
	if _, err := ds.Bind(reg, true); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		arrays func() []*ArrayBuffer[float32]
	}{
		{"larger array", func() []*ArrayBuffer[float32] {
			return []*ArrayBuffer[float32]{mustArray(t, func(int) float32 { return 7 }, 16)}
		}},
		{"more arrays", func() []*ArrayBuffer[float32] {
			return []*ArrayBuffer[float32]{
				mustArray(t, func(int) float32 { return 7 }, 8),
				mustArray(t, func(int) float32 { return 7 }, 8),
			}
		}},
		{"same size, different dims", func() []*ArrayBuffer[float32] {
			return []*ArrayBuffer[float32]{mustArray(t, func(int) float32 { return 7 }, 2, 4)}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ds.SetArrays(tt.arrays()...); err != nil {
				t.Fatal(err)
			}
			if err := ds.Pull(); !errors.Is(err, deverr.ErrShapeChanged) {
				t.Errorf("Pull after SetArrays: expected ErrShapeChanged, got %v", err)
			}
			if _, err := ds.HostBuffer(0); !errors.Is(err, deverr.ErrShapeChanged) {
				t.Errorf("HostBuffer after SetArrays: expected ErrShapeChanged, got %v", err)
			}
			a, _ := ds.Array(0)
			if a.Data()[0] != 7 {
				t.Errorf("failed pull must leave host data alone, got %v", a.Data()[0])
			}
		})
	}

	if _, err := ds.Bind(reg, true); err != nil {
		t.Fatal(err)
	}
	if err := ds.Pull(); err != nil {
		t.Errorf("pull after rebind: %v", err)
	}
}

func TestUnboundOperations(t *testing.T) {
	ds, _ := FromArrays(Variant{}, nil, mustArray(t, func(int) uint8 { return 0 }, 4))
	if err := ds.HostToDevice(true); !errors.Is(err, deverr.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
	if err := ds.DeviceToHost(true); !errors.Is(err, deverr.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
	if _, err := ds.DeviceBuffer(0); !errors.Is(err, deverr.ErrInvalidHandle) {
		t.Errorf("expected ErrInvalidHandle, got %v", err)
	}
	if err := ds.Unbind(); err != nil {
		t.Errorf("unbind of unbound dataset must be a no-op, got %v", err)
	}
}

func TestRebindAfterGrowth(t *testing.T) {
	reg, _, _ := newRegistry(t)
	ds, _ := New[float32](Variant{})
	h1, err := ds.Bind(reg, true)
	if err != nil {
		t.Fatalf("binding an empty dataset must succeed: %v", err)
	}
	if err := ds.HostToDevice(true); err != nil {
		t.Errorf("empty upload must be a no-op: %v", err)
	}

	ds.SetArrays(mustArray(t, func(i int) float32 { return 3 }, 16))
	h2, err := ds.Bind(reg, true)
	if err != nil {
		t.Fatal(err)
	}
	if h2 <= h1 || reg.Len() != 1 {
		t.Errorf("rebind must replace the binding: h1=%d h2=%d live=%d", h1, h2, reg.Len())
	}
}

func TestLoadAsync(t *testing.T) {
	ds, _ := New[complex64](Variant{Kind: KSpace, Coils: 2})
	release := make(chan struct{})
	var calls atomic.Int32
	ds.LoadAsync(func() (*Dataset[complex64], error) {
		calls.Add(1)
		<-release
		return FromArrays(Variant{Kind: KSpace, Coils: 2}, []int{3},
			mustArray(t, func(int) complex64 { return 1 }, 4), mustArray(t, func(int) complex64 { return 1 }, 4),
			mustArray(t, func(int) complex64 { return 1 }, 4), mustArray(t, func(int) complex64 { return 1 }, 4),
			mustArray(t, func(int) complex64 { return 1 }, 4), mustArray(t, func(int) complex64 { return 1 }, 4),
		)
	})

	done := make(chan int)
	go func() { done <- ds.Len() }()
	select {
	case <-done:
		t.Fatal("Len must wait for the load")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	if n := <-done; n != 6 {
		t.Errorf("expected 6 arrays after load, got %d", n)
	}
	if err := ds.Wait(); err != nil {
		t.Errorf("second wait must be a no-op, got %v", err)
	}
	if !reflect.DeepEqual(ds.TemporalDims(), []int{3}) {
		t.Errorf("temporal dims not adopted: %v", ds.TemporalDims())
	}
	if calls.Load() != 1 {
		t.Errorf("loader ran %d times", calls.Load())
	}
}

func TestConcurrentWait(t *testing.T) {
	for round := 0; round < 20; round++ {
		ds, _ := New[uint32](Variant{})
		release := make(chan struct{})
		ds.LoadAsync(func() (*Dataset[uint32], error) {
			<-release
			return FromArrays(Variant{}, []int{3},
				mustArray(t, func(i int) uint32 { return uint32(i) }, 4),
				mustArray(t, func(i int) uint32 { return uint32(i) }, 4),
				mustArray(t, func(i int) uint32 { return uint32(i) }, 4),
			)
		})

		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					if n := ds.Len(); n != 3 {
						errs <- fmt.Errorf("Len = %d, want 3", n)
						return
					}
					a, err := ds.Array(i % 3)
					if err != nil {
						errs <- err
						return
					}
					if a.Len() != 4 || !ds.AllSizesEqual() {
						errs <- fmt.Errorf("array %d has %d elements", i%3, a.Len())
						return
					}
				}
			}()
		}
		close(release)
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("round %d: %v", round, err)
		}
		if !reflect.DeepEqual(ds.TemporalDims(), []int{3}) {
			t.Errorf("round %d: temporal dims %v", round, ds.TemporalDims())
		}
	}
}

func TestLoadAsyncErrors(t *testing.T) {
	ds, _ := New[float32](Variant{})
	boom := errors.New("disk on fire")
	ds.LoadAsync(func() (*Dataset[float32], error) { return nil, boom })
	if err := ds.Wait(); !errors.Is(err, boom) {
		t.Errorf("expected loader error, got %v", err)
	}
	if err := ds.Wait(); !errors.Is(err, boom) {
		t.Errorf("joined error must persist, got %v", err)
	}
	if _, err := ds.Array(0); !errors.Is(err, boom) {
		t.Errorf("accessors must report the load error, got %v", err)
	}

	// A loaded dataset violating the coil invariant is rejected.
	ks, _ := New[float32](Variant{Kind: KSpace, Coils: 4})
	ks.LoadAsync(func() (*Dataset[float32], error) {
		return FromArrays(Variant{}, nil, mustArray(t, func(int) float32 { return 0 }, 2))
	})
	if err := ks.Wait(); !errors.Is(err, ErrCoilMismatch) {
		t.Errorf("expected ErrCoilMismatch, got %v", err)
	}

	// A new load replaces the failed one.
	ds.LoadAsync(func() (*Dataset[float32], error) {
		return FromArrays(Variant{}, nil, mustArray(t, func(int) float32 { return 0 }, 2))
	})
	if err := ds.Wait(); err != nil || ds.Len() != 1 {
		t.Errorf("expected successful reload, got %v (len %d)", err, ds.Len())
	}
}

func TestCloseJoinsLoad(t *testing.T) {
	reg, dev, _ := newRegistry(t)
	ds, _ := FromArrays(Variant{}, nil, mustArray(t, func(int) uint32 { return 9 }, 32))
	if _, err := ds.Bind(reg, true); err != nil {
		t.Fatal(err)
	}
	var finished atomic.Bool
	ds.LoadAsync(func() (*Dataset[uint32], error) {
		time.Sleep(10 * time.Millisecond)
		finished.Store(true)
		return New[uint32](Variant{})
	})
	if err := ds.Close(); err != nil {
		t.Fatal(err)
	}
	if !finished.Load() {
		t.Error("close must join the loader")
	}
	if reg.Len() != 0 || dev.Allocated() != 0 {
		t.Errorf("close must unbind: %d bindings, %d bytes", reg.Len(), dev.Allocated())
	}
}
