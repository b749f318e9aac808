package backend

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/gogpu/nlmeans/gpucore"
)

type stubDevice struct{ name string }

func (d *stubDevice) Name() string                       { return d.name }
func (d *stubDevice) Capabilities() gpucore.Capabilities { return gpucore.Capabilities{} }
func (d *stubDevice) CompileKernel(*gpucore.KernelSource) (gpucore.Kernel, error) {
	return nil, gpucore.ErrCompile
}
func (d *stubDevice) DestroyKernel(gpucore.Kernel) {}
func (d *stubDevice) CreateBuffer(*gpucore.BufferDescriptor) (gpucore.BufferID, error) {
	return gpucore.InvalidID, gpucore.ErrResourceAllocation
}
func (d *stubDevice) DestroyBuffer(gpucore.BufferID) {}
func (d *stubDevice) Submit(context.Context, *gpucore.ExecContext) (gpucore.Fence, error) {
	return nil, gpucore.ErrSubmission
}
func (d *stubDevice) Close() error { return nil }

// isolate swaps the registry for the duration of a test.
func isolate(t *testing.T) {
	t.Helper()
	registryMu.Lock()
	saved := backends
	backends = make(map[string]Factory)
	registryMu.Unlock()
	t.Cleanup(func() {
		registryMu.Lock()
		backends = saved
		registryMu.Unlock()
	})
}

func opens(name string) Factory {
	return func() (gpucore.Device, error) { return &stubDevice{name: name}, nil }
}

func fails(err error) Factory {
	return func() (gpucore.Device, error) { return nil, err }
}

func TestRegistry(t *testing.T) {
	isolate(t)

	Register("zeta", opens("zeta"))
	Register(BackendSoftware, opens("cpu"))
	if !IsRegistered(BackendSoftware) || IsRegistered(BackendNative) {
		t.Fatal("IsRegistered mismatch")
	}
	if got := Available(); !slices.Equal(got, []string{"software", "zeta"}) {
		t.Errorf("Available() = %v", got)
	}

	dev, err := Open(BackendSoftware)
	if err != nil || dev.Name() != "cpu" {
		t.Errorf("Open(software) = %v, %v", dev, err)
	}
	if _, err := Open(BackendNative); !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Open(native) err = %v", err)
	}

	Unregister("zeta")
	if IsRegistered("zeta") {
		t.Error("Unregister did not remove backend")
	}
}

func TestDefaultPriority(t *testing.T) {
	tests := []struct {
		name      string
		factories map[string]Factory
		want      string
		wantErr   bool
	}{
		{
			name:      "native first",
			factories: map[string]Factory{BackendNative: opens("gpu"), BackendSoftware: opens("cpu")},
			want:      BackendNative,
		},
		{
			name: "native fails",
			factories: map[string]Factory{
				BackendNative:   fails(gpucore.ErrCapability),
				BackendSoftware: opens("cpu"),
			},
			want: BackendSoftware,
		},
		{
			name:      "unknown backend last",
			factories: map[string]Factory{"other": opens("x")},
			want:      "other",
		},
		{
			name:      "nothing opens",
			factories: map[string]Factory{BackendNative: fails(gpucore.ErrCapability)},
			wantErr:   true,
		},
		{
			name:    "empty registry",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for name, f := range tt.factories {
				Register(name, f)
			}
			dev, name, err := Default()
			if tt.wantErr {
				if !errors.Is(err, ErrBackendNotAvailable) {
					t.Errorf("Default() err = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if name != tt.want || dev == nil {
				t.Errorf("Default() = %q, want %q", name, tt.want)
			}
		})
	}
}
