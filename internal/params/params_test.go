package params

import (
	"errors"
	"math"
	"testing"

	"github.com/gogpu/nlmeans/gpucore"
)

var fullCaps = gpucore.Capabilities{AtomicFloatAdd: true, MemoryModel: true, MaxWorkgroupSize: 256, MaxSharedMemory: 16384}

func TestOffsets(t *testing.T) {
	for r := 0; r <= 31; r++ {
		rad := r / 2
		offs := Offsets(r)
		side := 2*rad + 1
		if want := side*side - 1; len(offs) != want {
			t.Fatalf("Offsets(%d): %d offsets, want %d", r, len(offs), want)
		}
		if len(offs)%gpucore.Lanes != 0 {
			t.Errorf("Offsets(%d): %d offsets not a multiple of %d", r, len(offs), gpucore.Lanes)
		}
		set := make(map[Offset]bool, len(offs))
		for _, o := range offs {
			if o.DX == 0 && o.DY == 0 {
				t.Fatalf("Offsets(%d) contains the origin", r)
			}
			if abs(o.DX) > rad || abs(o.DY) > rad {
				t.Fatalf("Offsets(%d): %v outside radius %d", r, o, rad)
			}
			set[o] = true
		}
		for _, o := range offs {
			if !set[Offset{-o.DX, -o.DY}] {
				t.Errorf("Offsets(%d): mirror of %v missing", r, o)
			}
		}
	}
}

func TestOffsetsOrder(t *testing.T) {
	got := Offsets(3)
	want := []Offset{{-1, -1}, {-1, 0}, {-1, 1}, {0, -1}, {0, 1}, {1, -1}, {1, 0}, {1, 1}}
	if len(got) != len(want) {
		t.Fatalf("len = %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Offsets(3)[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResolveOddCorrection(t *testing.T) {
	tests := []struct {
		name      string
		in        Input
		radius    int
		patch     [4]int
		corrected []Correction
	}{
		{"defaults", Input{Radius: 15, Patch: 7, Strength: 1, Parallelism: 36, Components: 3}, 15, [4]int{7, 7, 7, 0}, nil},
		{"even r", Input{Radius: 4, Patch: 7, Strength: 1, Parallelism: 1, Components: 1}, 5, [4]int{7}, []Correction{{"r", 4, 5}}},
		{"even p", Input{Radius: 3, Patch: 6, Strength: 1, Parallelism: 1, Components: 1}, 3, [4]int{7}, []Correction{{"p", 6, 7}}},
		{"zero r", Input{Radius: 0, Patch: 1, Strength: 1, Parallelism: 1, Components: 1}, 1, [4]int{1}, []Correction{{"r", 0, 1}}},
		{"override", Input{Radius: 3, Patch: 3, Strength: 1, Parallelism: 1, Components: 2,
			ComponentPatch: [4]int{0, 8}}, 3, [4]int{3, 9}, []Correction{{"p2", 8, 9}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Resolve(tt.in, fullCaps)
			if err != nil {
				t.Fatalf("Resolve() = %v, want nil (even sizes are warnings)", err)
			}
			if r.Radius != tt.radius {
				t.Errorf("Radius = %d, want %d", r.Radius, tt.radius)
			}
			if r.PatchSize != tt.patch {
				t.Errorf("PatchSize = %v, want %v", r.PatchSize, tt.patch)
			}
			if len(r.Corrections) != len(tt.corrected) {
				t.Fatalf("Corrections = %v, want %v", r.Corrections, tt.corrected)
			}
			for i := range tt.corrected {
				if r.Corrections[i] != tt.corrected[i] {
					t.Errorf("Corrections[%d] = %v, want %v", i, r.Corrections[i], tt.corrected[i])
				}
			}
		})
	}
}

func TestResolveStrengthPerComponent(t *testing.T) {
	in := Input{
		Radius: 3, Patch: 3, Strength: 2, Parallelism: 1, Components: 4,
		ComponentStrength: [4]float64{0, 1.0, 5, 9},
	}
	r, err := Resolve(in, fullCaps)
	if err != nil {
		t.Fatal(err)
	}
	want := [4]float32{Coefficient(2), Coefficient(2), Coefficient(5), Coefficient(9)}
	if r.Strength != want {
		t.Errorf("Strength = %v, want %v", r.Strength, want)
	}
	if r.Strength[3] == r.Strength[2] {
		t.Error("fourth component reuses the third component's strength")
	}
}

func TestCoefficient(t *testing.T) {
	if got, want := Coefficient(1), float32(-650.25); math.Abs(float64(got-want)) > 1e-3 {
		t.Errorf("Coefficient(1) = %v, want %v", got, want)
	}
	prev := Coefficient(1)
	for s := 2.0; s <= 100; s *= 2 {
		c := Coefficient(s)
		if c >= 0 {
			t.Fatalf("Coefficient(%v) = %v, want negative", s, c)
		}
		if c <= prev {
			t.Errorf("Coefficient(%v) = %v not closer to zero than %v", s, c, prev)
		}
		prev = c
	}
}

func TestWeightMonotonic(t *testing.T) {
	c := Coefficient(3)
	prev := Weight(0, c)
	if prev != 1 {
		t.Fatalf("Weight(0) = %v, want 1", prev)
	}
	for d := float32(0.001); d < 1; d *= 1.5 {
		w := Weight(d, c)
		if !(w < prev) {
			t.Fatalf("Weight(%v) = %v, not below %v", d, w, prev)
		}
		prev = w
	}
}

func TestResolveParallelism(t *testing.T) {
	tests := []struct {
		name     string
		radius   int
		t        int
		atomic   bool
		want     int
		degraded bool
	}{
		{"clamped to batches", 3, 36, true, 2, false},
		{"requested", 15, 8, true, 8, false},
		{"no atomics", 15, 8, false, 1, true},
		{"single", 15, 1, false, 1, false},
		{"empty offsets", 1, 36, true, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := fullCaps
			caps.AtomicFloatAdd = tt.atomic
			r, err := Resolve(Input{Radius: tt.radius, Patch: 3, Strength: 1, Parallelism: tt.t, Components: 1}, caps)
			if err != nil {
				t.Fatal(err)
			}
			if r.Parallelism != tt.want {
				t.Errorf("Parallelism = %d, want %d", r.Parallelism, tt.want)
			}
			if r.Degraded != tt.degraded {
				t.Errorf("Degraded = %v, want %v", r.Degraded, tt.degraded)
			}
			if r.Atomic != (tt.want > 1) {
				t.Errorf("Atomic = %v with parallelism %d", r.Atomic, r.Parallelism)
			}
			if r.Parallelism > 1 && r.Parallelism > r.Batches() {
				t.Errorf("Parallelism %d exceeds %d batches", r.Parallelism, r.Batches())
			}
		})
	}
}

func TestResolveCapabilityError(t *testing.T) {
	caps := fullCaps
	caps.MemoryModel = false
	_, err := Resolve(Input{Radius: 3, Patch: 3, Strength: 1, Parallelism: 1, Components: 1}, caps)
	if !errors.Is(err, gpucore.ErrCapability) {
		t.Errorf("Resolve() = %v, want ErrCapability", err)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
