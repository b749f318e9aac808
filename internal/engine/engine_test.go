package engine

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/valyala/fastrand"

	"github.com/gogpu/nlmeans/backend/software"
	"github.com/gogpu/nlmeans/frame"
	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/kernel"
	"github.com/gogpu/nlmeans/internal/params"
	"github.com/gogpu/nlmeans/internal/pool"
)

func randomFrame(t *testing.T, w, h int, format *frame.PixelFormat, seed uint32) *frame.Frame {
	t.Helper()
	f, err := frame.New(w, h, format)
	if err != nil {
		t.Fatal(err)
	}
	var rng fastrand.RNG
	rng.Seed(seed)
	for _, p := range f.Planes {
		for i := range p {
			p[i] = float32(rng.Uint32n(256)) / 255
		}
	}
	return f
}

type setup struct {
	pool   *pool.Pool
	cfg    *params.Resolved
	engine *Engine
}

func newSetup(t *testing.T, dev gpucore.Device, w, h int, format *frame.PixelFormat, in params.Input) *setup {
	t.Helper()
	in.Components = len(format.Components)
	cfg, err := params.Resolve(in, dev.Capabilities())
	if err != nil {
		t.Fatal(err)
	}
	l, err := kernel.NewLayout(w, h, format, dev.Capabilities())
	if err != nil {
		t.Fatal(err)
	}
	p := pool.New(dev, pool.Config{Budget: pool.MinBudget})
	e, err := New(dev, cfg, l, p)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		e.Close()
		p.Close()
	})
	return &setup{pool: p, cfg: cfg, engine: e}
}

func softwareDevice(t *testing.T, atomics bool) *software.Device {
	t.Helper()
	opts := software.DefaultOptions()
	opts.AtomicFloatAdd = atomics
	dev := software.New(opts)
	t.Cleanup(func() { dev.Close() })
	return dev
}

func (s *setup) run(t *testing.T, in *frame.Frame) *frame.Frame {
	t.Helper()
	out, err := frame.New(in.Width, in.Height, in.Format)
	if err != nil {
		t.Fatal(err)
	}
	fence, err := s.engine.Run(context.Background(), in, out)
	if err != nil {
		t.Fatal(err)
	}
	if err := fence.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	return out
}

// reference is a direct NLM over every component of in with the patch
// window and edge rules of the weights kernel.
func reference(in *frame.Frame, cfg *params.Resolved) *frame.Frame {
	out := in.Clone()
	for c := range in.Format.Components {
		comp := in.Format.Components[c]
		w, h := in.PlaneSize(comp.Plane)
		at := func(x, y int) float64 {
			return float64(in.At(c, min(max(x, 0), w-1), min(max(y, 0), h-1)))
		}
		ps := cfg.PatchHalf(c)
		coef := float64(cfg.Strength[c])
		for y := range h {
			for x := range w {
				var wt, sum float64
				if x-ps >= 0 && y-ps >= 0 {
					xb, yb := min(x+ps, w-1), min(y+ps, h-1)
					for _, o := range cfg.Offsets {
						var d float64
						for yy := y - ps + 1; yy <= yb; yy++ {
							for xx := x - ps + 1; xx <= xb; xx++ {
								diff := at(xx, yy) - at(xx+o.DX, yy+o.DY)
								d += diff * diff
							}
						}
						wgt := math.Exp(d * coef)
						wt += wgt
						sum += wgt * at(x+o.DX, y+o.DY) * 255
					}
				}
				v := at(x, y)
				out.Set(c, x, y, float32((sum+v*255)/((1+wt)*255)))
			}
		}
	}
	return out
}

func maxDiff(a, b *frame.Frame) float64 {
	var m float64
	for p := range a.Planes {
		for i := range a.Planes[p] {
			m = max(m, math.Abs(float64(a.Planes[p][i])-float64(b.Planes[p][i])))
		}
	}
	return m
}

func TestMatchesReference(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		format *frame.PixelFormat
		in     params.Input
	}{
		{"gray_t1", 17, 11, frame.Gray, params.Input{Radius: 5, Patch: 3, Strength: 1.5, Parallelism: 1}},
		{"gray_t4", 17, 11, frame.Gray, params.Input{Radius: 5, Patch: 3, Strength: 1.5, Parallelism: 4}},
		{"tall", 6, 19, frame.Gray, params.Input{Radius: 3, Patch: 5, Strength: 2, Parallelism: 2}},
		{"rgb", 12, 9, frame.RGB, params.Input{Radius: 3, Patch: 3, Strength: 1, Parallelism: 2,
			ComponentStrength: [gpucore.MaxComponents]float64{0, 3, 0}}},
		{"yuv420p", 16, 10, frame.YUV420P, params.Input{Radius: 3, Patch: 3, Strength: 1, Parallelism: 1,
			ComponentPatch: [gpucore.MaxComponents]int{5, 0, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSetup(t, softwareDevice(t, true), tt.w, tt.h, tt.format, tt.in)
			in := randomFrame(t, tt.w, tt.h, tt.format, uint32(tt.w*tt.h))
			got := s.run(t, in)
			want := reference(in, s.cfg)
			if d := maxDiff(got, want); d > 1e-4 {
				t.Errorf("max difference from reference = %g", d)
			}
		})
	}
}

func TestFlatField(t *testing.T) {
	values := []float32{0, 0.1, 0.3, 1.0 / 3, 0.7, 200.0 / 255, 1}
	for _, r := range []int{3, 7, 15} {
		for _, atomics := range []bool{true, false} {
			s := newSetup(t, softwareDevice(t, atomics), 20, 14, frame.GrayA,
				params.Input{Radius: r, Patch: 3, Strength: 4, Parallelism: 4})
			for _, v := range values {
				in, _ := frame.New(20, 14, frame.GrayA)
				in.Fill(v)
				out := s.run(t, in)
				inexact := 0
				for p := range out.Planes {
					for _, got := range out.Planes[p] {
						if got != v {
							inexact++
						}
					}
				}
				if inexact > 0 {
					t.Errorf("r=%d atomics=%v flat field %v: %d samples changed", r, atomics, v, inexact)
				}
			}
		}
	}
}

func TestParallelismEquivalence(t *testing.T) {
	in := randomFrame(t, 23, 15, frame.Gray, 99)
	opts := params.Input{Radius: 7, Patch: 3, Strength: 2}

	serial := opts
	serial.Parallelism = 36
	a := newSetup(t, softwareDevice(t, false), 23, 15, frame.Gray, serial)
	if a.cfg.Parallelism != 1 || a.cfg.Atomic {
		t.Fatalf("without atomics: parallelism %d atomic %v", a.cfg.Parallelism, a.cfg.Atomic)
	}

	parallel := opts
	parallel.Parallelism = 5
	b := newSetup(t, softwareDevice(t, true), 23, 15, frame.Gray, parallel)
	if !b.cfg.Atomic {
		t.Fatal("expected atomic accumulation")
	}

	if d := maxDiff(a.run(t, in), b.run(t, in)); d > 1e-5 {
		t.Errorf("t=1 and t=5 differ by %g", d)
	}
}

func TestEdgePixels(t *testing.T) {
	const w, h = 15, 12
	in := randomFrame(t, w, h, frame.Gray, 5)
	s := newSetup(t, softwareDevice(t, true), w, h, frame.Gray,
		params.Input{Radius: 5, Patch: 7, Strength: 1, Parallelism: 2})
	out := s.run(t, in)
	ps := s.cfg.PatchHalf(0)
	for y := range h {
		for x := range w {
			if x >= ps && y >= ps {
				continue
			}
			if out.At(0, x, y) != in.At(0, x, y) {
				t.Errorf("edge pixel (%d,%d) = %v, want %v", x, y, out.At(0, x, y), in.At(0, x, y))
			}
		}
	}
}

func TestRadiusOneIsIdentity(t *testing.T) {
	in := randomFrame(t, 9, 9, frame.RGB, 3)
	s := newSetup(t, softwareDevice(t, true), 9, 9, frame.RGB,
		params.Input{Radius: 1, Patch: 3, Strength: 1, Parallelism: 4})
	if len(s.cfg.Offsets) != 0 || s.engine.weights != nil {
		t.Fatal("r=1 should have no offsets and no weights kernel")
	}
	if d := maxDiff(s.run(t, in), in); d != 0 {
		t.Errorf("r=1 output differs from input by %g", d)
	}
}

func TestRecordBarriers(t *testing.T) {
	tests := []struct {
		name         string
		atomics      bool
		radius, par  int
		wantBarriers int
	}{
		// r=5 has 24 offsets: 6 batches.
		{"serial", false, 5, 1, 1 + 6 + 1},
		{"two_slots", true, 5, 2, 1 + 3 + 1},
		{"all_slots", true, 5, 6, 1 + 1 + 1},
		{"no_offsets", true, 1, 4, 1 + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSetup(t, softwareDevice(t, tt.atomics), 10, 10, frame.Gray,
				params.Input{Radius: tt.radius, Patch: 3, Strength: 1, Parallelism: tt.par})
			fb, err := s.engine.acquire(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			defer s.engine.release(fb, nil)

			in, _ := frame.New(10, 10, frame.Gray)
			out, _ := frame.New(10, 10, frame.Gray)
			ec := gpucore.NewExecContext("record")
			s.engine.record(ec, in, out, fb)

			barriers, fills, dispatches := ec.Count()
			if barriers != tt.wantBarriers {
				t.Errorf("barriers = %d, want %d", barriers, tt.wantBarriers)
			}
			if fills != 1 {
				t.Errorf("fills = %d, want 1", fills)
			}
			if want := s.cfg.Batches() + 1; dispatches != want {
				t.Errorf("dispatches = %d, want %d", dispatches, want)
			}

			cmds := ec.Commands()
			if _, ok := cmds[1].(*gpucore.FillCmd); !ok {
				t.Errorf("second command is %T, want the fill", cmds[1])
			}
			if _, ok := cmds[len(cmds)-2].(*gpucore.BarrierCmd); !ok {
				t.Error("denoise dispatch not preceded by a barrier")
			}
			last := cmds[len(cmds)-1].(*gpucore.DispatchCmd)
			if last.Kernel != s.engine.denoise || last.Destination != out {
				t.Error("last command is not the denoise dispatch")
			}
		})
	}
}

func TestPoolReuseAcrossFrames(t *testing.T) {
	s := newSetup(t, softwareDevice(t, true), 16, 16, frame.Gray,
		params.Input{Radius: 3, Patch: 3, Strength: 1, Parallelism: 2})
	in := randomFrame(t, 16, 16, frame.Gray, 1)
	s.run(t, in)
	first := s.pool.Stats()
	s.run(t, in)
	second := s.pool.Stats()
	if second.Allocations != first.Allocations {
		t.Errorf("second frame allocated %d new buffers", second.Allocations-first.Allocations)
	}
	if second.Reuses == 0 {
		t.Error("no buffer reused")
	}
}

// failingDevice rejects every submission.
type failingDevice struct {
	*software.Device
}

func (failingDevice) Submit(context.Context, *gpucore.ExecContext) (gpucore.Fence, error) {
	return nil, errors.New("queue lost")
}

func TestRunErrors(t *testing.T) {
	dev := failingDevice{softwareDevice(t, true)}
	s := newSetup(t, dev, 8, 8, frame.Gray, params.Input{Radius: 3, Patch: 3, Strength: 1, Parallelism: 1})
	in := randomFrame(t, 8, 8, frame.Gray, 2)
	out, _ := frame.New(8, 8, frame.Gray)

	_, err := s.engine.Run(context.Background(), in, out)
	if !errors.Is(err, gpucore.ErrSubmission) {
		t.Fatalf("err = %v, want ErrSubmission", err)
	}
	if st := s.pool.Stats(); st.Free != st.Buffers {
		t.Errorf("buffers leaked after failed submit: %s", st)
	}

	s.engine.Close()
	if _, err := s.engine.Run(context.Background(), in, out); !errors.Is(err, ErrClosed) {
		t.Errorf("after Close: err = %v", err)
	}
}

func TestRunOverBudget(t *testing.T) {
	dev := softwareDevice(t, true)
	// A frame this large needs more than the minimum pool budget.
	s := newSetup(t, dev, 3000, 3000, frame.Gray, params.Input{Radius: 3, Patch: 3, Strength: 1, Parallelism: 1})
	in, _ := frame.New(3000, 3000, frame.Gray)
	out, _ := frame.New(3000, 3000, frame.Gray)
	if _, err := s.engine.Run(context.Background(), in, out); !errors.Is(err, gpucore.ErrResourceAllocation) {
		t.Errorf("err = %v, want ErrResourceAllocation", err)
	}
}
