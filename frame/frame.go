// Package frame defines the in-memory image frames processed by the filter
// and the provider that allocates them.
//
// A Frame stores each plane as row-major float32 samples normalized to
// [0, 1], with the plane's channels interleaved. Frames carry a pending
// completion signal so a device writing a frame can make later consumers
// wait for it.
package frame

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
)

var (
	// ErrInvalidSize is returned for non-positive frame dimensions.
	ErrInvalidSize = errors.New("frame: invalid frame size")

	// ErrReleased is returned when a released frame is used.
	ErrReleased = errors.New("frame: frame already released")
)

// Waiter is a completion signal a frame may be waiting on.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Frame is a multi-plane image.
type Frame struct {
	Width  int
	Height int
	Format *PixelFormat
	Planes [][]float32

	// PTS is the presentation timestamp copied along with Props.
	PTS   int64
	Props map[string]string

	mu       sync.Mutex
	pending  Waiter
	released bool
}

// New allocates a zeroed frame.
func New(width, height int, format *PixelFormat) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, width, height)
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	f := &Frame{
		Width:  width,
		Height: height,
		Format: format,
		Planes: make([][]float32, format.Planes()),
	}
	for p := range f.Planes {
		pw, ph := format.PlaneSize(p, width, height)
		f.Planes[p] = make([]float32, pw*ph*format.Channels(p))
	}
	return f, nil
}

// PlaneSize returns the dimensions of plane p.
func (f *Frame) PlaneSize(p int) (int, int) {
	return f.Format.PlaneSize(p, f.Width, f.Height)
}

// At returns the sample of component c at (x, y) in that component's plane.
func (f *Frame) At(c, x, y int) float32 {
	comp := f.Format.Components[c]
	pw, _ := f.PlaneSize(comp.Plane)
	ch := f.Format.Channels(comp.Plane)
	return f.Planes[comp.Plane][(y*pw+x)*ch+comp.Channel]
}

// Set stores v as the sample of component c at (x, y).
func (f *Frame) Set(c, x, y int, v float32) {
	comp := f.Format.Components[c]
	pw, _ := f.PlaneSize(comp.Plane)
	ch := f.Format.Channels(comp.Plane)
	f.Planes[comp.Plane][(y*pw+x)*ch+comp.Channel] = v
}

// Fill sets every sample of every plane to v.
func (f *Frame) Fill(v float32) {
	for _, plane := range f.Planes {
		for i := range plane {
			plane[i] = v
		}
	}
}

// Validate checks that the plane storage matches the declared geometry.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("frame: nil frame")
	}
	if f.Released() {
		return ErrReleased
	}
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, f.Width, f.Height)
	}
	if err := f.Format.Validate(); err != nil {
		return err
	}
	if len(f.Planes) != f.Format.Planes() {
		return fmt.Errorf("frame: %d planes, format %s needs %d", len(f.Planes), f.Format, f.Format.Planes())
	}
	for p, plane := range f.Planes {
		pw, ph := f.PlaneSize(p)
		if want := pw * ph * f.Format.Channels(p); len(plane) != want {
			return fmt.Errorf("frame: plane %d has %d samples, want %d", p, len(plane), want)
		}
	}
	return nil
}

// SameGeometry reports whether g has the same size and format as f.
func (f *Frame) SameGeometry(g *Frame) bool {
	return f.Width == g.Width && f.Height == g.Height && f.Format == g.Format
}

// Clone returns a deep copy without the pending signal.
func (f *Frame) Clone() *Frame {
	c := &Frame{
		Width:  f.Width,
		Height: f.Height,
		Format: f.Format,
		Planes: make([][]float32, len(f.Planes)),
		PTS:    f.PTS,
		Props:  maps.Clone(f.Props),
	}
	for p, plane := range f.Planes {
		c.Planes[p] = append([]float32(nil), plane...)
	}
	return c
}

// SetPending records the completion signal of the work producing f.
func (f *Frame) SetPending(w Waiter) {
	f.mu.Lock()
	f.pending = w
	f.mu.Unlock()
}

// Wait blocks until the work producing f has completed.
func (f *Frame) Wait(ctx context.Context) error {
	f.mu.Lock()
	w := f.pending
	f.mu.Unlock()
	if w == nil {
		return nil
	}
	if err := w.Wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	if f.pending == w {
		f.pending = nil
	}
	f.mu.Unlock()
	return nil
}

// Released reports whether the frame was handed back to its provider.
func (f *Frame) Released() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

func (f *Frame) markReleased() {
	f.mu.Lock()
	f.released = true
	f.pending = nil
	f.Planes = nil
	f.mu.Unlock()
}
