package frame

import "fmt"

// MaxComponents is the largest number of components a format may carry.
const MaxComponents = 4

// Component locates one image component inside a frame: the plane holding
// it and its channel index within that plane's interleaved samples.
type Component struct {
	Plane   int
	Channel int
}

// PixelFormat describes how components are laid out across planes.
//
// Samples are stored as normalized float32 in [0, 1]. Planes 1 and 2 are
// subsampled by Log2ChromaW/Log2ChromaH when either shift is non-zero.
type PixelFormat struct {
	Name        string
	Components  []Component
	Log2ChromaW int
	Log2ChromaH int
}

// Predefined formats.
var (
	Gray     = &PixelFormat{Name: "gray", Components: []Component{{0, 0}}}
	GrayA    = &PixelFormat{Name: "graya", Components: []Component{{0, 0}, {0, 1}}}
	RGB      = &PixelFormat{Name: "rgb", Components: []Component{{0, 0}, {0, 1}, {0, 2}}}
	RGBA     = &PixelFormat{Name: "rgba", Components: []Component{{0, 0}, {0, 1}, {0, 2}, {0, 3}}}
	GBRP     = &PixelFormat{Name: "gbrp", Components: []Component{{0, 0}, {1, 0}, {2, 0}}}
	YUV444P  = &PixelFormat{Name: "yuv444p", Components: []Component{{0, 0}, {1, 0}, {2, 0}}}
	YUV422P  = &PixelFormat{Name: "yuv422p", Components: []Component{{0, 0}, {1, 0}, {2, 0}}, Log2ChromaW: 1}
	YUV420P  = &PixelFormat{Name: "yuv420p", Components: []Component{{0, 0}, {1, 0}, {2, 0}}, Log2ChromaW: 1, Log2ChromaH: 1}
	YUVA420P = &PixelFormat{Name: "yuva420p", Components: []Component{{0, 0}, {1, 0}, {2, 0}, {3, 0}}, Log2ChromaW: 1, Log2ChromaH: 1}
)

var formats = map[string]*PixelFormat{}

func init() {
	for _, f := range []*PixelFormat{Gray, GrayA, RGB, RGBA, GBRP, YUV444P, YUV422P, YUV420P, YUVA420P} {
		formats[f.Name] = f
	}
}

// LookupFormat returns the predefined format with the given name.
func LookupFormat(name string) (*PixelFormat, bool) {
	f, ok := formats[name]
	return f, ok
}

// Planes returns the number of planes.
func (f *PixelFormat) Planes() int {
	n := 0
	for _, c := range f.Components {
		if c.Plane+1 > n {
			n = c.Plane + 1
		}
	}
	return n
}

// Channels returns the number of interleaved channels stored in plane p.
func (f *PixelFormat) Channels(p int) int {
	n := 0
	for _, c := range f.Components {
		if c.Plane == p && c.Channel+1 > n {
			n = c.Channel + 1
		}
	}
	return n
}

// PlaneSize returns the dimensions of plane p for a frame of width x height.
// Subsampled sizes round up.
func (f *PixelFormat) PlaneSize(p, width, height int) (int, int) {
	if p == 1 || p == 2 {
		return ceilShift(width, f.Log2ChromaW), ceilShift(height, f.Log2ChromaH)
	}
	return width, height
}

// Validate checks the component table.
func (f *PixelFormat) Validate() error {
	if f == nil {
		return fmt.Errorf("frame: nil pixel format")
	}
	if len(f.Components) == 0 || len(f.Components) > MaxComponents {
		return fmt.Errorf("frame: format %q has %d components", f.Name, len(f.Components))
	}
	seen := make(map[Component]bool, len(f.Components))
	for i, c := range f.Components {
		if c.Plane < 0 || c.Channel < 0 || c.Channel >= MaxComponents {
			return fmt.Errorf("frame: format %q component %d out of range", f.Name, i)
		}
		if seen[c] {
			return fmt.Errorf("frame: format %q maps two components to plane %d channel %d", f.Name, c.Plane, c.Channel)
		}
		seen[c] = true
	}
	if f.Log2ChromaW < 0 || f.Log2ChromaH < 0 || f.Log2ChromaW > 2 || f.Log2ChromaH > 2 {
		return fmt.Errorf("frame: format %q has invalid chroma shift", f.Name)
	}
	return nil
}

func (f *PixelFormat) String() string { return f.Name }

func ceilShift(v, s int) int {
	return (v + (1 << s) - 1) >> s
}
