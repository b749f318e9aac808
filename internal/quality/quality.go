// Package quality measures denoising results: PSNR against a reference,
// a blind noise estimate and synthetic noise for demos and tests.
package quality

import (
	"errors"
	"fmt"
	"math"

	"github.com/valyala/fastrand"
	"gonum.org/v1/gonum/stat"

	"github.com/gogpu/nlmeans/frame"
)

// ErrGeometry is returned when two frames differ in size or format.
var ErrGeometry = errors.New("quality: frames differ in geometry")

// immerkaer is the Laplacian difference mask of the noise estimator.
var immerkaer = [9]float64{
	1, -2, 1,
	-2, 4, -2,
	1, -2, 1,
}

// PSNR returns the peak signal-to-noise ratio of got against want in dB,
// over every sample, for samples normalized to [0, 1]. Identical frames
// yield +Inf.
func PSNR(want, got *frame.Frame) (float64, error) {
	if !want.SameGeometry(got) {
		return 0, fmt.Errorf("%w: %dx%d %s vs %dx%d %s", ErrGeometry,
			want.Width, want.Height, want.Format, got.Width, got.Height, got.Format)
	}
	var sq []float64
	for p := range want.Planes {
		for i, v := range want.Planes[p] {
			d := float64(v) - float64(got.Planes[p][i])
			sq = append(sq, d*d)
		}
	}
	mse := stat.Mean(sq, nil)
	if mse == 0 {
		return math.Inf(1), nil
	}
	return 10 * math.Log10(1/mse), nil
}

// EstimateNoise returns the standard deviation of Gaussian noise in
// component c, estimated from the Laplacian of the image (Immerkær 1996).
// Components smaller than 3x3 yield 0.
func EstimateNoise(f *frame.Frame, c int) float64 {
	comp := f.Format.Components[c]
	w, h := f.PlaneSize(comp.Plane)
	if w < 3 || h < 3 {
		return 0
	}
	var sum float64
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			var conv float64
			for j, k := range immerkaer {
				conv += k * float64(f.At(c, x+j%3-1, y+j/3-1))
			}
			sum += math.Abs(conv)
		}
	}
	return sum * math.Sqrt(0.5*math.Pi) / (6 * float64(w-2) * float64(h-2))
}

// Stats summarizes one component.
type Stats struct {
	Mean   float64
	StdDev float64
	Noise  float64
}

func (s Stats) String() string {
	return fmt.Sprintf("Mean %.6g StdDev %.6g Noise %.4g", s.Mean, s.StdDev, s.Noise)
}

// ComponentStats returns the statistics of component c.
func ComponentStats(f *frame.Frame, c int) Stats {
	comp := f.Format.Components[c]
	w, h := f.PlaneSize(comp.Plane)
	data := make([]float64, 0, w*h)
	for y := range h {
		for x := range w {
			data = append(data, float64(f.At(c, x, y)))
		}
	}
	mean, std := stat.MeanStdDev(data, nil)
	return Stats{Mean: mean, StdDev: std, Noise: EstimateNoise(f, c)}
}

// AddNoise adds zero-mean noise of standard deviation sigma to every sample
// of f, clamped to [0, 1]. The noise is an Irwin-Hall approximation of a
// Gaussian; equal seeds give equal noise.
func AddNoise(f *frame.Frame, sigma float64, seed uint32) {
	var rng fastrand.RNG
	rng.Seed(seed)
	const n = 12
	for _, plane := range f.Planes {
		for i, v := range plane {
			var s float64
			for range n {
				s += float64(rng.Uint32()) / (1 << 32)
			}
			// The sum of 12 uniforms has mean 6 and variance 1.
			nv := float64(v) + (s-n/2)*sigma
			plane[i] = float32(min(max(nv, 0), 1))
		}
	}
}
