package quality

import (
	"errors"
	"math"
	"testing"

	"github.com/gogpu/nlmeans/frame"
)

func grayFrame(t *testing.T, w, h int, v float32) *frame.Frame {
	t.Helper()
	f, err := frame.New(w, h, frame.Gray)
	if err != nil {
		t.Fatal(err)
	}
	f.Fill(v)
	return f
}

func TestPSNR(t *testing.T) {
	a := grayFrame(t, 16, 16, 0.5)
	b := a.Clone()

	got, err := PSNR(a, b)
	if err != nil || !math.IsInf(got, 1) {
		t.Errorf("identical frames: PSNR = %v, %v", got, err)
	}

	// A uniform error of 0.1 has MSE 0.01, i.e. 20 dB.
	b.Fill(0.6)
	got, err = PSNR(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-20) > 1e-4 {
		t.Errorf("PSNR = %v, want 20", got)
	}

	if _, err := PSNR(a, grayFrame(t, 8, 16, 0)); !errors.Is(err, ErrGeometry) {
		t.Errorf("geometry mismatch: err = %v", err)
	}
}

func TestEstimateNoise(t *testing.T) {
	flat := grayFrame(t, 64, 64, 0.5)
	if n := EstimateNoise(flat, 0); n != 0 {
		t.Errorf("flat frame noise = %v", n)
	}
	if n := EstimateNoise(grayFrame(t, 2, 2, 0.5), 0); n != 0 {
		t.Errorf("tiny frame noise = %v", n)
	}

	tests := []float64{0.01, 0.03, 0.05}
	for _, sigma := range tests {
		f := grayFrame(t, 128, 128, 0.5)
		AddNoise(f, sigma, 7)
		got := EstimateNoise(f, 0)
		if math.Abs(got-sigma) > 0.2*sigma {
			t.Errorf("sigma %v: estimate %v", sigma, got)
		}
	}
}

func TestAddNoise(t *testing.T) {
	a := grayFrame(t, 32, 32, 0.5)
	b := grayFrame(t, 32, 32, 0.5)
	AddNoise(a, 0.05, 1)
	AddNoise(b, 0.05, 1)
	for i := range a.Planes[0] {
		if a.Planes[0][i] != b.Planes[0][i] {
			t.Fatal("equal seeds gave different noise")
		}
	}

	s := ComponentStats(a, 0)
	if math.Abs(s.Mean-0.5) > 0.01 || math.Abs(s.StdDev-0.05) > 0.01 {
		t.Errorf("stats = %s", s)
	}

	clipped := grayFrame(t, 32, 32, 1)
	AddNoise(clipped, 0.5, 2)
	for _, v := range clipped.Planes[0] {
		if v < 0 || v > 1 {
			t.Fatalf("sample %v outside [0, 1]", v)
		}
	}
}
