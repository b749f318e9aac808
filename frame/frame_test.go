package frame

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
)

func TestPixelFormatGeometry(t *testing.T) {
	tests := []struct {
		format   *PixelFormat
		planes   int
		channels []int
		chroma   [2]int // plane 1 size for 15x9
	}{
		{Gray, 1, []int{1}, [2]int{0, 0}},
		{RGB, 1, []int{3}, [2]int{0, 0}},
		{RGBA, 1, []int{4}, [2]int{0, 0}},
		{YUV444P, 3, []int{1, 1, 1}, [2]int{15, 9}},
		{YUV422P, 3, []int{1, 1, 1}, [2]int{8, 9}},
		{YUV420P, 3, []int{1, 1, 1}, [2]int{8, 5}},
		{YUVA420P, 4, []int{1, 1, 1, 1}, [2]int{8, 5}},
	}
	for _, tt := range tests {
		t.Run(tt.format.Name, func(t *testing.T) {
			if err := tt.format.Validate(); err != nil {
				t.Fatalf("Validate() = %v", err)
			}
			if got := tt.format.Planes(); got != tt.planes {
				t.Errorf("Planes() = %d, want %d", got, tt.planes)
			}
			for p, want := range tt.channels {
				if got := tt.format.Channels(p); got != want {
					t.Errorf("Channels(%d) = %d, want %d", p, got, want)
				}
			}
			if tt.planes > 1 {
				w, h := tt.format.PlaneSize(1, 15, 9)
				if w != tt.chroma[0] || h != tt.chroma[1] {
					t.Errorf("PlaneSize(1) = %dx%d, want %dx%d", w, h, tt.chroma[0], tt.chroma[1])
				}
			}
			if w, h := tt.format.PlaneSize(0, 15, 9); w != 15 || h != 9 {
				t.Errorf("PlaneSize(0) = %dx%d, want 15x9", w, h)
			}
		})
	}
}

func TestPixelFormatValidateRejects(t *testing.T) {
	bad := []*PixelFormat{
		nil,
		{Name: "empty"},
		{Name: "dup", Components: []Component{{0, 0}, {0, 0}}},
		{Name: "five", Components: []Component{{0, 0}, {1, 0}, {2, 0}, {3, 0}, {4, 0}}},
		{Name: "shift", Components: []Component{{0, 0}}, Log2ChromaW: 3},
	}
	for _, f := range bad {
		if err := f.Validate(); err == nil {
			t.Errorf("Validate(%v) = nil, want error", f)
		}
	}
}

func TestNewAndAccess(t *testing.T) {
	f, err := New(4, 3, RGB)
	if err != nil {
		t.Fatal(err)
	}
	if len(f.Planes[0]) != 4*3*3 {
		t.Fatalf("plane 0 has %d samples", len(f.Planes[0]))
	}
	f.Set(1, 2, 1, 0.5)
	if got := f.At(1, 2, 1); got != 0.5 {
		t.Errorf("At() = %v, want 0.5", got)
	}
	if got := f.Planes[0][(1*4+2)*3+1]; got != 0.5 {
		t.Errorf("interleaved sample = %v, want 0.5", got)
	}

	if _, err := New(0, 3, Gray); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("New(0, 3) error = %v, want ErrInvalidSize", err)
	}
}

func TestCloneIsDeep(t *testing.T) {
	f, _ := New(2, 2, Gray)
	f.Props = map[string]string{"k": "v"}
	c := f.Clone()
	c.Planes[0][0] = 1
	c.Props["k"] = "w"
	if f.Planes[0][0] != 0 || f.Props["k"] != "v" {
		t.Error("Clone shares storage with the original")
	}
}

func TestHostProvider(t *testing.T) {
	var p HostProvider
	src, _ := p.Allocate(2, 2, Gray)
	src.PTS = 42
	src.Props = map[string]string{"side": "data"}

	dst, _ := p.Allocate(2, 2, Gray)
	p.CopyProps(dst, src)
	if dst.PTS != 42 || dst.Props["side"] != "data" {
		t.Errorf("CopyProps: got pts=%d props=%v", dst.PTS, dst.Props)
	}

	p.Release(src)
	if !src.Released() {
		t.Error("Released() = false after Release")
	}
	if err := src.Validate(); !errors.Is(err, ErrReleased) {
		t.Errorf("Validate() after release = %v, want ErrReleased", err)
	}
}

type chanWaiter chan struct{}

func (c chanWaiter) Wait(ctx context.Context) error {
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPendingWait(t *testing.T) {
	f, _ := New(1, 1, Gray)
	if err := f.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() without pending = %v", err)
	}

	w := make(chanWaiter)
	f.SetPending(w)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() on cancelled ctx = %v", err)
	}

	close(w)
	if err := f.Wait(context.Background()); err != nil {
		t.Errorf("Wait() after completion = %v", err)
	}
}

func TestImageRoundTrip(t *testing.T) {
	t.Run("gray", func(t *testing.T) {
		img := image.NewGray(image.Rect(0, 0, 3, 2))
		img.SetGray(1, 1, color.Gray{Y: 200})
		f, err := FromImage(img)
		if err != nil {
			t.Fatal(err)
		}
		if f.Format != Gray {
			t.Fatalf("format = %s, want gray", f.Format)
		}
		out, err := ToImage(f)
		if err != nil {
			t.Fatal(err)
		}
		if got := color.GrayModel.Convert(out.At(1, 1)).(color.Gray).Y; got != 200 {
			t.Errorf("pixel = %d, want 200", got)
		}
	})

	t.Run("ycbcr420", func(t *testing.T) {
		img := image.NewYCbCr(image.Rect(0, 0, 5, 3), image.YCbCrSubsampleRatio420)
		img.Y[img.YOffset(4, 2)] = 77
		img.Cb[img.COffset(4, 2)] = 99
		f, err := FromImage(img)
		if err != nil {
			t.Fatal(err)
		}
		if f.Format != YUV420P {
			t.Fatalf("format = %s, want yuv420p", f.Format)
		}
		out, err := ToImage(f)
		if err != nil {
			t.Fatal(err)
		}
		yc := out.(*image.YCbCr)
		if yc.Y[yc.YOffset(4, 2)] != 77 || yc.Cb[yc.COffset(4, 2)] != 99 {
			t.Errorf("round trip lost samples: y=%d cb=%d", yc.Y[yc.YOffset(4, 2)], yc.Cb[yc.COffset(4, 2)])
		}
	})

	t.Run("rgba", func(t *testing.T) {
		img := image.NewNRGBA(image.Rect(0, 0, 2, 2))
		img.SetNRGBA(0, 0, color.NRGBA{R: 255, G: 0, B: 51, A: 128})
		f, err := FromImage(img)
		if err != nil {
			t.Fatal(err)
		}
		if f.Format != RGBA {
			t.Fatalf("format = %s, want rgba", f.Format)
		}
		if got := f.At(3, 0, 0); got < 0.50 || got > 0.51 {
			t.Errorf("alpha = %v, want ~0.502", got)
		}
	})
}

func TestCodecs(t *testing.T) {
	f, _ := New(4, 4, Gray)
	f.Set(0, 1, 2, 1)
	for _, c := range []string{"png", "tiff", "bmp", "jpeg"} {
		t.Run(c, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Encode(&buf, f, c); err != nil {
				t.Fatalf("Encode() = %v", err)
			}
			g, name, err := Decode(&buf)
			if err != nil {
				t.Fatalf("Decode() = %v", err)
			}
			if name != c {
				t.Errorf("container = %q, want %q", name, c)
			}
			if g.Width != 4 || g.Height != 4 {
				t.Errorf("size = %dx%d", g.Width, g.Height)
			}
		})
	}
}

func TestContainerFromPath(t *testing.T) {
	for path, want := range map[string]string{
		"a.PNG": "png", "b.jpg": "jpeg", "c.tif": "tiff", "d.bmp": "bmp", "e": "png",
	} {
		if got := ContainerFromPath(path); got != want {
			t.Errorf("ContainerFromPath(%q) = %q, want %q", path, got, want)
		}
	}
}
