package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

// ErrUnsupportedImage is returned when an image cannot be mapped to a frame.
var ErrUnsupportedImage = errors.New("frame: unsupported image type")

// FromImage converts img into a frame. Gray images become Gray frames,
// YCbCr images keep their planes and subsampling, and every other image
// becomes RGB or RGBA depending on whether it is opaque.
func FromImage(img image.Image) (*Frame, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		f, err := New(w, h, Gray)
		if err != nil {
			return nil, err
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				f.Planes[0][y*w+x] = float32(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y) / 255
			}
		}
		return f, nil
	case *image.Gray16:
		f, err := New(w, h, Gray)
		if err != nil {
			return nil, err
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				f.Planes[0][y*w+x] = float32(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 65535
			}
		}
		return f, nil
	case *image.YCbCr:
		return fromYCbCr(src)
	}

	format := RGB
	if !opaque(img) {
		format = RGBA
	}
	f, err := New(w, h, format)
	if err != nil {
		return nil, err
	}
	ch := format.Channels(0)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA64)
			i := (y*w + x) * ch
			f.Planes[0][i] = float32(c.R) / 65535
			f.Planes[0][i+1] = float32(c.G) / 65535
			f.Planes[0][i+2] = float32(c.B) / 65535
			if ch == 4 {
				f.Planes[0][i+3] = float32(c.A) / 65535
			}
		}
	}
	return f, nil
}

func fromYCbCr(src *image.YCbCr) (*Frame, error) {
	var format *PixelFormat
	switch src.SubsampleRatio {
	case image.YCbCrSubsampleRatio444:
		format = YUV444P
	case image.YCbCrSubsampleRatio422:
		format = YUV422P
	case image.YCbCrSubsampleRatio420:
		format = YUV420P
	default:
		return nil, fmt.Errorf("%w: ycbcr subsampling %v", ErrUnsupportedImage, src.SubsampleRatio)
	}
	b := src.Bounds()
	f, err := New(b.Dx(), b.Dy(), format)
	if err != nil {
		return nil, err
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			f.Planes[0][y*f.Width+x] = float32(src.Y[src.YOffset(b.Min.X+x, b.Min.Y+y)]) / 255
		}
	}
	cw, chh := f.PlaneSize(1)
	for y := 0; y < chh; y++ {
		for x := 0; x < cw; x++ {
			// Chroma rows of the source are addressed through a luma
			// coordinate inside the subsampled block.
			o := src.COffset(b.Min.X+x<<format.Log2ChromaW, b.Min.Y+y<<format.Log2ChromaH)
			f.Planes[1][y*cw+x] = float32(src.Cb[o]) / 255
			f.Planes[2][y*cw+x] = float32(src.Cr[o]) / 255
		}
	}
	return f, nil
}

// ToImage converts f into an image of matching layout.
func ToImage(f *Frame) (image.Image, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	w, h := f.Width, f.Height
	switch f.Format {
	case Gray:
		img := image.NewGray16(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray16(x, y, color.Gray16{Y: to16(f.Planes[0][y*w+x])})
			}
		}
		return img, nil
	case RGB, RGBA:
		img := image.NewNRGBA64(image.Rect(0, 0, w, h))
		ch := f.Format.Channels(0)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				i := (y*w + x) * ch
				c := color.NRGBA64{
					R: to16(f.Planes[0][i]),
					G: to16(f.Planes[0][i+1]),
					B: to16(f.Planes[0][i+2]),
					A: 0xffff,
				}
				if ch == 4 {
					c.A = to16(f.Planes[0][i+3])
				}
				img.SetNRGBA64(x, y, c)
			}
		}
		return img, nil
	case YUV444P, YUV422P, YUV420P:
		ratio := map[*PixelFormat]image.YCbCrSubsampleRatio{
			YUV444P: image.YCbCrSubsampleRatio444,
			YUV422P: image.YCbCrSubsampleRatio422,
			YUV420P: image.YCbCrSubsampleRatio420,
		}[f.Format]
		img := image.NewYCbCr(image.Rect(0, 0, w, h), ratio)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.Y[img.YOffset(x, y)] = to8(f.Planes[0][y*w+x])
			}
		}
		cw, chh := f.PlaneSize(1)
		for y := 0; y < chh; y++ {
			for x := 0; x < cw; x++ {
				o := img.COffset(x<<f.Format.Log2ChromaW, y<<f.Format.Log2ChromaH)
				img.Cb[o] = to8(f.Planes[1][y*cw+x])
				img.Cr[o] = to8(f.Planes[2][y*cw+x])
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: format %s", ErrUnsupportedImage, f.Format)
}

func opaque(img image.Image) bool {
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return o.Opaque()
	}
	return false
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func to16(v float32) uint16 { return uint16(clamp01(v)*65535 + 0.5) }
func to8(v float32) uint8   { return uint8(clamp01(v)*255 + 0.5) }
