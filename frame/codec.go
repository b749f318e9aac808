package frame

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// Decode reads an image in any registered container (PNG, JPEG, TIFF, BMP)
// and converts it to a frame. The container name is returned alongside.
func Decode(r io.Reader) (*Frame, string, error) {
	img, name, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("frame: decode: %w", err)
	}
	f, err := FromImage(img)
	if err != nil {
		return nil, name, err
	}
	return f, name, nil
}

// Encode writes f in the named container: "png", "jpeg", "tiff" or "bmp".
func Encode(w io.Writer, f *Frame, container string) error {
	img, err := ToImage(f)
	if err != nil {
		return err
	}
	switch container {
	case "png":
		err = png.Encode(w, img)
	case "jpeg", "jpg":
		err = jpeg.Encode(w, img, &jpeg.Options{Quality: 95})
	case "tiff", "tif":
		err = tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case "bmp":
		err = bmp.Encode(w, img)
	default:
		return fmt.Errorf("frame: unknown container %q", container)
	}
	if err != nil {
		return fmt.Errorf("frame: encode %s: %w", container, err)
	}
	return nil
}

// ContainerFromPath guesses the container from a file extension.
// Unknown extensions map to "png".
func ContainerFromPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "jpeg"
	case ".tif", ".tiff":
		return "tiff"
	case ".bmp":
		return "bmp"
	}
	return "png"
}
