package frame

import "maps"

// Provider allocates frames and copies their metadata.
type Provider interface {
	// Allocate returns a new frame of the given geometry.
	Allocate(width, height int, format *PixelFormat) (*Frame, error)

	// CopyProps copies metadata from src to dst.
	CopyProps(dst, src *Frame)

	// Release hands a frame back. The frame must not be used afterwards.
	Release(f *Frame)
}

// HostProvider allocates frames in host memory.
type HostProvider struct{}

// Allocate implements Provider.
func (HostProvider) Allocate(width, height int, format *PixelFormat) (*Frame, error) {
	return New(width, height, format)
}

// CopyProps implements Provider.
func (HostProvider) CopyProps(dst, src *Frame) {
	dst.PTS = src.PTS
	dst.Props = maps.Clone(src.Props)
}

// Release implements Provider.
func (HostProvider) Release(f *Frame) {
	if f != nil {
		f.markReleased()
	}
}
