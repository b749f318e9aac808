// Package nlmeans provides a non-local-means image denoiser that runs as a
// compute pipeline on a GPU or on the CPU reference device.
//
// # Overview
//
// For every pixel the filter compares the patch around it with the patches
// around each neighbor in a research window and averages the neighbors,
// weighting each by how similar its patch is. Patch differences are read
// from integral images in constant time, so the cost per frame grows with
// the window size but not with the patch size.
//
// # Quick Start
//
//	import (
//		"github.com/gogpu/nlmeans"
//		"github.com/gogpu/nlmeans/backend"
//		_ "github.com/gogpu/nlmeans/backend/native"
//		_ "github.com/gogpu/nlmeans/backend/software"
//	)
//
//	dev, _, err := backend.Default()
//	if err != nil {
//		return err
//	}
//	defer dev.Close()
//
//	f, err := nlmeans.New(dev, nlmeans.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer f.Close()
//
//	out, err := f.Process(ctx, in)
//
// # Options
//
// [Options] mirrors the option string of the filter ("r=15:p=7:s=1:t=36"):
// research window diameter, patch diameter, strength, parallelism and the
// per-component overrides s1..s4 and p1..p4. Even window sizes are raised
// to the next odd value with a warning.
//
// # Errors
//
// Initialization runs on the first frame. A missing device capability or a
// kernel that fails to compile leaves the filter failed: that frame and
// every later one return an error wrapping [ErrFilterFailed]. Allocation
// and submission failures only drop the current frame.
//
// # Logging
//
// The package logs nothing by default. See [SetLogger].
package nlmeans

// Version is the current version of the library.
const Version = "0.1.0"
