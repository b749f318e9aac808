// Package backend selects the device the denoise pipeline runs on.
//
// Backends register a factory from an init() function and are selected at
// runtime. Importing a backend package is enough to make it available:
//
//	import (
//		_ "github.com/gogpu/nlmeans/backend/native"
//		_ "github.com/gogpu/nlmeans/backend/software"
//	)
//
// # Backend Selection
//
// Use Default() to open the best available device, or Open() to request a
// specific backend by name:
//
//	dev, name, err := backend.Default()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//	log.Printf("running on %s (%s)", name, dev.Name())
//
// # Available Backends
//
//   - "native": GPU compute through gogpu/wgpu (Vulkan)
//   - "software": CPU interpreter of the kernel instructions (always available)
package backend
