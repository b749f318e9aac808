// Package params resolves user options against device capabilities into
// the immutable configuration every other stage of the pipeline consumes.
package params

import (
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/nlmeans/gpucore"
	"github.com/gogpu/nlmeans/internal/logging"
)

// ErrMemoryModel is returned when the device lacks the memory-ordering
// guarantees the kernels need.
var ErrMemoryModel = fmt.Errorf("%w: memory model", gpucore.ErrCapability)

// ErrNoComponents is returned when no component count is given.
var ErrNoComponents = errors.New("params: format has no components")

// Input is the unresolved option set.
type Input struct {
	// Radius is the research window diameter.
	Radius int
	// Patch is the default patch diameter.
	Patch int
	// Strength is the default denoise strength.
	Strength float64
	// Parallelism is the requested number of offset batches in flight.
	Parallelism int

	// ComponentStrength overrides Strength per component when > 1.
	ComponentStrength [gpucore.MaxComponents]float64
	// ComponentPatch overrides Patch per component when non-zero.
	ComponentPatch [gpucore.MaxComponents]int

	// Components is the number of image components to denoise.
	Components int
}

// Correction records an even window size raised to the next odd value.
type Correction struct {
	Field string
	From  int
	To    int
}

func (c Correction) String() string {
	return fmt.Sprintf("%s %d -> %d", c.Field, c.From, c.To)
}

// Resolved is the immutable configuration of one filter instance.
type Resolved struct {
	// Radius is the odd research window diameter.
	Radius int
	// PatchSize is the odd patch diameter per component.
	PatchSize [gpucore.MaxComponents]int
	// Strength is the weighting coefficient per component, always negative.
	Strength [gpucore.MaxComponents]float32

	Offsets []Offset

	// Parallelism is the effective number of offset batches in flight.
	Parallelism int
	// Atomic reports whether accumulation must be atomic (Parallelism > 1).
	Atomic bool

	Components  int
	Corrections []Correction
	// Degraded reports parallelism forced to 1 by a missing atomic add.
	Degraded bool
}

// PatchHalf returns the patch half-size of component c.
func (r *Resolved) PatchHalf(c int) int { return r.PatchSize[c] / 2 }

// Batches returns the number of weights dispatches per frame.
func (r *Resolved) Batches() int {
	return (len(r.Offsets) + gpucore.Lanes - 1) / gpucore.Lanes
}

// Resolve validates in against caps. Even window sizes are corrected with a
// warning; a missing memory model is the only error.
func Resolve(in Input, caps gpucore.Capabilities) (*Resolved, error) {
	if !caps.MemoryModel {
		return nil, ErrMemoryModel
	}
	if in.Components <= 0 || in.Components > gpucore.MaxComponents {
		return nil, fmt.Errorf("%w (got %d)", ErrNoComponents, in.Components)
	}

	r := &Resolved{Components: in.Components}
	r.Radius = r.odd("r", in.Radius)
	patch := r.odd("p", in.Patch)

	for i := 0; i < in.Components; i++ {
		ps := patch
		if in.ComponentPatch[i] != 0 {
			ps = r.odd(fmt.Sprintf("p%d", i+1), in.ComponentPatch[i])
		}
		r.PatchSize[i] = ps
		r.Strength[i] = Coefficient(EffectiveStrength(in.Strength, in.ComponentStrength[i]))
	}

	r.Offsets = Offsets(r.Radius)

	t := in.Parallelism
	if limit := r.Batches(); t > limit {
		t = limit
	}
	if !caps.AtomicFloatAdd && t > 1 {
		logging.Logger().Warn("nlmeans: device lacks atomic float add, parallelism forced to 1",
			"requested", in.Parallelism)
		t = 1
		r.Degraded = true
	}
	// An empty offset set (r == 1) still needs one slot.
	if t < 1 {
		t = 1
	}
	r.Parallelism = t
	r.Atomic = t > 1

	return r, nil
}

// odd raises an even v to v+1 and records the correction.
func (r *Resolved) odd(field string, v int) int {
	if v%2 != 0 {
		return v
	}
	logging.Logger().Warn("nlmeans: window size must be odd, corrected",
		"option", field, "from", v, "to", v+1)
	r.Corrections = append(r.Corrections, Correction{Field: field, From: v, To: v + 1})
	return v + 1
}

// EffectiveStrength applies a per-component override: values above 1.0
// replace the default.
func EffectiveStrength(def, override float64) float64 {
	if override > 1.0 {
		return override
	}
	return def
}

// Coefficient converts a strength into the negative scalar multiplied with
// a patch difference before exponentiation: 255² / -(10·s)².
func Coefficient(strength float64) float32 {
	s := 10 * strength
	return float32(255 * 255 / -(s * s))
}

// Weight is the similarity weight of a patch difference.
func Weight(patchSum, coefficient float32) float32 {
	return float32(math.Exp(float64(patchSum * coefficient)))
}
