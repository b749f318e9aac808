package nlmeans

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gogpu/nlmeans/frame"
	"github.com/gogpu/nlmeans/gpucore"
)

// Option ranges.
const (
	MaxWindow      = 99
	MinStrength    = 1.0
	MaxStrength    = 100.0
	MinParallelism = 1
	MaxParallelism = 168
)

// Options are the user-facing filter options.
type Options struct {
	// Radius is the research window diameter. Odd, 0-99.
	Radius int
	// Patch is the patch diameter of every component. Odd, 0-99.
	Patch int
	// Strength is the denoise strength of every component, 1-100.
	Strength float64
	// Parallelism is the number of offset batches in flight, 1-168.
	Parallelism int

	// ComponentStrength overrides Strength per component; zero is unset.
	ComponentStrength [gpucore.MaxComponents]float64
	// ComponentPatch overrides Patch per component; zero is unset.
	ComponentPatch [gpucore.MaxComponents]int
}

// DefaultOptions returns r=15, p=7, s=1.0, t=36.
func DefaultOptions() Options {
	return Options{
		Radius:      15,
		Patch:       7,
		Strength:    1.0,
		Parallelism: 36,
	}
}

// Validate checks every option against its range. Even window sizes are
// valid; they are corrected when the filter initializes.
func (o Options) Validate() error {
	if o.Radius < 0 || o.Radius > MaxWindow {
		return fmt.Errorf("%w: r=%d outside [0, %d]", ErrInvalidOption, o.Radius, MaxWindow)
	}
	if o.Patch < 0 || o.Patch > MaxWindow {
		return fmt.Errorf("%w: p=%d outside [0, %d]", ErrInvalidOption, o.Patch, MaxWindow)
	}
	if o.Strength < MinStrength || o.Strength > MaxStrength {
		return fmt.Errorf("%w: s=%g outside [%g, %g]", ErrInvalidOption, o.Strength, MinStrength, MaxStrength)
	}
	if o.Parallelism < MinParallelism || o.Parallelism > MaxParallelism {
		return fmt.Errorf("%w: t=%d outside [%d, %d]", ErrInvalidOption, o.Parallelism, MinParallelism, MaxParallelism)
	}
	for i := range gpucore.MaxComponents {
		if s := o.ComponentStrength[i]; s != 0 && (s < MinStrength || s > MaxStrength) {
			return fmt.Errorf("%w: s%d=%g outside [%g, %g]", ErrInvalidOption, i+1, s, MinStrength, MaxStrength)
		}
		if p := o.ComponentPatch[i]; p < 0 || p > MaxWindow {
			return fmt.Errorf("%w: p%d=%d outside [0, %d]", ErrInvalidOption, i+1, p, MaxWindow)
		}
	}
	return nil
}

// ParseOptions parses a colon-separated key=value list such as
// "r=15:p=7:s=2:t=8:s1=3:p2=5" on top of DefaultOptions. The result is
// validated.
func ParseOptions(s string) (Options, error) {
	o := DefaultOptions()
	if strings.TrimSpace(s) == "" {
		return o, nil
	}
	for _, kv := range strings.Split(s, ":") {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			return o, fmt.Errorf("%w: %q is not key=value", ErrInvalidOption, kv)
		}
		if err := o.set(strings.TrimSpace(key), strings.TrimSpace(val)); err != nil {
			return o, err
		}
	}
	return o, o.Validate()
}

func (o *Options) set(key, val string) error {
	atoi := func() (int, error) {
		v, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q: %w", ErrInvalidOption, key, val, err)
		}
		return v, nil
	}
	atof := func() (float64, error) {
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s=%q: %w", ErrInvalidOption, key, val, err)
		}
		return v, nil
	}

	var err error
	switch key {
	case "r":
		o.Radius, err = atoi()
	case "p":
		o.Patch, err = atoi()
	case "s":
		o.Strength, err = atof()
	case "t":
		o.Parallelism, err = atoi()
	default:
		if len(key) == 2 && key[1] >= '1' && key[1] <= '0'+gpucore.MaxComponents {
			i := int(key[1] - '1')
			switch key[0] {
			case 's':
				o.ComponentStrength[i], err = atof()
				return err
			case 'p':
				o.ComponentPatch[i], err = atoi()
				return err
			}
		}
		return fmt.Errorf("%w: unknown option %q", ErrInvalidOption, key)
	}
	return err
}

// String formats the options in the form accepted by ParseOptions. Unset
// overrides are omitted.
func (o Options) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "r=%d:p=%d:s=%s:t=%d", o.Radius, o.Patch,
		strconv.FormatFloat(o.Strength, 'g', -1, 64), o.Parallelism)
	for i, s := range o.ComponentStrength {
		if s != 0 {
			fmt.Fprintf(&b, ":s%d=%s", i+1, strconv.FormatFloat(s, 'g', -1, 64))
		}
	}
	for i, p := range o.ComponentPatch {
		if p != 0 {
			fmt.Fprintf(&b, ":p%d=%d", i+1, p)
		}
	}
	return b.String()
}

// Option configures a Filter during creation.
//
// Example:
//
//	f, err := nlmeans.New(dev, opts, nlmeans.WithPoolBudget(512<<20))
type Option func(*filterOptions)

type filterOptions struct {
	provider frame.Provider
	budget   uint64
}

func defaultFilterOptions() filterOptions {
	return filterOptions{
		provider: frame.HostProvider{},
		budget:   0, // a quarter of physical memory
	}
}

// WithFrameProvider sets the provider output frames are allocated from and
// input frames are released to. The default allocates in host memory.
func WithFrameProvider(p frame.Provider) Option {
	return func(o *filterOptions) {
		if p != nil {
			o.provider = p
		}
	}
}

// WithPoolBudget limits the bytes of scratch buffers the filter keeps on the
// device. Zero selects a quarter of physical memory.
func WithPoolBudget(bytes uint64) Option {
	return func(o *filterOptions) {
		o.budget = bytes
	}
}
