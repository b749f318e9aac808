// Package barrier tracks the last pipeline stage and access mode of each
// buffer and records the barriers needed before its next use.
//
// [Transition] is the only function that changes a [State].
package barrier

import "github.com/gogpu/nlmeans/gpucore"

// State is the last recorded use of one buffer.
type State struct {
	Stage  gpucore.Stage
	Access gpucore.Access
}

// Request is the next use of a buffer.
type Request struct {
	Buffer gpucore.BufferID
	State  *State
	Stage  gpucore.Stage
	Access gpucore.Access

	// Reuse marks a use that overwrites or rereads data written by earlier
	// commands in the same stage and mode; it needs a barrier even without a
	// state change when the previous use wrote.
	Reuse bool
}

// Transition records one barrier covering every request whose buffer needs
// one and updates the recorded states. It returns the number of buffers
// included; zero means nothing was recorded.
func Transition(ec *gpucore.ExecContext, reqs ...Request) int {
	var bs []gpucore.BufferBarrier
	for _, r := range reqs {
		prev := *r.State
		changed := prev.Stage != r.Stage || prev.Access != r.Access
		if !changed && !(r.Reuse && prev.Access.Writes()) {
			continue
		}
		bs = append(bs, gpucore.BufferBarrier{
			Buffer:    r.Buffer,
			SrcStage:  prev.Stage,
			SrcAccess: prev.Access,
			DstStage:  r.Stage,
			DstAccess: r.Access,
		})
		r.State.Stage = r.Stage
		r.State.Access = r.Access
	}
	ec.Barrier(bs...)
	return len(bs)
}
