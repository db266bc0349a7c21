// Package pipefuser schedules the inference of a multi-step denoising transformer across the ranks
// of a pipeline.
//
// Each device runs one Scheduler. The stages (transformer blocks) of the model are split across
// the pipeline ranks (see package partition), and every call to Scheduler.RunStep:
//
//   - decides the phase of the call (see package phase): full-image warmup steps first, then
//     steady steps split into patches;
//   - runs the stages of the rank, the embedding stage only on its owner;
//   - all-gathers the partial outputs of the pipeline group and stitches them along the height
//     axis (see package collective);
//   - captures the whole call as a program on its first occurrence per phase tag, and replays it
//     afterwards (see package replay).
//
// Example, for one device of the group:
//
//	topo, err := topology.Validate(parallelConfig, topology.Environment{WorldSize: 4, Rank: rank})
//	...
//	sched, err := pipefuser.Setup(topo, model, channel, pipefuser.DefaultConfig().WithWarmupSteps(1))
//	...
//	for step := range numSteps {
//		output, err := sched.RunStep(pipefuser.Inputs{Hidden: latents, Timestep: t}, step == 0)
//		...
//	}
package pipefuser

import (
	"github.com/gomlx/pipefuser/graph"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/errs"
)

// Stage is a computation block of the model. See graph.Stage.
type Stage = graph.Stage

// Conditioning given to stages. See graph.Conditioning.
type Conditioning = graph.Conditioning

// StepInfo describes the call a stage runs for. See graph.StepInfo.
type StepInfo = graph.StepInfo

// Errors returned by the scheduler, see package errs.
var (
	ErrConfiguration            = errs.ErrConfiguration
	ErrUnsupportedConfiguration = errs.ErrUnsupportedConfiguration
	ErrPartitionMismatch        = errs.ErrPartitionMismatch
	ErrShapeMismatch            = errs.ErrShapeMismatch
	ErrCapture                  = errs.ErrCapture
)

// Model is the ordered list of stages to run.
type Model struct {
	// Embedding is the input-embedding stage, run before the blocks by the embedding owner only.
	// It is optional.
	Embedding Stage

	Blocks []Stage
}

// Inputs of one call.
//
// Hidden are the latents, shaped [batch, channels, height, width]: the full image in warmup and
// full-sync calls, one patch (height/patchCount rows) in steady calls.
type Inputs struct {
	Hidden   *buffers.Buffer
	Timestep *buffers.Buffer

	// Encoder holds the encoded prompt. It is optional, but it must be given on every call or on none.
	Encoder *buffers.Buffer
}
