package graph

import (
	"github.com/gomlx/pipefuser/phase"
	"github.com/gomlx/pipefuser/types/buffers"
)

// Stage is one computation block of the model, e.g. a transformer block or the input embedding.
//
// Run must be deterministic: the same activations and conditioning must yield bit-identical
// outputs, since captured programs are replayed. Run may return a new buffer or one it owns and
// reuses across calls, but it must not modify its inputs.
type Stage interface {
	Name() string
	Run(activations *buffers.Buffer, cond Conditioning) (*buffers.Buffer, error)
}

// StepInfo describes the call a stage is running for.
type StepInfo struct {
	Phase      phase.Phase
	Counter    int
	PatchIndex int
	PatchCount int

	// Height and Width of the image the stage works on. For the embedding stage in the steady
	// phase, Height is the height of one patch.
	Height, Width int
}

// Conditioning holds the per-step inputs given to every stage besides the activations.
type Conditioning struct {
	Timestep *buffers.Buffer

	// Encoder holds the encoded prompt. It may be nil.
	Encoder *buffers.Buffer
	Step    StepInfo
}
