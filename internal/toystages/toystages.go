// Package toystages implements small deterministic stages, used to exercise the scheduler in tests
// and in the simulator without a real model.
//
// Stages compute in float32 and convert the result back to the dtype of their input, so Float16
// activations are rounded after every stage.
package toystages

import (
	"fmt"

	"github.com/gomlx/pipefuser/graph"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/pkg/errors"
)

// Affine computes x*Scale + Shift + timestep + 0.01*counter + 0.001*patchIndex [+ mean(encoder)].
type Affine struct {
	Label        string
	Scale, Shift float32
}

var _ graph.Stage = (*Affine)(nil)

// Name implements graph.Stage.
func (a *Affine) Name() string { return a.Label }

// Run implements graph.Stage.
func (a *Affine) Run(x *buffers.Buffer, cond graph.Conditioning) (*buffers.Buffer, error) {
	if cond.Timestep == nil || cond.Timestep.Shape().Size() < 1 {
		return nil, errors.Errorf("stage %q: timestep required", a.Label)
	}
	bias := cond.Timestep.Float32s()[0] + 0.01*float32(cond.Step.Counter) + 0.001*float32(cond.Step.PatchIndex)
	if cond.Encoder != nil {
		bias += mean(cond.Encoder.Float32s())
	}
	values := x.Float32s()
	for i, v := range values {
		values[i] = v*a.Scale + a.Shift + bias
	}
	return buffers.FromFloat32s(x.DType(), values, x.Shape().Dimensions...)
}

// Embedding scales its input, after checking that its height matches the height of the step.
type Embedding struct {
	Scale float32
}

var _ graph.Stage = (*Embedding)(nil)

// Name implements graph.Stage.
func (e *Embedding) Name() string { return "embedding" }

// Run implements graph.Stage.
func (e *Embedding) Run(x *buffers.Buffer, cond graph.Conditioning) (*buffers.Buffer, error) {
	if x.Shape().Rank() == 4 && cond.Step.Height != 0 && x.Shape().Dim(2) != cond.Step.Height {
		return nil, errors.Errorf("embedding: input %s doesn't match height %d of %s step",
			x.Shape(), cond.Step.Height, cond.Step.Phase)
	}
	values := x.Float32s()
	for i, v := range values {
		values[i] = v * e.Scale
	}
	return buffers.FromFloat32s(x.DType(), values, x.Shape().Dimensions...)
}

// Blocks returns n Affine stages with slightly different parameters.
func Blocks(n int) []graph.Stage {
	stages := make([]graph.Stage, n)
	for i := range stages {
		stages[i] = &Affine{
			Label: fmt.Sprintf("block_%d", i),
			Scale: 0.9 + 0.01*float32(i%7),
			Shift: 0.05 * float32(i%3),
		}
	}
	return stages
}

// Checksum returns the sum of the values of b, in float64.
func Checksum(b *buffers.Buffer) float64 {
	var sum float64
	for _, v := range b.Float32s() {
		sum += float64(v)
	}
	return sum
}

func mean(values []float32) float32 {
	if len(values) == 0 {
		return 0
	}
	var sum float32
	for _, v := range values {
		sum += v
	}
	return sum / float32(len(values))
}
