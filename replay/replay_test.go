package replay

import (
	"errors"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefuser/graph"
	"github.com/gomlx/pipefuser/phase"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/errs"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mixStage computes x*0.5 + timestep + counter, in float32.
type mixStage struct {
	calls int
	// grow makes the output one element wider than the input, to simulate a non-deterministic shape.
	grow bool
}

func (s *mixStage) Name() string { return "mix" }

func (s *mixStage) Run(x *buffers.Buffer, cond graph.Conditioning) (*buffers.Buffer, error) {
	s.calls++
	ts := cond.Timestep.Float32s()[0]
	values := x.Float32s()
	for i := range values {
		values[i] = values[i]*0.5 + ts + float32(cond.Step.Counter)
	}
	if s.grow {
		values = append(values, 0)
		return buffers.FromFloat32s(x.DType(), values, len(values))
	}
	return buffers.FromFloat32s(x.DType(), values, x.Shape().Dimensions...)
}

func computeFn(stages ...graph.Stage) ComputeFn {
	return func(p *graph.Program, inputs []*graph.Value) ([]*graph.Value, error) {
		cond := graph.Conditions{
			Timestep: inputs[1],
			Step:     inputs[2],
			Static:   graph.StaticInfo{Phase: phase.Warmup, PatchCount: 1, Height: 2, Width: 2, EmbeddingHeight: 2},
		}
		x := inputs[0]
		var err error
		for _, stage := range stages {
			x, err = graph.Apply(stage, x, cond)
			if err != nil {
				return nil, err
			}
		}
		return []*graph.Value{x}, nil
	}
}

func callInputs(step int, hidden ...float32) []*buffers.Buffer {
	return []*buffers.Buffer{
		must.M1(buffers.FromFloat32s(dtypes.Float16, hidden, 1, 1, 2, len(hidden)/2)),
		must.M1(buffers.FromFloat32s(dtypes.Float32, []float32{float32(step) * 0.1}, 1)),
		graph.StepBuffer(step, 0),
	}
}

func TestReplayEquivalence(t *testing.T) {
	stage := &mixStage{}
	enabled := New("enabled", true)
	disabled := New("disabled", false)
	fn := computeFn(stage, stage, stage)

	var capturedOutput *buffers.Buffer
	for step := range 5 {
		inputs := callInputs(step, 1, float32(step), 3, -4)
		want, err := disabled.Execute(phase.TagWarmup, inputs, fn)
		require.NoError(t, err)
		got, err := enabled.Execute(phase.TagWarmup, inputs, fn)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Truef(t, want[0].Equal(got[0]), "step %d: want %v, got %v", step, want[0].Float32s(), got[0].Float32s())
		if step == 0 {
			capturedOutput = got[0]
		} else {
			assert.Same(t, capturedOutput, got[0], "replay reuses the persistent output buffer")
		}
	}
	assert.Equal(t, 30, stage.calls)
	assert.True(t, enabled.Captured(phase.TagWarmup))
	assert.False(t, enabled.Captured(phase.TagSteadyFirst))
	assert.Equal(t, 1, enabled.NumCaptured())
	assert.Equal(t, []phase.Tag{phase.TagWarmup}, enabled.Tags())
	assert.Equal(t, 4, enabled.Program(phase.TagWarmup).NumReplays())
	assert.Nil(t, enabled.Program(phase.TagSteadyRepeat))
	assert.Zero(t, disabled.NumCaptured())
	assert.True(t, enabled.Memory() > 0)
	assert.Zero(t, disabled.Memory())
}

func TestCaptureIsolatedFromCallerBuffers(t *testing.T) {
	e := New("isolated", true)
	fn := computeFn(&mixStage{})
	inputs := callInputs(0, 1, 2, 3, 4)
	first, err := e.Execute(phase.TagWarmup, inputs, fn)
	require.NoError(t, err)
	want := first[0].Clone()

	// Changing the caller's buffer after the call doesn't affect the captured inputs.
	require.NoError(t, inputs[0].CopyFrom(callInputs(0, 9, 9, 9, 9)[0]))
	assert.True(t, want.Equal(first[0]))
}

func TestTagsAreIndependent(t *testing.T) {
	e := New("tags", true)
	fn := computeFn(&mixStage{})
	_, err := e.Execute(phase.TagWarmup, callInputs(0, 1, 2, 3, 4), fn)
	require.NoError(t, err)
	// A different hidden shape for a different tag is fine.
	_, err = e.Execute(phase.TagSteadyFirst, callInputs(1, 1, 2), fn)
	require.NoError(t, err)
	assert.Equal(t, 2, e.NumCaptured())
	assert.Equal(t, []phase.Tag{phase.TagWarmup, phase.TagSteadyFirst}, e.Tags())
}

func TestShapeMismatch(t *testing.T) {
	e := New("mismatch", true)
	fn := computeFn(&mixStage{})
	_, err := e.Execute(phase.TagWarmup, callInputs(0, 1, 2, 3, 4), fn)
	require.NoError(t, err)

	_, err = e.Execute(phase.TagWarmup, callInputs(1, 1, 2, 3, 4, 5, 6), fn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrShapeMismatch))

	_, err = e.Execute(phase.TagWarmup, callInputs(1, 1, 2, 3, 4)[:2], fn)
	assert.True(t, errors.Is(err, errs.ErrShapeMismatch))

	// The captured program is still usable.
	_, err = e.Execute(phase.TagWarmup, callInputs(2, 1, 2, 3, 4), fn)
	require.NoError(t, err)
}

func TestCaptureError(t *testing.T) {
	stage := &mixStage{}
	e := New("capture", true)
	fn := computeFn(stage)
	_, err := e.Execute(phase.TagWarmup, callInputs(0, 1, 2, 3, 4), fn)
	require.NoError(t, err)

	stage.grow = true
	_, err = e.Execute(phase.TagWarmup, callInputs(1, 1, 2, 3, 4), fn)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCapture))
}

func TestRecordErrors(t *testing.T) {
	e := New("errors", true)
	_, err := e.Execute(phase.TagWarmup, callInputs(0, 1, 2, 3, 4),
		func(p *graph.Program, inputs []*graph.Value) ([]*graph.Value, error) { return nil, nil })
	assert.True(t, errors.Is(err, errs.ErrCapture))
	assert.False(t, e.Captured(phase.TagWarmup))

	_, err = e.Execute(phase.TagWarmup, callInputs(0, 1, 2, 3, 4),
		func(p *graph.Program, inputs []*graph.Value) ([]*graph.Value, error) {
			return nil, errors.New("no device memory")
		})
	assert.ErrorContains(t, err, "no device memory")
	assert.False(t, e.Captured(phase.TagWarmup))

	// Inputs are returned as outputs as is: useful for ranks without stages.
	inputs := callInputs(0, 1, 2, 3, 4)
	outputs, err := New("identity", false).Execute(phase.TagWarmup, inputs,
		func(p *graph.Program, inputs []*graph.Value) ([]*graph.Value, error) { return inputs[:1], nil })
	require.NoError(t, err)
	assert.Same(t, inputs[0], outputs[0])
}
