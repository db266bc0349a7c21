package graph

import (
	"errors"
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefuser/phase"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/errs"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// affineStage computes x*scale + shift + timestep, and remembers the last conditioning it saw.
type affineStage struct {
	name         string
	scale, shift float32
	calls        int
	last         Conditioning
}

func (s *affineStage) Name() string { return s.name }

func (s *affineStage) Run(x *buffers.Buffer, cond Conditioning) (*buffers.Buffer, error) {
	s.calls++
	s.last = cond
	ts := cond.Timestep.Float32s()[0]
	values := x.Float32s()
	for i := range values {
		values[i] = values[i]*s.scale + s.shift + ts
	}
	return buffers.FromFloat32s(x.DType(), values, x.Shape().Dimensions...)
}

// funcStage adapts a function to a Stage.
type funcStage func(x *buffers.Buffer, cond Conditioning) (*buffers.Buffer, error)

func (f funcStage) Name() string { return "func" }

func (f funcStage) Run(x *buffers.Buffer, cond Conditioning) (*buffers.Buffer, error) {
	return f(x, cond)
}

type testProgram struct {
	p                      *Program
	hidden, timestep, step *buffers.Buffer
	cond                   Conditions
	x                      *Value
}

func newTestProgram(t *testing.T, static StaticInfo) *testProgram {
	tp := &testProgram{
		p:        NewProgram("test"),
		hidden:   must.M1(buffers.FromFloat32s(dtypes.Float32, []float32{1, 2, 3, 4}, 1, 1, 2, 2)),
		timestep: must.M1(buffers.FromFloat32s(dtypes.Float32, []float32{0.5}, 1)),
		step:     StepBuffer(0, 0),
	}
	tp.x = tp.p.Input(tp.hidden)
	tp.cond = Conditions{
		Timestep: tp.p.Input(tp.timestep),
		Step:     tp.p.NamedInput("step", tp.step),
		Static:   static,
	}
	return tp
}

func TestRecordAndReplay(t *testing.T) {
	static := StaticInfo{Phase: phase.SteadyPipelined, PatchCount: 2, Height: 4, Width: 2, EmbeddingHeight: 2}
	tp := newTestProgram(t, static)
	embed := &affineStage{name: "embed", scale: 1, shift: 1}
	block := &affineStage{name: "block", scale: 2}

	x, err := Embed(embed, tp.x, tp.cond)
	require.NoError(t, err)
	y, err := Apply(block, x, tp.cond)
	require.NoError(t, err)
	require.NoError(t, tp.p.Return(y))

	// Executed eagerly while recording: ((x + 1 + 0.5) * 2) + 0.5
	assert.Equal(t, []float32{5.5, 7.5, 9.5, 11.5}, y.Buffer().Float32s())
	assert.Equal(t, 1, embed.calls)
	assert.Equal(t, 2, embed.last.Step.Height, "embedding sees the embedding height")
	assert.Equal(t, 4, block.last.Step.Height)
	assert.Equal(t, phase.SteadyPipelined, block.last.Step.Phase)

	// Replay with new input values, in place.
	output := tp.p.OutputBuffers()[0]
	require.NoError(t, tp.hidden.CopyFrom(must.M1(buffers.FromFloat32s(dtypes.Float32, []float32{0, 0, 1, 1}, 1, 1, 2, 2))))
	SetStep(tp.step, 3, 1)
	require.NoError(t, tp.p.Replay())
	assert.Same(t, output, tp.p.OutputBuffers()[0])
	assert.Equal(t, []float32{3.5, 3.5, 5.5, 5.5}, output.Float32s())
	assert.Equal(t, 2, embed.calls)
	assert.Equal(t, 3, block.last.Step.Counter)
	assert.Equal(t, 1, block.last.Step.PatchIndex)
	assert.Equal(t, 2, block.last.Step.PatchCount)
	assert.Nil(t, block.last.Encoder)
	assert.Equal(t, 1, tp.p.NumReplays())
}

func TestReplayEncoder(t *testing.T) {
	tp := newTestProgram(t, StaticInfo{Phase: phase.Warmup, PatchCount: 1, Height: 2, Width: 2, EmbeddingHeight: 2})
	encoder := must.M1(buffers.FromFloat32s(dtypes.Float32, []float32{7, 8}, 2))
	tp.cond.Encoder = tp.p.Input(encoder)
	block := &affineStage{name: "block", scale: 1}
	y, err := Apply(block, tp.x, tp.cond)
	require.NoError(t, err)
	require.NoError(t, tp.p.Return(y))
	assert.Same(t, encoder, block.last.Encoder)
	require.NoError(t, tp.p.Replay())
	assert.Same(t, encoder, block.last.Encoder)
}

func TestReplayShapeChange(t *testing.T) {
	tp := newTestProgram(t, StaticInfo{Phase: phase.Warmup, PatchCount: 1, Height: 2, Width: 2, EmbeddingHeight: 2})
	width := 2
	stage := funcStage(func(x *buffers.Buffer, cond Conditioning) (*buffers.Buffer, error) {
		return buffers.New(dtypes.Float32, 1, 1, 2, width), nil
	})
	y, err := Apply(stage, tp.x, tp.cond)
	require.NoError(t, err)
	require.NoError(t, tp.p.Return(y))
	require.NoError(t, tp.p.Replay())

	width = 3
	err = tp.p.Replay()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrCapture))
}

func TestStageErrors(t *testing.T) {
	static := StaticInfo{Phase: phase.Warmup, PatchCount: 1, Height: 2, Width: 2, EmbeddingHeight: 2}

	t.Run("panic", func(t *testing.T) {
		tp := newTestProgram(t, static)
		stage := funcStage(func(x *buffers.Buffer, cond Conditioning) (*buffers.Buffer, error) {
			exceptions.Panicf("boom")
			return nil, nil
		})
		_, err := Apply(stage, tp.x, tp.cond)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "panicked")
		assert.Contains(t, err.Error(), "boom")
		assert.Empty(t, tp.p.Statements)
	})

	t.Run("error", func(t *testing.T) {
		tp := newTestProgram(t, static)
		stage := funcStage(func(x *buffers.Buffer, cond Conditioning) (*buffers.Buffer, error) {
			return nil, errors.New("out of memory")
		})
		_, err := Apply(stage, tp.x, tp.cond)
		assert.ErrorContains(t, err, "out of memory")
	})

	t.Run("nil output", func(t *testing.T) {
		tp := newTestProgram(t, static)
		stage := funcStage(func(x *buffers.Buffer, cond Conditioning) (*buffers.Buffer, error) {
			return nil, nil
		})
		_, err := Apply(stage, tp.x, tp.cond)
		assert.Error(t, err)
	})

	t.Run("missing conditions", func(t *testing.T) {
		tp := newTestProgram(t, static)
		cond := tp.cond
		cond.Step = nil
		_, err := Apply(&affineStage{name: "a"}, tp.x, cond)
		assert.Error(t, err)
		cond = tp.cond
		cond.Step = tp.x
		_, err = Apply(&affineStage{name: "a"}, tp.x, cond)
		assert.Error(t, err)
	})
}

func TestProgramErrors(t *testing.T) {
	static := StaticInfo{Phase: phase.Warmup, PatchCount: 1, Height: 2, Width: 2, EmbeddingHeight: 2}
	tp := newTestProgram(t, static)
	require.Error(t, tp.p.Replay(), "replay before Return")

	other := newTestProgram(t, static)
	_, err := Apply(&affineStage{name: "a"}, other.x, tp.cond)
	require.Error(t, err, "values from different programs")
	require.Error(t, tp.p.Return(other.x))

	require.NoError(t, tp.p.Return(tp.x))
	require.Error(t, tp.p.Return(tp.x))
	_, err = Apply(&affineStage{name: "a"}, tp.x, tp.cond)
	require.Error(t, err, "adding ops after Return")
	require.NoError(t, tp.p.Replay())
	assert.Same(t, tp.hidden, tp.p.OutputBuffers()[0])
}

// doubler "gathers" by concatenating the local buffer with itself along the last axis.
type doubler struct{ calls int }

func (d *doubler) Assemble(local *buffers.Buffer) (*buffers.Buffer, error) {
	d.calls++
	dims := local.Shape().Clone().Dimensions
	dims[len(dims)-1] *= 2
	out := buffers.New(local.DType(), dims...)
	if err := buffers.Concatenate(out, []*buffers.Buffer{local, local}, -1); err != nil {
		return nil, err
	}
	return out, nil
}
func (d *doubler) Axis() int { return -1 }
func (d *doubler) Size() int { return 2 }

func TestGatherAndWrite(t *testing.T) {
	static := StaticInfo{Phase: phase.SteadyPipelined, PatchCount: 2, Height: 4, Width: 2, EmbeddingHeight: 2}
	tp := newTestProgram(t, static)
	g := &doubler{}
	y, err := Apply(&affineStage{name: "block", scale: 1}, tp.x, tp.cond)
	require.NoError(t, err)
	z, err := Gather(g, y)
	require.NoError(t, err)
	require.NoError(t, tp.p.Return(z))
	assert.NoError(t, z.Shape().Check(dtypes.Float32, 1, 1, 2, 4))
	assert.Equal(t, []float32{1.5, 2.5, 1.5, 2.5, 3.5, 4.5, 3.5, 4.5}, z.Buffer().Float32s())
	require.NoError(t, tp.p.Replay())
	assert.Equal(t, 2, g.calls)

	text := tp.p.String()
	lines := strings.Split(text, "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "program @test(%arg0: tensor<1x1x2x2xf32>, %arg1: tensor<1xf32>, %step: tensor<2xi32>) -> tensor<1x1x2x4xf32> {", lines[0])
	assert.Equal(t, `  %0 = "pipefuser.apply"(%arg0, %arg1, %step){height = 4 : i64, patch_count = 2 : i64, phase = "steady_pipelined", stage = "block", width = 2 : i64} : (tensor<1x1x2x2xf32>, tensor<1xf32>, tensor<2xi32>) -> tensor<1x1x2x2xf32>`, lines[1])
	assert.Equal(t, `  %1 = "pipefuser.gather"(%0){axis = -1 : i64, replica_groups = dense<[[0, 1]]> : tensor<1x2xi64>} : (tensor<1x1x2x2xf32>) -> tensor<1x1x2x4xf32>`, lines[2])
	assert.Equal(t, `  "return"(%1) : (tensor<1x1x2x4xf32>) -> ()`, lines[3])
	assert.Equal(t, "}", lines[4])
}
