package toystages

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefuser/graph"
	"github.com/gomlx/pipefuser/phase"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAffine(t *testing.T) {
	x := must.M1(buffers.FromFloat32s(dtypes.Float32, []float32{1, 2}, 2))
	cond := graph.Conditioning{
		Timestep: must.M1(buffers.FromFloat32s(dtypes.Float32, []float32{0.5}, 1)),
		Encoder:  must.M1(buffers.FromFloat32s(dtypes.Float32, []float32{1, 3}, 2)),
		Step:     graph.StepInfo{Counter: 100, PatchIndex: 1000},
	}
	a := &Affine{Label: "a", Scale: 2, Shift: 1}
	y, err := a.Run(x, cond)
	require.NoError(t, err)
	// bias = 0.5 + 1 + 1 + mean(1,3)=2 -> 4.5
	assert.InDeltaSlice(t, []float32{7.5, 9.5}, y.Float32s(), 1e-5)
	assert.Equal(t, []float32{1, 2}, x.Float32s(), "input unchanged")

	y2, err := a.Run(x, cond)
	require.NoError(t, err)
	assert.True(t, y.Equal(y2))

	_, err = a.Run(x, graph.Conditioning{})
	require.Error(t, err)
}

func TestEmbedding(t *testing.T) {
	x := buffers.New(dtypes.Float16, 1, 2, 4, 3)
	e := &Embedding{Scale: 2}
	_, err := e.Run(x, graph.Conditioning{Step: graph.StepInfo{Height: 4}})
	require.NoError(t, err)
	_, err = e.Run(x, graph.Conditioning{Step: graph.StepInfo{Height: 2, Phase: phase.SteadyPipelined}})
	require.ErrorContains(t, err, "steady_pipelined")
}

func TestBlocks(t *testing.T) {
	blocks := Blocks(10)
	require.Len(t, blocks, 10)
	assert.Equal(t, "block_9", blocks[9].Name())
	assert.Equal(t, 3.0, Checksum(must.M1(buffers.FromAnyValue([]float32{1, 2}))))
}
