package topology_test

import (
	"errors"
	"testing"

	"github.com/gomlx/pipefuser/types/errs"
	"github.com/gomlx/pipefuser/types/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parallel builds a ParallelConfig with all sub-configs set.
func parallel(dp, ulysses, ring, pp, tp int) topology.ParallelConfig {
	return topology.ParallelConfig{
		DataParallel:     &topology.DataParallelConfig{Degree: dp},
		SequenceParallel: &topology.SequenceParallelConfig{UlyssesDegree: ulysses, RingDegree: ring},
		PipeFusion:       &topology.PipeFusionConfig{Degree: pp},
		TensorParallel:   &topology.TensorParallelConfig{Degree: tp},
	}
}

func TestValidate(t *testing.T) {
	t.Run("pipeline only", func(t *testing.T) {
		topo, err := topology.Validate(parallel(1, 0, 0, 4, 1), topology.Environment{WorldSize: 4, Rank: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, topo.WorldSize())
		assert.Equal(t, 1, topo.DataParallelDegree())
		assert.Equal(t, 1, topo.CFGDegree())
		assert.Equal(t, 1, topo.UlyssesDegree())
		assert.Equal(t, 1, topo.RingDegree())
		assert.Equal(t, 1, topo.SequenceParallelDegree())
		assert.Equal(t, 4, topo.PipelineDegree())
		assert.Equal(t, 1, topo.TensorParallelDegree())
		assert.Equal(t, 4, topo.PatchCount(), "patch count defaults to the pipeline degree")
		assert.Nil(t, topo.StageCounts())
		assert.Equal(t, 2, topo.PipelineRank())
		assert.Equal(t, []int{0, 1, 2, 3}, topo.PipelineGroup())
		assert.Equal(t, []int{0, 0, 2, 0, 0}, topo.Coordinates())
		assert.Equal(t, topology.MeshAxes, topo.Mesh().AxesNames())
	})

	t.Run("split batch with data parallel", func(t *testing.T) {
		cfg := parallel(2, 1, 1, 2, 1)
		cfg.DataParallel.UseSplitBatch = true
		cfg.DataParallel.DoClassifierFreeGuidance = true
		cfg.PipeFusion.PatchCount = 3
		cfg.PipeFusion.StageCounts = []int{5, 7}
		topo, err := topology.Validate(cfg, topology.Environment{WorldSize: 8, Rank: 5})
		require.NoError(t, err)
		assert.Equal(t, 2, topo.CFGDegree())
		assert.Equal(t, 3, topo.PatchCount())
		assert.Equal(t, []int{5, 7}, topo.StageCounts())
		assert.Equal(t, []int{1, 0, 1, 0, 0}, topo.Coordinates())
		assert.Equal(t, 1, topo.PipelineRank())
		assert.Equal(t, []int{4, 5}, topo.PipelineGroup())

		group, err := topo.Group(topology.AxisCFG)
		require.NoError(t, err)
		assert.Equal(t, []int{5, 7}, group)
	})

	t.Run("cfg without split batch", func(t *testing.T) {
		cfg := parallel(1, 1, 1, 2, 1)
		cfg.DataParallel.DoClassifierFreeGuidance = true
		topo, err := topology.Validate(cfg, topology.Environment{WorldSize: 2, Rank: 0})
		require.NoError(t, err)
		assert.Equal(t, 1, topo.CFGDegree())
	})

	t.Run("sequence parallel with backend", func(t *testing.T) {
		topo, err := topology.Validate(parallel(1, 2, 1, 2, 1),
			topology.Environment{WorldSize: 4, Rank: 3, HasSequenceBackend: true})
		require.NoError(t, err)
		assert.Equal(t, 2, topo.SequenceParallelDegree())
		// rank 3 = (pp=1, sp=1): pipeline peers differ only in pp.
		assert.Equal(t, []int{1, 3}, topo.PipelineGroup())
		assert.Equal(t, 1, topo.PipelineRank())
	})
}

func TestValidateErrors(t *testing.T) {
	splitBatch := func(cfg topology.ParallelConfig) topology.ParallelConfig {
		cfg.DataParallel.UseSplitBatch = true
		cfg.DataParallel.DoClassifierFreeGuidance = true
		return cfg
	}
	tests := []struct {
		name    string
		cfg     topology.ParallelConfig
		env     topology.Environment
		wantErr error
	}{
		{"missing sub-config", topology.ParallelConfig{}, topology.Environment{WorldSize: 1}, errs.ErrConfiguration},
		{"zero world size", parallel(1, 1, 1, 1, 1), topology.Environment{WorldSize: 0}, errs.ErrConfiguration},
		{"rank out of range", parallel(1, 1, 1, 2, 1), topology.Environment{WorldSize: 2, Rank: 2}, errs.ErrConfiguration},
		{"dp zero", parallel(0, 1, 1, 2, 1), topology.Environment{WorldSize: 2}, errs.ErrConfiguration},
		{"dp too large", parallel(4, 1, 1, 1, 1), topology.Environment{WorldSize: 2}, errs.ErrConfiguration},
		{"split batch dp too large", splitBatch(parallel(2, 1, 1, 1, 1)), topology.Environment{WorldSize: 2}, errs.ErrConfiguration},
		{"pp zero", parallel(1, 1, 1, 0, 1), topology.Environment{WorldSize: 2}, errs.ErrConfiguration},
		{"pp too large", parallel(1, 1, 1, 4, 1), topology.Environment{WorldSize: 2}, errs.ErrConfiguration},
		{"tp zero", parallel(1, 1, 1, 2, 0), topology.Environment{WorldSize: 2}, errs.ErrConfiguration},
		{"negative ulysses", parallel(1, -1, 1, 2, 1), topology.Environment{WorldSize: 2}, errs.ErrConfiguration},
		{"product mismatch", parallel(1, 1, 1, 2, 1), topology.Environment{WorldSize: 4}, errs.ErrConfiguration},
		{"tensor parallel", parallel(1, 1, 1, 1, 2), topology.Environment{WorldSize: 2}, errs.ErrUnsupportedConfiguration},
		{"sequence parallel without backend", parallel(1, 2, 1, 1, 1), topology.Environment{WorldSize: 2}, errs.ErrUnsupportedConfiguration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := topology.Validate(tt.cfg, tt.env)
			require.Error(t, err)
			assert.Truef(t, errors.Is(err, tt.wantErr), "want %v, got %v", tt.wantErr, err)
		})
	}

	t.Run("negative patch count", func(t *testing.T) {
		cfg := parallel(1, 1, 1, 2, 1)
		cfg.PipeFusion.PatchCount = -1
		_, err := topology.Validate(cfg, topology.Environment{WorldSize: 2})
		assert.True(t, errors.Is(err, errs.ErrConfiguration))
	})

	t.Run("stage counts length", func(t *testing.T) {
		cfg := parallel(1, 1, 1, 2, 1)
		cfg.PipeFusion.StageCounts = []int{1, 2, 3}
		_, err := topology.Validate(cfg, topology.Environment{WorldSize: 2})
		assert.True(t, errors.Is(err, errs.ErrConfiguration))
	})

	t.Run("strategies", func(t *testing.T) {
		cfg := parallel(1, 1, 1, 2, 1)
		cfg.Strategy = topology.StrategyTensor
		_, err := topology.Validate(cfg, topology.Environment{WorldSize: 2})
		assert.True(t, errors.Is(err, errs.ErrUnsupportedConfiguration))

		cfg = parallel(1, 1, 1, 2, 1)
		cfg.Strategy, cfg.Family = topology.StrategyNaivePatch, topology.FamilySD3
		_, err = topology.Validate(cfg, topology.Environment{WorldSize: 2})
		assert.True(t, errors.Is(err, errs.ErrUnsupportedConfiguration))

		cfg.Family = topology.FamilyDiT
		_, err = topology.Validate(cfg, topology.Environment{WorldSize: 2})
		assert.NoError(t, err)
	})
}

func TestEnums(t *testing.T) {
	s, err := topology.StrategyString("naive_patch")
	require.NoError(t, err)
	assert.Equal(t, topology.StrategyNaivePatch, s)
	assert.Equal(t, "pipe_fusion", topology.StrategyPipeFusion.String())
	f, err := topology.FamilyString("SD3")
	require.NoError(t, err)
	assert.Equal(t, topology.FamilySD3, f)
	_, err = topology.FamilyString("unet")
	assert.Error(t, err)
}
