package phase

import (
	"errors"
	"testing"

	"github.com/gomlx/pipefuser/types/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, Config{WarmupSteps: 0, PatchCount: 1}.Validate())
	require.NoError(t, Config{WarmupSteps: 3, PatchCount: 4, Mode: ModeFullSync}.Validate())
	for _, cfg := range []Config{
		{WarmupSteps: -1, PatchCount: 1},
		{WarmupSteps: 1, PatchCount: 0},
		{WarmupSteps: 1, PatchCount: 1, Mode: Mode(7)},
	} {
		err := cfg.Validate()
		assert.Truef(t, errors.Is(err, errs.ErrConfiguration), "config %+v: got %v", cfg, err)
	}
}

func TestDecide(t *testing.T) {
	cfg := Config{WarmupSteps: 2, PatchCount: 2}
	assert.Equal(t, Warmup, Decide(cfg, IterationState{Counter: 0}))
	assert.Equal(t, Warmup, Decide(cfg, IterationState{Counter: 2}))
	assert.Equal(t, SteadyPipelined, Decide(cfg, IterationState{Counter: 3}))
	cfg.Mode = ModeFullSync
	assert.Equal(t, FullSync, Decide(cfg, IterationState{Counter: 0}))
	assert.Equal(t, FullSync, Decide(cfg, IterationState{Counter: 100}))
}

func TestStepTrace(t *testing.T) {
	cfg := Config{WarmupSteps: 1, PatchCount: 3}
	type call struct {
		phase      Phase
		tag        Tag
		patchIndex int
		next       IterationState
	}
	want := []call{
		{Warmup, TagWarmup, 0, IterationState{Counter: 1}},
		{Warmup, TagWarmup, 0, IterationState{Counter: 2}},
		{SteadyPipelined, TagSteadyFirst, 0, IterationState{Counter: 2, PatchIndex: 1}},
		{SteadyPipelined, TagSteadyFirst, 1, IterationState{Counter: 2, PatchIndex: 2}},
		{SteadyPipelined, TagSteadyFirst, 2, IterationState{Counter: 3, PatchIndex: 0}},
		{SteadyPipelined, TagSteadyRepeat, 0, IterationState{Counter: 3, PatchIndex: 1}},
	}
	var st IterationState
	for i, w := range want {
		d, next := Step(cfg, st)
		require.Equalf(t, w.phase, d.Phase, "call #%d", i)
		require.Equalf(t, w.tag, d.Tag, "call #%d", i)
		require.Equalf(t, st.Counter, d.Counter, "call #%d", i)
		require.Equalf(t, w.patchIndex, d.PatchIndex, "call #%d", i)
		require.Equalf(t, w.next, next, "call #%d", i)
		st = next
	}
	assert.Equal(t, IterationState{}, st.Reset())
}

func TestStepFullSync(t *testing.T) {
	cfg := Config{WarmupSteps: 1, PatchCount: 3, Mode: ModeFullSync}
	var st IterationState
	for i := range 5 {
		d, next := Step(cfg, st)
		require.Equal(t, FullSync, d.Phase)
		require.Equal(t, TagWarmup, d.Tag)
		require.Equal(t, 10, d.EmbeddingHeight(10))
		require.Equal(t, IterationState{Counter: i + 1}, next)
		st = next
	}
}

func TestStepIsPure(t *testing.T) {
	cfg := Config{WarmupSteps: 0, PatchCount: 2}
	st := IterationState{Counter: 1, PatchIndex: 1}
	d1, n1 := Step(cfg, st)
	d2, n2 := Step(cfg, st)
	assert.Equal(t, d1, d2)
	assert.Equal(t, n1, n2)
	assert.Equal(t, IterationState{Counter: 1, PatchIndex: 1}, st)
}

func TestEmbeddingHeight(t *testing.T) {
	cfg := Config{WarmupSteps: 0, PatchCount: 3}
	warm, _ := Step(cfg, IterationState{})
	assert.Equal(t, 30, warm.EmbeddingHeight(30))
	steady, _ := Step(cfg, IterationState{Counter: 1})
	assert.Equal(t, 10, steady.EmbeddingHeight(30))
}

func TestCallsPerStep(t *testing.T) {
	cfg := Config{WarmupSteps: 1, PatchCount: 4}
	assert.Equal(t, 1, CallsPerStep(cfg, IterationState{}))
	assert.Equal(t, 4, CallsPerStep(cfg, IterationState{Counter: 2}))
	assert.Equal(t, 2, CallsPerStep(cfg, IterationState{Counter: 2, PatchIndex: 2}))
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "steady-first", TagSteadyFirst.String())
	assert.Equal(t, "full_sync", ModeFullSync.String())
	assert.Equal(t, "steady_pipelined", SteadyPipelined.String())
	m, err := ModeString("patch_pipelined")
	require.NoError(t, err)
	assert.Equal(t, ModePatchPipelined, m)
	_, err = TagString("steady")
	assert.Error(t, err)
}
