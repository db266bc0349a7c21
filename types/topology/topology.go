// Package topology validates the parallel degrees declared for a run and derives the device
// layout from them.
//
// A run over WorldSize devices is split along five axes:
//
//   - dp: data parallel, independent requests or batch shards.
//   - cfg: classifier-free guidance split, 2 when the conditional and unconditional halves of the
//     batch run on different devices, 1 otherwise.
//   - pp: pipeline parallel, the stages of the model are split across devices (see package partition).
//   - sp: sequence parallel, ulysses × ring.
//   - tp: tensor parallel (not supported, must be 1).
//
// The devices are laid out on a DeviceMesh with axes dp, cfg, pp, sp and tp, in that order, with tp
// varying fastest.
package topology

import (
	"fmt"
	"slices"

	"github.com/gomlx/pipefuser/types/errs"
	"k8s.io/klog/v2"
)

// Strategy of parallelism used by the run, as declared by the caller.
type Strategy int

//go:generate go tool enumer -type=Strategy -trimprefix=Strategy -transform=snake -output=gen_strategy_enumer.go topology.go

const (
	// StrategyPipeFusion splits the stages across pipeline ranks and the image into patches.
	StrategyPipeFusion Strategy = iota
	StrategyPatch
	StrategyNaivePatch
	StrategyTensor
)

// Family of the denoising model.
type Family int

//go:generate go tool enumer -type=Family -trimprefix=Family -transform=lower -output=gen_family_enumer.go topology.go

const (
	FamilyDiT Family = iota
	FamilySD3
)

// Axis names of the DeviceMesh built by Validate.
const (
	AxisDataParallel     = "dp"
	AxisCFG              = "cfg"
	AxisPipeline         = "pp"
	AxisSequenceParallel = "sp"
	AxisTensorParallel   = "tp"
)

// MeshAxes lists the DeviceMesh axes in layout order.
var MeshAxes = []string{AxisDataParallel, AxisCFG, AxisPipeline, AxisSequenceParallel, AxisTensorParallel}

// DataParallelConfig configures data parallelism and the classifier-free guidance split.
type DataParallelConfig struct {
	Degree int

	// UseSplitBatch runs the conditional and unconditional halves of the batch on different devices.
	// It only has an effect if DoClassifierFreeGuidance is also set.
	UseSplitBatch            bool
	DoClassifierFreeGuidance bool
}

// SequenceParallelConfig configures sequence parallelism. A zero degree means 1.
type SequenceParallelConfig struct {
	UlyssesDegree int
	RingDegree    int
}

// PipeFusionConfig configures the pipeline.
type PipeFusionConfig struct {
	Degree int

	// PatchCount is the number of patches the image is split into in the steady phase.
	// Zero means the pipeline degree.
	PatchCount int

	// StageCounts, if set, holds the number of stages of each pipeline position.
	StageCounts []int
}

// TensorParallelConfig configures tensor parallelism.
type TensorParallelConfig struct {
	Degree int
}

// ParallelConfig groups the parallel degrees declared for a run. All sub-configs are required.
type ParallelConfig struct {
	DataParallel     *DataParallelConfig
	SequenceParallel *SequenceParallelConfig
	PipeFusion       *PipeFusionConfig
	TensorParallel   *TensorParallelConfig

	Strategy Strategy
	Family   Family
}

// Environment is supplied by the launcher of the process.
type Environment struct {
	WorldSize int
	Rank      int

	// HasSequenceBackend reports whether a sequence-parallel communication backend is available.
	HasSequenceBackend bool
}

// Topology is the validated parallel layout of a run, as seen by one rank. It is immutable.
type Topology struct {
	worldSize, rank            int
	dp, cfg, ulysses, ring, sp int
	pp, tp, patchCount         int
	stageCounts                []int
	strategy                   Strategy
	family                     Family
	mesh                       *DeviceMesh
	coords                     []int
	pipelineGroup              []int
}

// Validate checks the parallel degrees against the environment and returns the derived Topology.
//
// Invalid degrees return an error wrapping errs.ErrConfiguration. Valid but not implemented
// combinations return an error wrapping errs.ErrUnsupportedConfiguration.
func Validate(cfg ParallelConfig, env Environment) (*Topology, error) {
	if cfg.DataParallel == nil || cfg.SequenceParallel == nil || cfg.PipeFusion == nil || cfg.TensorParallel == nil {
		return nil, errs.Configurationf("data, sequence, pipefusion and tensor parallel configs are all required")
	}
	worldSize := env.WorldSize
	if worldSize < 1 {
		return nil, errs.Configurationf("world size %d must be >= 1", worldSize)
	}
	if env.Rank < 0 || env.Rank >= worldSize {
		return nil, errs.Configurationf("rank %d out of range for world size %d", env.Rank, worldSize)
	}

	dpCfg := cfg.DataParallel
	dp := dpCfg.Degree
	if dp < 1 {
		return nil, errs.Configurationf("data parallel degree %d must be >= 1", dp)
	}
	cfgDegree := 1
	if dpCfg.UseSplitBatch && dpCfg.DoClassifierFreeGuidance {
		cfgDegree = 2
	}
	if dp*cfgDegree > worldSize {
		return nil, errs.Configurationf("data parallel degree %d (x%d for classifier-free guidance split) exceeds world size %d",
			dp, cfgDegree, worldSize)
	}

	pp := cfg.PipeFusion.Degree
	if pp < 1 || pp > worldSize {
		return nil, errs.Configurationf("pipefusion degree %d must be in [1, %d]", pp, worldSize)
	}
	tp := cfg.TensorParallel.Degree
	if tp < 1 || tp > worldSize {
		return nil, errs.Configurationf("tensor parallel degree %d must be in [1, %d]", tp, worldSize)
	}

	ulysses, ring := cfg.SequenceParallel.UlyssesDegree, cfg.SequenceParallel.RingDegree
	if ulysses == 0 {
		klog.Infof("ulysses degree not set, using 1")
		ulysses = 1
	}
	if ring == 0 {
		klog.Infof("ring degree not set, using 1")
		ring = 1
	}
	if ulysses < 1 || ring < 1 {
		return nil, errs.Configurationf("ulysses degree %d and ring degree %d must be >= 1", ulysses, ring)
	}
	sp := ulysses * ring

	if product := dp * cfgDegree * sp * pp * tp; product != worldSize {
		return nil, errs.Configurationf("dp(%d) x cfg(%d) x sp(%d) x pp(%d) x tp(%d) = %d, must equal world size %d",
			dp, cfgDegree, sp, pp, tp, product, worldSize)
	}
	for _, check := range []struct {
		name   string
		degree int
	}{{"dp x cfg", dp * cfgDegree}, {"pp", pp}, {"sp", sp}, {"tp", tp}} {
		if worldSize%check.degree != 0 {
			return nil, errs.Configurationf("world size %d is not divisible by %s degree %d",
				worldSize, check.name, check.degree)
		}
	}

	patchCount := cfg.PipeFusion.PatchCount
	if patchCount < 0 {
		return nil, errs.Configurationf("patch count %d must be >= 1", patchCount)
	}
	if patchCount == 0 {
		klog.Infof("patch count not set, using pipefusion degree %d", pp)
		patchCount = pp
	}
	stageCounts := cfg.PipeFusion.StageCounts
	if stageCounts != nil && len(stageCounts) != pp {
		return nil, errs.Configurationf("%d stage counts given for pipefusion degree %d", len(stageCounts), pp)
	}

	if tp != 1 {
		return nil, errs.Unsupportedf("tensor parallel degree %d: tensor parallelism is not supported", tp)
	}
	if sp > 1 && !env.HasSequenceBackend {
		return nil, errs.Unsupportedf("sequence parallel degree %d requires a sequence-parallel communication backend", sp)
	}
	switch {
	case cfg.Strategy == StrategyTensor:
		return nil, errs.Unsupportedf("strategy %s is not supported", cfg.Strategy)
	case cfg.Strategy == StrategyNaivePatch && cfg.Family == FamilySD3:
		return nil, errs.Unsupportedf("strategy %s is not supported for model family %s", cfg.Strategy, cfg.Family)
	}

	mesh, err := NewDeviceMesh("pipefuser", []int{dp, cfgDegree, pp, sp, tp}, MeshAxes)
	if err != nil {
		return nil, errs.Configurationf("building device mesh: %v", err)
	}
	t := &Topology{
		worldSize:   worldSize,
		rank:        env.Rank,
		dp:          dp,
		cfg:         cfgDegree,
		ulysses:     ulysses,
		ring:        ring,
		sp:          sp,
		pp:          pp,
		tp:          tp,
		patchCount:  patchCount,
		stageCounts: slices.Clone(stageCounts),
		strategy:    cfg.Strategy,
		family:      cfg.Family,
		mesh:        mesh,
	}
	t.coords, _ = mesh.Coordinates(env.Rank)
	t.pipelineGroup, err = t.Group(AxisPipeline)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// WorldSize is the total number of ranks.
func (t *Topology) WorldSize() int { return t.worldSize }

// Rank of this device in the world.
func (t *Topology) Rank() int { return t.rank }

// DataParallelDegree is the number of data-parallel replicas.
func (t *Topology) DataParallelDegree() int { return t.dp }

// CFGDegree is 2 when the classifier-free guidance batch is split across devices, 1 otherwise.
func (t *Topology) CFGDegree() int { return t.cfg }

// UlyssesDegree of sequence parallelism.
func (t *Topology) UlyssesDegree() int { return t.ulysses }

// RingDegree of sequence parallelism.
func (t *Topology) RingDegree() int { return t.ring }

// SequenceParallelDegree is UlyssesDegree * RingDegree.
func (t *Topology) SequenceParallelDegree() int { return t.sp }

// PipelineDegree is the number of pipeline ranks, the size of the pp axis.
func (t *Topology) PipelineDegree() int { return t.pp }

// TensorParallelDegree is always 1.
func (t *Topology) TensorParallelDegree() int { return t.tp }

// PatchCount is the number of patches of steady steps. It defaults to PipelineDegree.
func (t *Topology) PatchCount() int { return t.patchCount }

// Strategy of the parallel execution.
func (t *Topology) Strategy() Strategy { return t.strategy }

// Family of the model.
func (t *Topology) Family() Family { return t.family }

// Mesh returns the device mesh over MeshAxes.
func (t *Topology) Mesh() *DeviceMesh { return t.mesh }

// StageCounts returns a copy of the explicit per-position stage counts, or nil if not set.
func (t *Topology) StageCounts() []int { return slices.Clone(t.stageCounts) }

// Coordinates of this rank on the mesh, in MeshAxes order.
func (t *Topology) Coordinates() []int { return slices.Clone(t.coords) }

// PipelineRank is the position of this rank along the pp axis.
func (t *Topology) PipelineRank() int { return t.coords[2] }

// PipelineGroup returns the global ranks that share every coordinate with this rank except pp,
// ordered by pipeline rank.
func (t *Topology) PipelineGroup() []int { return slices.Clone(t.pipelineGroup) }

// Group returns the global ranks that differ from this rank only along the given axes.
func (t *Topology) Group(axes ...string) ([]int, error) {
	groups, err := t.mesh.ComputeReplicaGroups(axes)
	if err != nil {
		return nil, errs.Configurationf("computing group for axes %v: %v", axes, err)
	}
	for _, group := range groups {
		if slices.Contains(group, t.rank) {
			return group, nil
		}
	}
	// Unreachable: every device belongs to exactly one group.
	return nil, errs.Configurationf("rank %d not found in groups for axes %v", t.rank, axes)
}

// String implements fmt.Stringer.
func (t *Topology) String() string {
	return fmt.Sprintf("Topology(rank %d/%d, dp=%d, cfg=%d, sp=%d (ulysses=%d, ring=%d), pp=%d, tp=%d, patches=%d)",
		t.rank, t.worldSize, t.dp, t.cfg, t.sp, t.ulysses, t.ring, t.pp, t.tp, t.patchCount)
}
