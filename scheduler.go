package pipefuser

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/pipefuser/collective"
	"github.com/gomlx/pipefuser/graph"
	"github.com/gomlx/pipefuser/partition"
	"github.com/gomlx/pipefuser/phase"
	"github.com/gomlx/pipefuser/replay"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/errs"
	"github.com/gomlx/pipefuser/types/topology"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scheduler drives one device through the denoising loop.
//
// It is not safe for concurrent use: calls to RunStep must be sequential. Every member of the
// pipeline group must make the same sequence of calls, since each call all-gathers the outputs.
type Scheduler struct {
	ch         collective.Channel
	topo       *topology.Topology
	assignment *partition.Assignment
	cfg        Config
	configured bool

	engine *replay.Engine
	syncs  map[phase.Tag]*collective.Synchronizer

	state   phase.IterationState
	runID   uuid.UUID
	stepBuf *buffers.Buffer

	// height and width of the full image, set by Configure or by the first call.
	height, width int
}

// New creates a Scheduler communicating over ch, the channel of the rank's pipeline group.
// It must be configured with Configure before use, or use Setup instead.
func New(ch collective.Channel) *Scheduler {
	return &Scheduler{
		ch:      ch,
		syncs:   make(map[phase.Tag]*collective.Synchronizer),
		runID:   uuid.New(),
		stepBuf: graph.StepBuffer(0, 0),
	}
}

// Setup partitions the model's stages for the rank of topo and returns a configured Scheduler.
//
// Stage counts come from cfg.ExplicitStageCounts, or else from the topology.
func Setup(topo *topology.Topology, model Model, ch collective.Channel, cfg Config) (*Scheduler, error) {
	counts := cfg.ExplicitStageCounts
	if counts == nil {
		counts = topo.StageCounts()
	}
	assignment, err := partition.Partition(model.Blocks, model.Embedding, topo.PipelineDegree(), topo.PipelineRank(),
		counts, cfg.Rotation)
	if err != nil {
		return nil, err
	}
	s := New(ch)
	if err := s.Configure(topo, assignment, cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Configure sets the topology, the stages of the rank and the configuration.
//
// It returns an error wrapping ErrConfiguration if they are inconsistent with each other or with
// the channel.
func (s *Scheduler) Configure(topo *topology.Topology, assignment *partition.Assignment, cfg Config) error {
	if topo == nil || assignment == nil {
		return errs.Configurationf("topology and stage assignment are required")
	}
	if cfg.Phase.PatchCount == 0 {
		cfg.Phase.PatchCount = topo.PatchCount()
	}
	if cfg.Rotation == nil {
		cfg.Rotation = partition.DefaultRotation
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if s.ch.Size() != topo.PipelineDegree() || s.ch.Rank() != topo.PipelineRank() {
		return errs.Configurationf("channel (rank %d of %d) doesn't match the pipeline group (rank %d of %d)",
			s.ch.Rank(), s.ch.Size(), topo.PipelineRank(), topo.PipelineDegree())
	}
	if assignment.NumRanks != topo.PipelineDegree() || assignment.Rank != topo.PipelineRank() {
		return errs.Configurationf("%s doesn't match the pipeline group (rank %d of %d)",
			assignment, topo.PipelineRank(), topo.PipelineDegree())
	}
	s.topo = topo
	s.assignment = assignment
	s.cfg = cfg
	s.height, s.width = cfg.Height, cfg.Width
	s.engine = replay.New(fmt.Sprintf("rank%d", topo.Rank()), cfg.UseGraphReplay)
	s.syncs = make(map[phase.Tag]*collective.Synchronizer)
	s.state = phase.IterationState{}
	s.configured = true
	klog.V(1).Infof("rank %d: configured %s, %s, %d stages, phases %+v, replay=%v",
		topo.Rank(), topo, assignment, len(assignment.Blocks), cfg.Phase, cfg.UseGraphReplay)
	return nil
}

// RunStep runs one call of the denoising loop and returns the assembled output of the pipeline
// group.
//
// If requestCounterReset is set, the counters are reset first (see ResetCounters): this must be
// done at the start of every new generation request.
//
// The iteration state only advances if the call succeeds. The returned buffer is owned by the
// Scheduler and is overwritten by later calls.
func (s *Scheduler) RunStep(inputs Inputs, requestCounterReset bool) (*buffers.Buffer, error) {
	if !s.configured {
		return nil, errs.Configurationf("Scheduler.RunStep called before Configure")
	}
	if inputs.Hidden == nil || inputs.Timestep == nil {
		return nil, errors.New("Scheduler.RunStep requires the hidden and timestep inputs")
	}
	if requestCounterReset {
		s.ResetCounters()
	}

	decision, next := phase.Step(s.cfg.Phase, s.state)
	if err := s.inferImageSize(inputs.Hidden, decision); err != nil {
		return nil, err
	}
	if err := s.checkHidden(inputs.Hidden, decision); err != nil {
		return nil, err
	}
	static := graph.StaticInfo{
		Phase:           decision.Phase,
		PatchCount:      decision.PatchCount,
		Height:          s.height,
		Width:           s.width,
		EmbeddingHeight: decision.EmbeddingHeight(s.height),
	}
	graph.SetStep(s.stepBuf, decision.Counter, decision.PatchIndex)
	engineInputs := []*buffers.Buffer{inputs.Hidden, inputs.Timestep, s.stepBuf}
	if inputs.Encoder != nil {
		engineInputs = append(engineInputs, inputs.Encoder)
	}

	gatherer := s.synchronizer(decision.Tag)
	outputs, err := s.engine.Execute(decision.Tag, engineInputs,
		func(p *graph.Program, in []*graph.Value) ([]*graph.Value, error) {
			return s.compute(p, in, static, gatherer)
		})
	if err != nil {
		return nil, errors.WithMessagef(err, "rank %d, %s", s.topo.Rank(), decision)
	}
	s.state = next
	klog.V(2).Infof("rank %d: %s -> %s", s.topo.Rank(), decision, outputs[0].Shape())
	return outputs[0], nil
}

// compute records the program of one call: embedding (on its owner), blocks, gather.
func (s *Scheduler) compute(p *graph.Program, in []*graph.Value, static graph.StaticInfo, g graph.Gatherer) ([]*graph.Value, error) {
	cond := graph.Conditions{Timestep: in[1], Step: in[2], Static: static}
	if len(in) > 3 {
		cond.Encoder = in[3]
	}
	x := in[0]
	var err error
	if s.assignment.OwnsEmbedding() {
		if x, err = graph.Embed(s.assignment.Embedding, x, cond); err != nil {
			return nil, err
		}
	}
	for _, block := range s.assignment.Blocks {
		if x, err = graph.Apply(block, x, cond); err != nil {
			return nil, err
		}
	}
	if x, err = graph.Gather(g, x); err != nil {
		return nil, err
	}
	return []*graph.Value{x}, nil
}

// inferImageSize sets the image size from the first hidden input, if not configured.
func (s *Scheduler) inferImageSize(hidden *buffers.Buffer, decision phase.Decision) error {
	if s.height != 0 && s.width != 0 {
		return nil
	}
	shape := hidden.Shape()
	if shape.Rank() != 4 {
		return errs.ShapeMismatchf("hidden input must be shaped [batch, channels, height, width], got %s", shape)
	}
	height, width := s.height, s.width
	if height == 0 {
		height = shape.Dim(2)
		if decision.Phase == phase.SteadyPipelined {
			height *= decision.PatchCount
		}
	}
	if width == 0 {
		width = shape.Dim(3)
	}
	if s.cfg.Phase.Mode == phase.ModePatchPipelined && height%s.cfg.Phase.PatchCount != 0 {
		return errs.Configurationf("image height %d (from hidden input %s) is not divisible by the patch count %d",
			height, shape, s.cfg.Phase.PatchCount)
	}
	s.height, s.width = height, width
	klog.V(1).Infof("rank %d: image size %dx%d taken from hidden input %s", s.topo.Rank(), s.height, s.width, shape)
	return nil
}

// checkHidden verifies the hidden input holds the full image, or one patch in steady calls.
func (s *Scheduler) checkHidden(hidden *buffers.Buffer, decision phase.Decision) error {
	shape := hidden.Shape()
	if shape.Rank() != 4 {
		return errs.ShapeMismatchf("hidden input must be shaped [batch, channels, height, width], got %s", shape)
	}
	height := decision.EmbeddingHeight(s.height)
	if shape.Dim(2) != height || shape.Dim(3) != s.width {
		return errs.ShapeMismatchf("%s expects hidden input of height %d and width %d, got %s",
			decision, height, s.width, shape)
	}
	return nil
}

// synchronizer returns the Synchronizer of the tag, creating it on first use. Each tag has its own
// because the shapes of warmup and steady outputs differ.
func (s *Scheduler) synchronizer(tag phase.Tag) *collective.Synchronizer {
	sc, found := s.syncs[tag]
	if !found {
		sc = collective.NewSynchronizer(s.ch, s.cfg.GatherAxis)
		s.syncs[tag] = sc
	}
	return sc
}

// ResetCounters returns the iteration state to the start of the loop, for a new generation request.
// Captured programs are kept.
func (s *Scheduler) ResetCounters() {
	s.state = s.state.Reset()
	s.runID = uuid.New()
	rank := -1
	if s.topo != nil {
		rank = s.topo.Rank()
	}
	klog.V(1).Infof("rank %d: counters reset, run %s", rank, s.runID)
}

// Prepare runs enough calls to capture the program of every phase tag, then resets the counters.
//
// next returns the inputs for each call, given its decision: the full image for warmup and
// full-sync calls, a patch for steady calls.
func (s *Scheduler) Prepare(next func(phase.Decision) Inputs) error {
	if !s.configured {
		return errs.Configurationf("Scheduler.Prepare called before Configure")
	}
	s.ResetCounters()
	steps := s.cfg.PrepareSteps()
	for step := range steps {
		calls := phase.CallsPerStep(s.cfg.Phase, s.state)
		for range calls {
			if _, err := s.RunStep(next(s.Peek()), false); err != nil {
				return errors.WithMessagef(err, "preparing step %d of %d", step, steps)
			}
		}
	}
	s.ResetCounters()
	klog.Infof("rank %d: prepared %d steps, captured %v, persistent buffers %s", s.topo.Rank(), steps,
		s.engine.Tags(), humanize.Bytes(uint64(s.engine.Memory())))
	return nil
}

// State returns the current iteration state.
func (s *Scheduler) State() phase.IterationState { return s.state }

// Peek returns the decision the next call to RunStep (without reset) will take.
func (s *Scheduler) Peek() phase.Decision {
	d, _ := phase.Step(s.cfg.Phase, s.state)
	return d
}

// RunID identifies the current generation request. It changes on every counter reset.
func (s *Scheduler) RunID() uuid.UUID { return s.runID }

// Config returns the configuration, with defaults filled in.
func (s *Scheduler) Config() Config { return s.cfg }

// Topology returns the topology set by Configure.
func (s *Scheduler) Topology() *topology.Topology { return s.topo }

// Assignment returns the stages of the rank.
func (s *Scheduler) Assignment() *partition.Assignment { return s.assignment }

// Engine returns the record/replay engine, e.g. to dump captured programs.
func (s *Scheduler) Engine() *replay.Engine { return s.engine }

// CommMemory returns the bytes held by the synchronizers' buffers.
func (s *Scheduler) CommMemory() (total uintptr) {
	for _, sc := range s.syncs {
		total += sc.Memory()
	}
	return
}
