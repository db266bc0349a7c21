// pipefuser_sim runs the scheduler on a simulated cluster: every rank is a goroutine, and the
// ranks of each pipeline group communicate in memory. Stages are toy affine blocks.
//
// Example:
//
//	go run ./cmd/pipefuser_sim -pp=4 -dp=2 -warmup=1 -steps=20 -v=1
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefuser"
	"github.com/gomlx/pipefuser/collective"
	"github.com/gomlx/pipefuser/internal/toystages"
	"github.com/gomlx/pipefuser/phase"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/topology"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagDP         = flag.Int("dp", 1, "Data parallel degree.")
	flagSplitBatch = flag.Bool("split_batch", false, "Split the batch for classifier-free guidance (requires -cfg).")
	flagCFG        = flag.Bool("cfg", false, "Do classifier-free guidance.")
	flagUlysses    = flag.Int("ulysses", 1, "Ulysses sequence parallel degree.")
	flagRing       = flag.Int("ring", 1, "Ring sequence parallel degree.")
	flagSeqBackend = flag.Bool("sequence_backend", false, "Pretend a sequence-parallel attention backend is available.")
	flagPP         = flag.Int("pp", 2, "Pipeline (PipeFusion) degree.")
	flagTP         = flag.Int("tp", 1, "Tensor parallel degree: only 1 is supported.")
	flagStrategy   = flag.String("strategy", "pipe_fusion", "Parallel strategy, one of "+strings.Join(topology.StrategyStrings(), ", "))
	flagFamily     = flag.String("family", "dit", "Model family, one of "+strings.Join(topology.FamilyStrings(), ", "))

	flagWarmup      = flag.Int("warmup", 1, "Number of full-image warmup steps.")
	flagMode        = flag.String("mode", "patch_pipelined", "Mode after warmup, one of "+strings.Join(phase.ModeStrings(), ", "))
	flagPatches     = flag.Int("patches", 0, "Number of patches of steady steps. If 0 it defaults to the pipeline degree.")
	flagReplay      = flag.Bool("replay", true, "Capture and replay the program of each phase.")
	flagPrepare     = flag.Bool("prepare", false, "Capture all programs before the run.")
	flagSteps       = flag.Int("steps", 10, "Number of denoising steps.")
	flagBlocks      = flag.Int("blocks", 28, "Number of transformer blocks of the toy model.")
	flagStageCounts = flag.String("stage_counts", "", "Comma-separated number of blocks per pipeline position. Empty for an even split.")

	flagHeight   = flag.Int("height", 16, "Height of the latents given to each rank.")
	flagWidth    = flag.Int("width", 16, "Width of the latents.")
	flagChannels = flag.Int("channels", 4, "Number of latent channels.")
	flagDType    = flag.String("dtype", "float16", "DType of the latents: float16, float32 or float64.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	err := exceptions.TryCatch[error](func() { must.M(run()) })
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}

// rankReport is what each rank reports at the end of the run.
type rankReport struct {
	rank, pipelineRank int
	blocks             int
	embedding          bool
	checksum           float64
	tags               []phase.Tag
	programMemory      uintptr
	commMemory         uintptr
	runID              string
}

func run() error {
	parallel, worldSize, err := parallelConfig()
	if err != nil {
		return err
	}
	dtype, err := parseDType(*flagDType)
	if err != nil {
		return err
	}
	mode, err := phase.ModeString(*flagMode)
	if err != nil {
		return errors.Wrapf(err, "invalid -mode")
	}
	cfg := pipefuser.DefaultConfig().
		WithWarmupSteps(*flagWarmup).
		WithMode(mode).
		WithPatchCount(*flagPatches).
		WithGraphReplay(*flagReplay)

	// Topologies of all ranks, and one in-memory group per pipeline group.
	topos := make([]*topology.Topology, worldSize)
	groups := make(map[int]*collective.LocalGroup)
	for rank := range worldSize {
		topo, err := topology.Validate(parallel, topology.Environment{
			WorldSize: worldSize, Rank: rank, HasSequenceBackend: *flagSeqBackend})
		if err != nil {
			return err
		}
		topos[rank] = topo
		leader := topo.PipelineGroup()[0]
		if _, found := groups[leader]; !found {
			if groups[leader], err = collective.NewLocalGroup(topo.PipelineDegree()); err != nil {
				return err
			}
		}
	}
	klog.Infof("world of %d ranks: %s", worldSize, topos[0].Mesh())

	model := pipefuser.Model{
		Embedding: &toystages.Embedding{Scale: 0.5},
		Blocks:    toystages.Blocks(*flagBlocks),
	}
	bar := progressbar.NewOptions(*flagSteps,
		progressbar.OptionSetDescription("denoising"),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionSetWriter(os.Stderr),
	)

	reports := make([]rankReport, worldSize)
	var eg errgroup.Group
	for rank, topo := range topos {
		eg.Go(func() error {
			ch := groups[topo.PipelineGroup()[0]].Channel(topo.PipelineRank())
			report, err := runRank(topo, model, ch, cfg, dtype, func() {
				if rank == 0 {
					_ = bar.Add(1)
				}
			})
			if err != nil {
				return errors.WithMessagef(err, "rank %d", rank)
			}
			reports[rank] = report
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	_ = bar.Finish()
	fmt.Println()

	for _, r := range reports {
		fmt.Printf("rank %3d (pipeline rank %d): %2d blocks, embedding=%-5v checksum=%.6g, captured %v, programs %s, comm %s, run %s\n",
			r.rank, r.pipelineRank, r.blocks, r.embedding, r.checksum, r.tags,
			humanize.Bytes(uint64(r.programMemory)), humanize.Bytes(uint64(r.commMemory)), r.runID)
	}
	return nil
}

// runRank runs the denoising loop of one rank.
func runRank(topo *topology.Topology, model pipefuser.Model, ch collective.Channel, cfg pipefuser.Config,
	dtype dtypes.DType, onStep func()) (report rankReport, err error) {
	if *flagStageCounts != "" {
		counts, err := parseInts(*flagStageCounts)
		if err != nil {
			return report, errors.Wrapf(err, "invalid -stage_counts")
		}
		cfg = cfg.WithStageCounts(counts...)
	}
	sched, err := pipefuser.Setup(topo, model, ch, cfg)
	if err != nil {
		return report, err
	}
	inputs := newInputGenerator(dtype)
	if *flagPrepare {
		if err := sched.Prepare(inputs.next); err != nil {
			return report, err
		}
	}
	var output *buffers.Buffer
	for step := range *flagSteps {
		calls := phase.CallsPerStep(sched.Config().Phase, sched.State())
		for call := range calls {
			output, err = sched.RunStep(inputs.next(sched.Peek()), step == 0 && call == 0)
			if err != nil {
				return report, err
			}
		}
		onStep()
	}
	report = rankReport{
		rank:          topo.Rank(),
		pipelineRank:  topo.PipelineRank(),
		blocks:        len(sched.Assignment().Blocks),
		embedding:     sched.Assignment().OwnsEmbedding(),
		tags:          sched.Engine().Tags(),
		programMemory: sched.Engine().Memory(),
		commMemory:    sched.CommMemory(),
		runID:         sched.RunID().String(),
	}
	if output != nil {
		report.checksum = toystages.Checksum(output)
	}
	return report, nil
}

// inputGenerator creates deterministic latents and timesteps for each call.
type inputGenerator struct {
	dtype dtypes.DType
}

func newInputGenerator(dtype dtypes.DType) *inputGenerator {
	return &inputGenerator{dtype: dtype}
}

func (g *inputGenerator) next(d phase.Decision) pipefuser.Inputs {
	height := *flagHeight
	if d.Phase == phase.SteadyPipelined {
		height /= d.PatchCount
	}
	channels, width := *flagChannels, *flagWidth
	values := make([]float32, channels*height*width)
	for i := range values {
		values[i] = float32(math.Sin(float64(i+d.PatchIndex*len(values)) * 0.01))
	}
	timestep := 1 - float32(d.Counter)/float32(max(*flagSteps, 1))
	return pipefuser.Inputs{
		Hidden:   must.M1(buffers.FromFloat32s(g.dtype, values, 1, channels, height, width)),
		Timestep: must.M1(buffers.FromFloat32s(dtypes.Float32, []float32{timestep}, 1)),
	}
}

// parallelConfig builds the parallel configuration from the flags, and returns the matching world size.
func parallelConfig() (topology.ParallelConfig, int, error) {
	strategy, err := topology.StrategyString(*flagStrategy)
	if err != nil {
		return topology.ParallelConfig{}, 0, errors.Wrapf(err, "invalid -strategy")
	}
	family, err := topology.FamilyString(*flagFamily)
	if err != nil {
		return topology.ParallelConfig{}, 0, errors.Wrapf(err, "invalid -family")
	}
	cfgDegree := 1
	if *flagSplitBatch && *flagCFG {
		cfgDegree = 2
	}
	worldSize := *flagDP * cfgDegree * *flagUlysses * *flagRing * *flagPP * *flagTP
	if worldSize < 1 {
		return topology.ParallelConfig{}, 0, errors.Errorf("invalid degrees, world size is %d", worldSize)
	}
	return topology.ParallelConfig{
		DataParallel: &topology.DataParallelConfig{
			Degree:                   *flagDP,
			UseSplitBatch:            *flagSplitBatch,
			DoClassifierFreeGuidance: *flagCFG,
		},
		SequenceParallel: &topology.SequenceParallelConfig{UlyssesDegree: *flagUlysses, RingDegree: *flagRing},
		PipeFusion:       &topology.PipeFusionConfig{Degree: *flagPP, PatchCount: *flagPatches},
		TensorParallel:   &topology.TensorParallelConfig{Degree: *flagTP},
		Strategy:         strategy,
		Family:           family,
	}, worldSize, nil
}

func parseDType(name string) (dtypes.DType, error) {
	switch strings.ToLower(name) {
	case "float16", "f16":
		return dtypes.Float16, nil
	case "float32", "f32":
		return dtypes.Float32, nil
	case "float64", "f64":
		return dtypes.Float64, nil
	}
	return dtypes.InvalidDType, errors.Errorf("unsupported -dtype %q", name)
}

func parseInts(list string) ([]int, error) {
	parts := strings.Split(list, ",")
	values := make([]int, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values[i] = v
	}
	return values, nil
}
