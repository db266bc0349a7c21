package pipefuser

import (
	"slices"

	"github.com/gomlx/pipefuser/collective"
	"github.com/gomlx/pipefuser/partition"
	"github.com/gomlx/pipefuser/phase"
	"github.com/gomlx/pipefuser/types/errs"
)

// Config of a Scheduler. Create it with DefaultConfig and change it with the With... methods.
type Config struct {
	// Phase configures the state machine. A zero PatchCount is taken from the topology.
	Phase phase.Config

	// UseGraphReplay enables the capture and replay of the program of each phase tag.
	UseGraphReplay bool

	// ExplicitStageCounts, if set, is the number of stages of each pipeline position. Otherwise
	// the topology's stage counts are used, and if those are not set either, stages are split evenly.
	ExplicitStageCounts []int

	// Rotation maps pipeline ranks to stage positions, see partition.Rotation.
	Rotation partition.Rotation

	// Height and Width of the full image, in latent rows and columns. Zero values are taken from
	// the first hidden input.
	Height, Width int

	// GatherAxis is the axis along which the outputs of the pipeline group are concatenated.
	GatherAxis int
}

// DefaultConfig returns the default configuration: one warmup step, patch pipelining with the
// topology's patch count, graph replay enabled.
func DefaultConfig() Config {
	return Config{
		Phase: phase.Config{
			WarmupSteps: 1,
			Mode:        phase.ModePatchPipelined,
		},
		UseGraphReplay: true,
		Rotation:       partition.DefaultRotation,
		GatherAxis:     collective.HeightAxis,
	}
}

// WithWarmupSteps sets the number of full-image steps before patch pipelining starts.
func (c Config) WithWarmupSteps(steps int) Config {
	c.Phase.WarmupSteps = steps
	return c
}

// WithMode sets the mode of the steps after warmup.
func (c Config) WithMode(mode phase.Mode) Config {
	c.Phase.Mode = mode
	return c
}

// WithPatchCount sets the number of patches of steady steps, overriding the topology's.
func (c Config) WithPatchCount(patches int) Config {
	c.Phase.PatchCount = patches
	return c
}

// WithGraphReplay enables or disables capture and replay.
func (c Config) WithGraphReplay(enabled bool) Config {
	c.UseGraphReplay = enabled
	return c
}

// WithStageCounts sets the number of stages of each pipeline position.
func (c Config) WithStageCounts(counts ...int) Config {
	c.ExplicitStageCounts = slices.Clone(counts)
	return c
}

// WithRotation sets the rotation of pipeline ranks.
func (c Config) WithRotation(rot partition.Rotation) Config {
	c.Rotation = rot
	return c
}

// WithImageSize sets the height and width of the full image.
func (c Config) WithImageSize(height, width int) Config {
	c.Height, c.Width = height, width
	return c
}

// WithGatherAxis sets the concatenation axis of the outputs.
func (c Config) WithGatherAxis(axis int) Config {
	c.GatherAxis = axis
	return c
}

// Validate returns an error wrapping ErrConfiguration if the configuration is invalid.
func (c Config) Validate() error {
	if err := c.Phase.Validate(); err != nil {
		return err
	}
	if c.Height < 0 || c.Width < 0 {
		return errs.Configurationf("image size %dx%d must not be negative", c.Height, c.Width)
	}
	if c.Height > 0 && c.Phase.Mode == phase.ModePatchPipelined && c.Height%c.Phase.PatchCount != 0 {
		return errs.Configurationf("image height %d is not divisible by the patch count %d", c.Height, c.Phase.PatchCount)
	}
	return nil
}

// PrepareSteps returns the number of steps Scheduler.Prepare runs to capture every phase tag.
func (c Config) PrepareSteps() int {
	if c.Phase.Mode == phase.ModeFullSync {
		return 1
	}
	// Counters 0 to WarmupSteps are warmup, the next step is the first steady one.
	return c.Phase.WarmupSteps + 3
}
