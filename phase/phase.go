// Package phase implements the iteration state machine that drives each device through the
// denoising loop.
//
// A run starts in the Warmup phase, where every step processes the full image and all devices
// synchronize. After WarmupSteps warmup steps it enters SteadyPipelined: each step is split into
// PatchCount patch calls, and the pipeline ranks overlap their work on consecutive patches. The
// FullSync mode disables patch pipelining altogether.
//
// The state machine is pure: Step returns the decision for the current call and the advanced
// state, and the caller commits the new state only once the call succeeded.
package phase

import (
	"fmt"

	"github.com/gomlx/pipefuser/types/errs"
)

// Phase of the denoising loop for one call.
type Phase int

//go:generate go tool enumer -type=Phase -transform=snake -output=gen_phase_enumer.go phase.go

const (
	Warmup Phase = iota
	FullSync
	SteadyPipelined
)

// Mode selects how the steps after warmup are executed.
type Mode int

//go:generate go tool enumer -type=Mode -trimprefix=Mode -transform=snake -output=gen_mode_enumer.go phase.go

const (
	// ModePatchPipelined splits steady steps into patches.
	ModePatchPipelined Mode = iota

	// ModeFullSync processes every step on the full image, synchronizing all devices.
	ModeFullSync
)

// Tag selects the captured graph for a call. Graphs with different tags differ in their shapes or
// in their synchronization pattern.
type Tag int

//go:generate go tool enumer -type=Tag -trimprefix=Tag -transform=kebab -output=gen_tag_enumer.go phase.go

const (
	// TagWarmup is used by Warmup and FullSync calls.
	TagWarmup Tag = iota

	// TagSteadyFirst is used by the patch calls of the first steady step.
	TagSteadyFirst

	// TagSteadyRepeat is used by all following steady patch calls.
	TagSteadyRepeat
)

// Config of the state machine.
type Config struct {
	// WarmupSteps is the number of full-image steps before the steady phase.
	WarmupSteps int
	Mode        Mode

	// PatchCount is the number of patch calls per steady step.
	PatchCount int
}

// Validate returns an error wrapping errs.ErrConfiguration if the configuration is invalid.
func (c Config) Validate() error {
	if c.WarmupSteps < 0 {
		return errs.Configurationf("warmup steps %d must be >= 0", c.WarmupSteps)
	}
	if c.PatchCount < 1 {
		return errs.Configurationf("patch count %d must be >= 1", c.PatchCount)
	}
	if !c.Mode.IsAMode() {
		return errs.Configurationf("invalid mode %s", c.Mode)
	}
	return nil
}

// IterationState is the position of the device in the denoising loop.
type IterationState struct {
	// Counter is the number of completed steps.
	Counter int

	// PatchIndex is the patch of the current steady step, in [0, PatchCount).
	PatchIndex int
}

// Reset returns the initial state.
func (s IterationState) Reset() IterationState { return IterationState{} }

// String implements fmt.Stringer.
func (s IterationState) String() string {
	return fmt.Sprintf("(counter=%d, patch=%d)", s.Counter, s.PatchIndex)
}

// Decision is what a call must do, given the state before it.
type Decision struct {
	Phase      Phase
	Tag        Tag
	Counter    int
	PatchIndex int
	PatchCount int
}

// EmbeddingHeight returns the height of the input seen by the embedding stage: a steady call only
// embeds its patch.
func (d Decision) EmbeddingHeight(height int) int {
	if d.Phase == SteadyPipelined {
		return height / d.PatchCount
	}
	return height
}

// String implements fmt.Stringer.
func (d Decision) String() string {
	if d.Phase == SteadyPipelined {
		return fmt.Sprintf("%s[%s](counter=%d, patch=%d/%d)", d.Phase, d.Tag, d.Counter, d.PatchIndex, d.PatchCount)
	}
	return fmt.Sprintf("%s[%s](counter=%d)", d.Phase, d.Tag, d.Counter)
}

// Decide returns the phase of the call for the given state.
func Decide(cfg Config, st IterationState) Phase {
	if cfg.Mode == ModeFullSync {
		return FullSync
	}
	if st.Counter <= cfg.WarmupSteps {
		return Warmup
	}
	return SteadyPipelined
}

// Step returns the decision for the call at state st and the state after the call.
//
// Warmup and FullSync calls complete a step. Steady calls complete a patch, and the last patch
// completes the step.
func Step(cfg Config, st IterationState) (Decision, IterationState) {
	d := Decision{
		Phase:      Decide(cfg, st),
		Tag:        TagWarmup,
		Counter:    st.Counter,
		PatchIndex: st.PatchIndex,
		PatchCount: cfg.PatchCount,
	}
	next := st
	if d.Phase != SteadyPipelined {
		next.Counter++
		return d, next
	}

	if st.Counter == cfg.WarmupSteps+1 {
		d.Tag = TagSteadyFirst
	} else {
		d.Tag = TagSteadyRepeat
	}
	next.PatchIndex++
	if next.PatchIndex >= cfg.PatchCount {
		next.PatchIndex = 0
		next.Counter++
	}
	return d, next
}

// CallsPerStep returns the number of calls needed to complete the step started at st.
func CallsPerStep(cfg Config, st IterationState) int {
	if Decide(cfg, st) == SteadyPipelined {
		return cfg.PatchCount - st.PatchIndex
	}
	return 1
}
