package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/pipefuser/internal/optypes"
	"github.com/gomlx/pipefuser/phase"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/shapes"
	"github.com/pkg/errors"
)

// StaticInfo holds the parts of StepInfo fixed for the lifetime of a recorded program. They are
// stored as statement attributes.
type StaticInfo struct {
	Phase      phase.Phase
	PatchCount int
	Height     int
	Width      int

	// EmbeddingHeight is the height given to the embedding stage, see phase.Decision.EmbeddingHeight.
	EmbeddingHeight int
}

// Conditions are the program values shared by the stages of one call.
type Conditions struct {
	Timestep *Value

	// Encoder is optional.
	Encoder *Value

	// Step holds the parts of StepInfo that change from call to call, see StepBuffer.
	Step *Value

	Static StaticInfo
}

// StepShape is the shape of the step buffer: Int32 [counter, patchIndex].
var StepShape = shapes.Make(dtypes.Int32, 2)

// StepBuffer returns a new step buffer for the given counter and patch index.
func StepBuffer(counter, patchIndex int) *buffers.Buffer {
	b := buffers.New(dtypes.Int32, 2)
	SetStep(b, counter, patchIndex)
	return b
}

// SetStep writes the counter and patch index into a step buffer.
func SetStep(b *buffers.Buffer, counter, patchIndex int) {
	flat := b.Flat().([]int32)
	flat[0], flat[1] = int32(counter), int32(patchIndex)
}

// Embed runs the input-embedding stage on x. The stage sees StaticInfo.EmbeddingHeight as its height.
func Embed(stage Stage, x *Value, cond Conditions) (*Value, error) {
	return runStage(optypes.Embed, stage, x, cond, cond.Static.EmbeddingHeight)
}

// Apply runs a computation stage on x.
func Apply(stage Stage, x *Value, cond Conditions) (*Value, error) {
	return runStage(optypes.Apply, stage, x, cond, cond.Static.Height)
}

func runStage(opType optypes.OpType, stage Stage, x *Value, cond Conditions, height int) (*Value, error) {
	if stage == nil || x == nil {
		return nil, errors.Errorf("%s: nil stage or input value", opType)
	}
	if cond.Timestep == nil || cond.Step == nil {
		return nil, errors.Errorf("%s(%q): conditions require the timestep and step values", opType, stage.Name())
	}
	if !cond.Step.Shape().Equal(StepShape) {
		return nil, errors.Errorf("%s(%q): step value must be shaped %s, got %s",
			opType, stage.Name(), StepShape, cond.Step.Shape())
	}
	inputs := []*Value{x, cond.Timestep, cond.Step}
	if cond.Encoder != nil {
		inputs = append(inputs, cond.Encoder)
	}
	static := cond.Static
	attributes := map[string]any{
		"stage":       stage.Name(),
		"phase":       static.Phase,
		"patch_count": static.PatchCount,
		"height":      height,
		"width":       static.Width,
	}
	exec := func(in []*buffers.Buffer) ([]*buffers.Buffer, error) {
		step := in[2].Flat().([]int32)
		c := Conditioning{
			Timestep: in[1],
			Step: StepInfo{
				Phase:      static.Phase,
				Counter:    int(step[0]),
				PatchIndex: int(step[1]),
				PatchCount: static.PatchCount,
				Height:     height,
				Width:      static.Width,
			},
		}
		if len(in) > 3 {
			c.Encoder = in[3]
		}
		var output *buffers.Buffer
		var runErr error
		if err := exceptions.TryCatch[error](func() { output, runErr = stage.Run(in[0], c) }); err != nil {
			return nil, errors.WithMessagef(err, "stage %q panicked", stage.Name())
		}
		if runErr != nil {
			return nil, errors.WithMessagef(runErr, "stage %q", stage.Name())
		}
		if output == nil {
			return nil, errors.Errorf("stage %q returned a nil buffer", stage.Name())
		}
		return []*buffers.Buffer{output}, nil
	}
	stmt, err := x.program.addOp(opType, inputs, attributes, exec)
	if err != nil {
		return nil, err
	}
	return stmt.Outputs[0], nil
}

// Gatherer exchanges a value with the other members of its group. See collective.Synchronizer.
type Gatherer interface {
	// Assemble all-gathers local and returns the parts concatenated along Axis, in rank order.
	Assemble(local *buffers.Buffer) (*buffers.Buffer, error)

	// Axis of the concatenation.
	Axis() int

	// Size of the group.
	Size() int
}

// Gather all-gathers x across the group of g and returns the assembled value.
func Gather(g Gatherer, x *Value) (*Value, error) {
	if x == nil {
		return nil, errors.New("Gather: nil value")
	}
	group := make([]int, g.Size())
	for i := range group {
		group[i] = i
	}
	attributes := map[string]any{
		"axis":           g.Axis(),
		"replica_groups": [][]int{group},
	}
	exec := func(in []*buffers.Buffer) ([]*buffers.Buffer, error) {
		assembled, err := g.Assemble(in[0])
		if err != nil {
			return nil, err
		}
		return []*buffers.Buffer{assembled}, nil
	}
	stmt, err := x.program.addOp(optypes.Gather, []*Value{x}, attributes, exec)
	if err != nil {
		return nil, err
	}
	return stmt.Outputs[0], nil
}
