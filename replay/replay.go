// Package replay captures the program run for a call once per phase tag and replays it on later
// calls with the same tag.
//
// The first call with a tag records the program into a graph.Program bound to persistent input
// buffers. Later calls copy their inputs into those buffers and replay the program, and the
// persistent output buffers are returned. With replay disabled every call records a throw-away
// program bound to the caller's buffers: the results are the same, only slower.
package replay

import (
	"fmt"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/pipefuser/graph"
	"github.com/gomlx/pipefuser/phase"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/errs"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ComputeFn records the computation of one call into p, given the program values of the inputs.
// It returns the output values.
//
// It must be deterministic, and its control flow must only depend on the inputs' shapes and on
// values fixed for the tag: the captured program is replayed as recorded.
type ComputeFn func(p *graph.Program, inputs []*graph.Value) ([]*graph.Value, error)

type capturedGraph struct {
	program *graph.Program
	inputs  []*buffers.Buffer
	outputs []*buffers.Buffer
}

// Engine holds the captured programs of one device. It is not safe for concurrent use.
type Engine struct {
	name     string
	enabled  bool
	captured map[phase.Tag]*capturedGraph
}

// New creates an Engine. If enabled is false, nothing is captured.
func New(name string, enabled bool) *Engine {
	return &Engine{
		name:     name,
		enabled:  enabled,
		captured: make(map[phase.Tag]*capturedGraph),
	}
}

// Enabled returns whether programs are captured and replayed.
func (e *Engine) Enabled() bool { return e.enabled }

// Captured returns whether a program was captured for tag.
func (e *Engine) Captured(tag phase.Tag) bool {
	_, found := e.captured[tag]
	return found
}

// NumCaptured returns the number of captured programs.
func (e *Engine) NumCaptured() int { return len(e.captured) }

// Tags returns the captured tags, sorted.
func (e *Engine) Tags() []phase.Tag {
	tags := make([]phase.Tag, 0, len(e.captured))
	for tag := range e.captured {
		tags = append(tags, tag)
	}
	slices.Sort(tags)
	return tags
}

// Program returns the captured program for tag, or nil if not captured.
func (e *Engine) Program(tag phase.Tag) *graph.Program {
	if c, found := e.captured[tag]; found {
		return c.program
	}
	return nil
}

// Memory returns the bytes held by persistent input and output buffers.
func (e *Engine) Memory() (total uintptr) {
	for _, c := range e.captured {
		for _, b := range c.inputs {
			total += b.Memory()
		}
		for _, b := range c.outputs {
			total += b.Memory()
		}
	}
	return
}

// Execute runs the computation for tag.
//
// On the first call for tag, fn is recorded (and executed) with a copy of inputs. On later calls,
// the inputs must have the same count and shapes as when captured, otherwise an error wrapping
// errs.ErrShapeMismatch is returned, and the captured program is replayed.
//
// Replay runs synchronously: outputs are complete when Execute returns. The returned buffers are
// owned by the Engine and overwritten by the next call with the same tag.
func (e *Engine) Execute(tag phase.Tag, inputs []*buffers.Buffer, fn ComputeFn) ([]*buffers.Buffer, error) {
	if !e.enabled {
		p, err := e.record(fmt.Sprintf("%s_%s", e.name, tag), inputs, fn)
		if err != nil {
			return nil, err
		}
		return p.OutputBuffers(), nil
	}

	c, found := e.captured[tag]
	if !found {
		persistent := make([]*buffers.Buffer, len(inputs))
		for i, input := range inputs {
			persistent[i] = input.Clone()
		}
		p, err := e.record(fmt.Sprintf("%s_%s", e.name, tag), persistent, fn)
		if err != nil {
			return nil, errors.WithMessagef(err, "capturing %q for tag %s", e.name, tag)
		}
		c = &capturedGraph{program: p, inputs: persistent, outputs: p.OutputBuffers()}
		e.captured[tag] = c
		if klog.V(1).Enabled() {
			klog.Infof("%s: captured program for tag %s: %d statements, persistent buffers %s",
				e.name, tag, len(p.Statements), humanize.Bytes(uint64(e.Memory())))
		}
		if klog.V(2).Enabled() {
			klog.Infof("%s: program for tag %s:\n%s", e.name, tag, p)
		}
		return c.outputs, nil
	}

	if len(inputs) != len(c.inputs) {
		return nil, errs.ShapeMismatchf("%s: tag %s was captured with %d inputs, got %d",
			e.name, tag, len(c.inputs), len(inputs))
	}
	for i, input := range inputs {
		if !input.Shape().Equal(c.inputs[i].Shape()) {
			return nil, errs.ShapeMismatchf("%s: tag %s input #%d was captured with shape %s, got %s",
				e.name, tag, i, c.inputs[i].Shape(), input.Shape())
		}
	}
	for i, input := range inputs {
		if err := c.inputs[i].CopyFrom(input); err != nil {
			return nil, err
		}
	}
	var err error
	if panicErr := exceptions.TryCatch[error](func() { err = c.program.Replay() }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "replaying %q for tag %s", e.name, tag)
	}
	return c.outputs, nil
}

// record creates a program bound to the given input buffers and records fn into it.
func (e *Engine) record(name string, inputs []*buffers.Buffer, fn ComputeFn) (p *graph.Program, err error) {
	p = graph.NewProgram(name)
	values := make([]*graph.Value, len(inputs))
	for i, input := range inputs {
		values[i] = p.Input(input)
	}
	var outputs []*graph.Value
	if panicErr := exceptions.TryCatch[error](func() { outputs, err = fn(p, values) }); panicErr != nil {
		return nil, panicErr
	}
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, errs.Capturef("%s: computation returned no outputs", name)
	}
	if err = p.Return(outputs[0], outputs[1:]...); err != nil {
		return nil, err
	}
	return p, nil
}
