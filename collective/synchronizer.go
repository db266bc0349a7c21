package collective

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/errs"
	"github.com/gomlx/pipefuser/types/shapes"
	"k8s.io/klog/v2"
)

// HeightAxis is the spatial axis of [batch, channels, height, width] activations along which
// patches are stitched.
const HeightAxis = 2

// Synchronizer assembles the partial outputs of all ranks of a group into one buffer.
//
// The staging buffers (one per rank) and the assembled buffer are allocated on the first call to
// Assemble and reused afterwards: the local shape must not change for the lifetime of the
// Synchronizer. The buffer returned by Assemble is overwritten by the next call.
//
// A Synchronizer is used by a single goroutine.
type Synchronizer struct {
	ch   Channel
	axis int

	localShape shapes.Shape
	staging    []*buffers.Buffer
	assembled  *buffers.Buffer
	calls      int
}

// NewSynchronizer creates a Synchronizer concatenating along axis. Negative axes count from the end.
func NewSynchronizer(ch Channel, axis int) *Synchronizer {
	return &Synchronizer{ch: ch, axis: axis}
}

// Axis of the concatenation.
func (s *Synchronizer) Axis() int { return s.axis }

// Size of the group.
func (s *Synchronizer) Size() int { return s.ch.Size() }

// Calls returns the number of successful calls to Assemble.
func (s *Synchronizer) Calls() int { return s.calls }

// Memory returns the bytes held in staging and assembled buffers.
func (s *Synchronizer) Memory() uintptr {
	if s.assembled == nil {
		return 0
	}
	return s.assembled.Memory() * 2
}

// Assemble all-gathers local and returns the parts concatenated along the axis, in ascending rank
// order.
//
// Every member of the group must call Assemble the same number of times and in the same order,
// otherwise the group deadlocks. A local shape different from the first call returns an error
// wrapping errs.ErrShapeMismatch.
func (s *Synchronizer) Assemble(local *buffers.Buffer) (*buffers.Buffer, error) {
	// The all-gather happens before any check, so that the other members are not left waiting.
	parts, err := s.ch.AllGather(local)
	if err != nil {
		return nil, err
	}
	if s.assembled != nil && !local.Shape().Equal(s.localShape) {
		return nil, errs.ShapeMismatchf("synchronizer buffers were sized for %s, got %s", s.localShape, local.Shape())
	}
	if len(parts) != s.ch.Size() {
		return nil, errs.ShapeMismatchf("all-gather returned %d parts for a group of size %d", len(parts), s.ch.Size())
	}
	if s.assembled == nil {
		if err := s.allocate(local.Shape()); err != nil {
			return nil, err
		}
	}
	for rank, part := range parts {
		if err := s.staging[rank].CopyFrom(part); err != nil {
			return nil, err
		}
	}
	if err := buffers.Concatenate(s.assembled, s.staging, s.axis); err != nil {
		return nil, err
	}
	s.calls++
	return s.assembled, nil
}

func (s *Synchronizer) allocate(localShape shapes.Shape) error {
	partShapes := make([]shapes.Shape, s.ch.Size())
	for i := range partShapes {
		partShapes[i] = localShape
	}
	assembledShape, err := shapes.Concatenate(partShapes, s.axis)
	if err != nil {
		return errs.ShapeMismatchf("cannot assemble %d parts shaped %s along axis %d: %v",
			len(partShapes), localShape, s.axis, err)
	}
	s.localShape = localShape.Clone()
	s.staging = make([]*buffers.Buffer, len(partShapes))
	for i := range s.staging {
		s.staging[i] = buffers.New(localShape.DType, localShape.Dimensions...)
	}
	s.assembled = buffers.New(assembledShape.DType, assembledShape.Dimensions...)
	klog.V(1).Infof("rank %d: allocated synchronizer buffers %d x %s -> %s (%s)", s.ch.Rank(), len(s.staging),
		localShape, assembledShape, humanize.Bytes(uint64(s.Memory())))
	return nil
}
