// Package partition splits the ordered stages of a model across the ranks of a pipeline.
//
// Every rank gets a contiguous range of stages, in the order given by a Rotation: the rank at
// position 0 gets the first stages and also keeps the input-embedding stage. The ranges of all
// ranks cover every stage exactly once.
package partition

import (
	"fmt"

	"github.com/gomlx/pipefuser/graph"
	"github.com/gomlx/pipefuser/internal/utils"
	"github.com/gomlx/pipefuser/types/errs"
)

// Rotation maps a pipeline rank to its position in the stage order.
//
// It must be a permutation of [0, numRanks).
type Rotation interface {
	Position(rank, numRanks int) int
}

// ShiftRotation maps rank to (rank + shift) mod numRanks.
type ShiftRotation int

// Position implements Rotation.
func (s ShiftRotation) Position(rank, numRanks int) int {
	return ((rank+int(s))%numRanks + numRanks) % numRanks
}

var (
	// DefaultRotation places rank 1 first: rank → (rank - 1 + n) mod n.
	DefaultRotation Rotation = ShiftRotation(-1)

	// IdentityRotation places rank 0 first.
	IdentityRotation Rotation = ShiftRotation(0)
)

// Range of stage indices [Start, End).
type Range struct {
	Start, End int
}

// Len returns the number of stages in the range.
func (r Range) Len() int { return r.End - r.Start }

// String implements fmt.Stringer.
func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Start, r.End) }

// Ranges returns the range of stages of each rank, indexed by rank.
//
// If counts is not nil, the rank at position p gets counts[p] stages. Otherwise stages are split
// in blocks of ceil(numStages/numRanks), so the last positions may get fewer (or zero) stages.
func Ranges(numStages, numRanks int, counts []int, rot Rotation) ([]Range, error) {
	if numRanks < 1 {
		return nil, errs.PartitionMismatchf("number of pipeline ranks %d must be >= 1", numRanks)
	}
	if numStages < 0 {
		return nil, errs.PartitionMismatchf("number of stages %d must be >= 0", numStages)
	}
	if rot == nil {
		rot = DefaultRotation
	}
	positions := make([]int, numRanks)
	seen := utils.MakeSet[int](numRanks)
	for rank := range numRanks {
		pos := rot.Position(rank, numRanks)
		if pos < 0 || pos >= numRanks || seen.Has(pos) {
			return nil, errs.PartitionMismatchf("rotation is not a permutation of [0, %d): rank %d maps to position %d",
				numRanks, rank, pos)
		}
		seen.Insert(pos)
		positions[rank] = pos
	}

	// Start of each position.
	starts := make([]int, numRanks+1)
	if counts != nil {
		if len(counts) != numRanks {
			return nil, errs.PartitionMismatchf("%d stage counts given for %d pipeline ranks", len(counts), numRanks)
		}
		for p, count := range counts {
			if count < 0 {
				return nil, errs.PartitionMismatchf("stage count %d for position %d is negative", count, p)
			}
			starts[p+1] = starts[p] + count
		}
		if starts[numRanks] != numStages {
			return nil, errs.PartitionMismatchf("stage counts %v sum to %d, model has %d stages",
				counts, starts[numRanks], numStages)
		}
	} else {
		blockLen := (numStages + numRanks - 1) / numRanks
		for p := range numRanks + 1 {
			starts[p] = min(blockLen*p, numStages)
		}
	}

	ranges := make([]Range, numRanks)
	for rank, pos := range positions {
		ranges[rank] = Range{Start: starts[pos], End: starts[pos+1]}
	}
	return ranges, nil
}

// Assignment is the set of stages run by one rank.
type Assignment struct {
	Rank     int
	Position int
	NumRanks int

	// Start and End delimit the range of stage indices owned by the rank.
	Start, End int

	// Blocks are the stages in [Start, End), in order.
	Blocks []graph.Stage

	// Embedding is the input-embedding stage, nil unless the rank is the embedding owner.
	Embedding graph.Stage
}

// OwnsEmbedding returns whether the rank runs the input-embedding stage.
func (a *Assignment) OwnsEmbedding() bool { return a.Embedding != nil }

// IsFirst returns whether the rank is at position 0 of the stage order.
func (a *Assignment) IsFirst() bool { return a.Position == 0 }

// IsLast returns whether the rank is at the last position of the stage order.
func (a *Assignment) IsLast() bool { return a.Position == a.NumRanks-1 }

// String implements fmt.Stringer.
func (a *Assignment) String() string {
	return fmt.Sprintf("Assignment(rank %d, position %d/%d, stages [%d, %d), embedding=%v)",
		a.Rank, a.Position, a.NumRanks, a.Start, a.End, a.OwnsEmbedding())
}

// Partition returns the stages assigned to rank. See Ranges for the meaning of counts and rot.
//
// The embedding stage is kept only by the rank at position 0. It may be nil if the model has no
// separate embedding stage.
func Partition(stages []graph.Stage, embedding graph.Stage, numRanks, rank int, counts []int, rot Rotation) (*Assignment, error) {
	if numRanks >= 1 && (rank < 0 || rank >= numRanks) {
		return nil, errs.PartitionMismatchf("rank %d out of range for %d pipeline ranks", rank, numRanks)
	}
	ranges, err := Ranges(len(stages), numRanks, counts, rot)
	if err != nil {
		return nil, err
	}
	if rot == nil {
		rot = DefaultRotation
	}
	r := ranges[rank]
	a := &Assignment{
		Rank:     rank,
		Position: rot.Position(rank, numRanks),
		NumRanks: numRanks,
		Start:    r.Start,
		End:      r.End,
		Blocks:   stages[r.Start:r.End:r.End],
	}
	if a.Position == 0 {
		a.Embedding = embedding
	}
	return a, nil
}
