// Package collective exchanges activation buffers between the ranks of a pipeline group.
//
// Channel is the communication capability the scheduler needs: a synchronous all-gather. LocalGroup
// implements it in-process, with one goroutine per rank, for tests and single-machine simulation.
// Synchronizer uses a Channel to stitch the partial outputs of all ranks back into one buffer.
package collective

import (
	"sync"

	"github.com/gomlx/pipefuser/types/buffers"
	"github.com/gomlx/pipefuser/types/errs"
	"github.com/pkg/errors"
)

// Channel connects one rank to the other members of its group.
//
// AllGather blocks until every member contributed its buffer for the round, and returns the
// contributions ordered by rank. All members must contribute buffers of the same shape, and must
// call AllGather the same number of times in the same order, otherwise the group deadlocks.
type Channel interface {
	Rank() int
	Size() int
	AllGather(local *buffers.Buffer) ([]*buffers.Buffer, error)
}

// LocalGroup is an in-process group of ranks, each one used from its own goroutine.
type LocalGroup struct {
	size int

	mu   sync.Mutex
	cond *sync.Cond

	// round is the number of completed all-gathers.
	round int

	// pending collects the contributions of the current round.
	pending  []*buffers.Buffer
	arrived  int
	received int

	// results of the last completed round, read by every member before the next round starts.
	results []*buffers.Buffer
	err     error
}

// NewLocalGroup creates a group with the given number of ranks.
func NewLocalGroup(size int) (*LocalGroup, error) {
	if size < 1 {
		return nil, errors.Errorf("LocalGroup size %d must be >= 1", size)
	}
	g := &LocalGroup{
		size:    size,
		pending: make([]*buffers.Buffer, size),
	}
	g.cond = sync.NewCond(&g.mu)
	return g, nil
}

// Size of the group.
func (g *LocalGroup) Size() int { return g.size }

// Channel returns the channel of the given rank. It panics if rank is out of range.
func (g *LocalGroup) Channel(rank int) Channel {
	if rank < 0 || rank >= g.size {
		panic(errors.Errorf("LocalGroup.Channel(%d): rank out of range for group of size %d", rank, g.size))
	}
	return &localChannel{group: g, rank: rank}
}

type localChannel struct {
	group *LocalGroup
	rank  int
}

func (c *localChannel) Rank() int { return c.rank }
func (c *localChannel) Size() int { return c.group.size }

// AllGather implements Channel. Each member receives its own clones of the contributions.
func (c *localChannel) AllGather(local *buffers.Buffer) ([]*buffers.Buffer, error) {
	g := c.group
	g.mu.Lock()
	defer g.mu.Unlock()

	// Wait for the previous round to be fully consumed.
	for g.received > 0 {
		g.cond.Wait()
	}
	myRound := g.round
	if g.pending[c.rank] != nil {
		return nil, errors.Errorf("rank %d contributed twice to all-gather round %d", c.rank, myRound)
	}
	g.pending[c.rank] = local.Clone()
	g.arrived++
	if g.arrived == g.size {
		g.completeRound()
		g.cond.Broadcast()
	}
	for g.round == myRound {
		g.cond.Wait()
	}

	results, err := g.results, g.err
	g.received--
	if g.received == 0 {
		g.results, g.err = nil, nil
		g.cond.Broadcast()
	}
	if err != nil {
		return nil, err
	}
	parts := make([]*buffers.Buffer, len(results))
	for i, part := range results {
		parts[i] = part.Clone()
	}
	return parts, nil
}

// completeRound publishes the pending contributions. It must be called with the lock held.
func (g *LocalGroup) completeRound() {
	g.results, g.err = g.pending, nil
	first := g.pending[0].Shape()
	for rank, part := range g.pending {
		if !part.Shape().Equal(first) {
			g.results = nil
			g.err = errs.ShapeMismatchf("all-gather round %d: rank %d contributed %s, rank 0 contributed %s",
				g.round, rank, part.Shape(), first)
			break
		}
	}
	g.pending = make([]*buffers.Buffer, g.size)
	g.arrived = 0
	g.received = g.size
	g.round++
}
