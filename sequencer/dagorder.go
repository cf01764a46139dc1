package sequencer

import (
	"context"
	"fmt"
	"sort"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/store"
	"github.com/hashicorp/go-hclog"
)

// dagOrdering holds what the leader-based strategies share: the genesis
// scribe set, the persisted DAG and the causal traversals over it.
type dagOrdering struct {
	*StaticAuthority
	reader   Reader
	coinSeed []byte
	logger   hclog.Logger
}

func vertexKey(round int64, proposer string) string {
	return fmt.Sprintf("%d/%s", round, proposer)
}

// MissingVertexError names a certified vertex a traversal needed but the
// local DAG does not hold. It matches ErrMissingVertex.
type MissingVertexError struct {
	Round    int64
	Proposer string
}

func (e *MissingVertexError) Error() string {
	return fmt.Sprintf("%v: round %d proposer %s", ErrMissingVertex, e.Round, e.Proposer)
}

func (e *MissingVertexError) Is(target error) bool { return target == ErrMissingVertex }

// walk visits the causal history of from, from included, one round at a time
// in descending order and by proposer inside a round. Vertices for which
// prune returns true are neither returned nor expanded.
func walk(ctx context.Context, reader Reader, from *dag.Vertex, prune func(*dag.Vertex) bool) ([]*dag.Vertex, error) {
	var out []*dag.Vertex
	seen := map[string]bool{vertexKey(from.Round, from.Proposer): true}
	level := []*dag.Vertex{from}
	for len(level) > 0 {
		sort.Slice(level, func(i, j int) bool { return level[i].Proposer < level[j].Proposer })
		var next []*dag.Vertex
		for _, v := range level {
			if prune != nil && prune(v) {
				continue
			}
			out = append(out, v)
			for _, p := range v.ParentNames() {
				k := vertexKey(v.Round-1, p)
				if seen[k] {
					continue
				}
				seen[k] = true
				pv, err := reader.Vertex(ctx, v.Round-1, p)
				if err == store.ErrNotFound || (err == nil && !pv.IsCertified()) {
					return nil, &MissingVertexError{Round: v.Round - 1, Proposer: p}
				}
				if err != nil {
					return nil, err
				}
				next = append(next, pv)
			}
		}
		level = next
	}
	return out, nil
}

// historyAt returns the vertices of round in the causal history of from,
// sorted by proposer.
func historyAt(ctx context.Context, reader Reader, from *dag.Vertex, round int64) ([]*dag.Vertex, error) {
	var out []*dag.Vertex
	_, err := walk(ctx, reader, from, func(v *dag.Vertex) bool {
		if v.Round == round {
			out = append(out, v)
		}
		return v.Round <= round
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reachable reports whether to is in the causal history of from.
func reachable(ctx context.Context, reader Reader, from, to *dag.Vertex) (bool, error) {
	if from.Round < to.Round {
		return false, nil
	}
	found := false
	_, err := walk(ctx, reader, from, func(v *dag.Vertex) bool {
		if v.Round == to.Round && v.Proposer == to.Proposer {
			found = true
		}
		return found || v.Round <= to.Round
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// support returns how many certified vertices of round leader.Round+depth
// are linked to the leader by a chain of parent certificates.
func (d *dagOrdering) support(ctx context.Context, leader *dag.Vertex, depth int64) (int, error) {
	supporting := map[string]bool{leader.Proposer: true}
	for i := int64(1); i <= depth; i++ {
		vs, err := d.reader.CertifiedVertices(ctx, leader.Round+i)
		if err != nil {
			return 0, err
		}
		next := make(map[string]bool)
		for _, v := range vs {
			for p := range v.Parents {
				if supporting[p] {
					next[v.Proposer] = true
					break
				}
			}
		}
		supporting = next
		if len(supporting) == 0 {
			break
		}
	}
	return len(supporting), nil
}

// certifiedVertexOf returns the certified vertex of proposer at round, nil if
// the local DAG does not hold one.
func (d *dagOrdering) certifiedVertexOf(ctx context.Context, round int64, proposer string) (*dag.Vertex, error) {
	if proposer == "" {
		return nil, nil
	}
	v, err := d.reader.Vertex(ctx, round, proposer)
	if err == store.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !v.IsCertified() {
		return nil, nil
	}
	return v, nil
}

// between implements FindOrderedVerticesBetween for a given way of resolving
// leader candidates. It walks both leader histories in full; the Orderer
// prunes its walks with the commit log instead.
func (d *dagOrdering) between(ctx context.Context, start, end int64,
	candidate func(context.Context, int64) (*dag.Vertex, error)) ([]*dag.Vertex, error) {
	if end <= start {
		return nil, fmt.Errorf("invalid section (%d, %d]", start, end)
	}
	endLeader, err := candidate(ctx, end)
	if err != nil {
		return nil, err
	}
	if endLeader == nil {
		return nil, fmt.Errorf("%w: round %d", ErrLeaderUnavailable, end)
	}
	var ordered map[string]bool
	if start >= 0 {
		startLeader, err := candidate(ctx, start)
		if err != nil {
			return nil, err
		}
		if startLeader == nil {
			return nil, fmt.Errorf("%w: round %d", ErrLeaderUnavailable, start)
		}
		history, err := walk(ctx, d.reader, startLeader, nil)
		if err != nil {
			return nil, err
		}
		ordered = make(map[string]bool, len(history))
		for _, v := range history {
			ordered[vertexKey(v.Round, v.Proposer)] = true
		}
	}
	return walk(ctx, d.reader, endLeader, func(v *dag.Vertex) bool {
		return ordered[vertexKey(v.Round, v.Proposer)]
	})
}
