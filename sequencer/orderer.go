package sequencer

import (
	"context"
	"sync"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/store"
	"github.com/hashicorp/go-hclog"
)

// Section is the ordered output anchored by one committed leader.
type Section struct {
	LeaderRound int64
	Leader      *dag.Vertex
	Vertices    []*dag.Vertex
}

// OrderStore is the DAG the Orderer reads and the log it records commits in.
type OrderStore interface {
	Reader
	store.CommitLog
}

// Orderer commits confirmed leaders in round order and turns each of them
// into a Section. A confirmed leader also commits every earlier uncommitted
// leader the strategy links to it. A section holds the causal history of its
// leader that no earlier section delivered; the commit log records both the
// delivered vertices and the commit frontier, so a restarted Orderer
// continues where it stopped.
type Orderer struct {
	strategy LeaderStrategy
	store    OrderStore
	logger   hclog.Logger

	lock      sync.Mutex
	loaded    bool
	committed int64 // round of the last committed leader, -1 before the first
}

// NewOrderer creates an orderer. The commit frontier is read from s on first
// use.
func NewOrderer(strategy LeaderStrategy, s OrderStore, logger hclog.Logger) *Orderer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Orderer{
		strategy:  strategy,
		store:     s,
		logger:    logger.Named("orderer"),
		committed: -1,
	}
}

// Load reads the commit frontier from the commit log.
func (o *Orderer) Load(ctx context.Context) error {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.load(ctx)
}

func (o *Orderer) load(ctx context.Context) error {
	if o.loaded {
		return nil
	}
	committed, err := o.store.LastCommitted(ctx)
	if err != nil {
		return err
	}
	o.committed = committed
	o.loaded = true
	if committed >= 0 {
		o.logger.Info("resume ordering", "last-committed", committed)
	}
	return nil
}

// LastCommitted returns the round of the last committed leader.
func (o *Orderer) LastCommitted() int64 {
	o.lock.Lock()
	defer o.lock.Unlock()
	return o.committed
}

// Commit examines the leader rounds up to upTo and returns the sections that
// became final, oldest first.
func (o *Orderer) Commit(ctx context.Context, upTo int64) ([]Section, error) {
	o.lock.Lock()
	defer o.lock.Unlock()
	if err := o.load(ctx); err != nil {
		return nil, err
	}

	var sections []Section
	for round := o.committed + 1; round <= upTo; round++ {
		if !o.strategy.IsLeaderRound(round) {
			continue
		}
		leader, err := o.strategy.FindLeaderInRound(ctx, round)
		if err != nil {
			return sections, err
		}
		if leader == nil {
			continue
		}
		chain, err := o.linkedLeaders(ctx, leader)
		if err != nil {
			return sections, err
		}
		for i := len(chain) - 1; i >= 0; i-- {
			v := chain[i]
			vs, err := o.undelivered(ctx, v)
			if err != nil {
				return sections, err
			}
			if err := o.store.SaveCommit(ctx, v.Round, vs); err != nil {
				return sections, err
			}
			o.logger.Info("commit the leader vertex", "round", v.Round, "leader", v.Proposer, "vertices", len(vs))
			sections = append(sections, Section{LeaderRound: v.Round, Leader: v, Vertices: vs})
			o.committed = v.Round
		}
	}
	return sections, nil
}

// linkedLeaders returns leader followed by the uncommitted leaders linked to
// it, newest first. Every section of the chain is walked once before the
// first is committed, so a *MissingVertexError leaves the commit log as it
// was.
func (o *Orderer) linkedLeaders(ctx context.Context, leader *dag.Vertex) ([]*dag.Vertex, error) {
	if _, err := o.undelivered(ctx, leader); err != nil {
		return nil, err
	}
	chain := []*dag.Vertex{leader}
	cur := leader
	for round := leader.Round - 1; round > o.committed; round-- {
		if !o.strategy.IsLeaderRound(round) {
			continue
		}
		cand, err := o.strategy.LinkedLeader(ctx, cur, round)
		if err != nil {
			return nil, err
		}
		if cand != nil {
			o.logger.Debug("commit the linked leader", "round", cand.Round, "leader", cand.Proposer)
			chain = append(chain, cand)
			cur = cand
		}
	}
	return chain, nil
}

// undelivered walks the causal history of leader that is not in the commit
// log yet. Delivered vertices are neither returned nor expanded, which keeps
// the walk proportional to what is new.
func (o *Orderer) undelivered(ctx context.Context, leader *dag.Vertex) ([]*dag.Vertex, error) {
	var logErr error
	vs, err := walk(ctx, o.store, leader, func(v *dag.Vertex) bool {
		if logErr != nil {
			return true
		}
		done, err := o.store.IsOrdered(ctx, v.Round, v.Proposer)
		if err != nil {
			logErr = err
			return true
		}
		return done
	})
	if err != nil {
		return nil, err
	}
	return vs, logErr
}
