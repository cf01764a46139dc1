package sequencer

import (
	"context"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/election"
	"github.com/hashicorp/go-hclog"
)

// riderDepth is the number of rounds after the leader round whose vertices
// are counted as support.
const riderDepth = WaveLength - 1

// DAGRider elects one leader per wave with the common coin, at the first
// round of the wave.
type DAGRider struct {
	dagOrdering
}

// NewDAGRider creates a DAGRider strategy over the given scribes and DAG.
func NewDAGRider(static *StaticAuthority, reader Reader, coinSeed []byte, logger hclog.Logger) *DAGRider {
	return &DAGRider{dagOrdering{
		StaticAuthority: static,
		reader:          reader,
		coinSeed:        coinSeed,
		logger:          logger.Named(NameDAGRider),
	}}
}

// Name implements Strategy.
func (d *DAGRider) Name() string { return NameDAGRider }

// IsLeaderRound implements LeaderStrategy.
func (d *DAGRider) IsLeaderRound(round int64) bool {
	_, offset := wave(round)
	return offset == 0
}

// electCoin returns the scribe the common coin picks for the wave of round.
func (d *dagOrdering) electCoin(ctx context.Context, round int64) (string, error) {
	w, _ := wave(round)
	scribes, err := d.ScribesAtRound(ctx, round)
	if err != nil {
		return "", err
	}
	return election.PickOne(scribes, election.WaveSeed(w, d.coinSeed)), nil
}

// LeaderCandidate implements LeaderStrategy.
func (d *DAGRider) LeaderCandidate(ctx context.Context, round int64) (*dag.Vertex, error) {
	if !d.IsLeaderRound(round) {
		return nil, nil
	}
	name, err := d.electCoin(ctx, round)
	if err != nil {
		return nil, err
	}
	return d.certifiedVertexOf(ctx, round, name)
}

// FindLeaderInRound implements LeaderStrategy. The leader is accepted once
// ceil(2n/3) vertices three rounds later are linked to it.
func (d *DAGRider) FindLeaderInRound(ctx context.Context, round int64) (*dag.Vertex, error) {
	leader, err := d.LeaderCandidate(ctx, round)
	if err != nil || leader == nil {
		return nil, err
	}
	return d.confirmCoinLeader(ctx, leader)
}

func (d *dagOrdering) confirmCoinLeader(ctx context.Context, leader *dag.Vertex) (*dag.Vertex, error) {
	scribes, err := d.ScribesAtRound(ctx, leader.Round)
	if err != nil {
		return nil, err
	}
	count, err := d.support(ctx, leader, riderDepth)
	if err != nil {
		return nil, err
	}
	if count < dag.SupportThreshold(len(scribes)) {
		d.logger.Trace("leader not confirmed yet", "round", leader.Round, "leader", leader.Proposer,
			"support", count)
		return nil, nil
	}
	return leader, nil
}

// LinkedLeader implements LeaderStrategy. The leader of round is linked to
// anchor when anchor reaches it.
func (d *DAGRider) LinkedLeader(ctx context.Context, anchor *dag.Vertex, round int64) (*dag.Vertex, error) {
	cand, err := d.LeaderCandidate(ctx, round)
	if err != nil || cand == nil {
		return nil, err
	}
	ok, err := reachable(ctx, d.reader, anchor, cand)
	if err != nil || !ok {
		return nil, err
	}
	return cand, nil
}

// FindOrderedVerticesBetween implements LeaderStrategy.
func (d *DAGRider) FindOrderedVerticesBetween(ctx context.Context, start, end int64) ([]*dag.Vertex, error) {
	return d.between(ctx, start, end, d.LeaderCandidate)
}
