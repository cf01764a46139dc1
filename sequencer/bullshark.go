package sequencer

import (
	"context"

	"github.com/gitzhang10/scribe/dag"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
)

const (
	fallbackOffset = 0
	steadyOffset   = 2
	voteOffset     = WaveLength - 1
)

// voterCacheSize bounds the memoized voter kinds.
const voterCacheSize = 8192

// Bullshark carries two leader candidates per wave: a steady leader on a
// fixed round-robin schedule and a coin-elected fallback leader.
//
// The vertices of the last round of a wave are its voters. A voter is a
// steady voter when its own causal history commits a leader of the previous
// wave and a fallback voter otherwise; every voter of wave 0 is steady. A
// leader only counts the voters of its own kind, and since a scribe has at
// most one certified vertex per round at most one leader of a wave can ever
// reach SupportThreshold votes.
type Bullshark struct {
	dagOrdering
	voters *lru.Cache // vertex key -> steady voter
}

// NewBullshark creates a Bullshark strategy over the given scribes and DAG.
func NewBullshark(static *StaticAuthority, reader Reader, coinSeed []byte, logger hclog.Logger) *Bullshark {
	voters, err := lru.New(voterCacheSize)
	if err != nil {
		panic(err)
	}
	return &Bullshark{
		dagOrdering: dagOrdering{
			StaticAuthority: static,
			reader:          reader,
			coinSeed:        coinSeed,
			logger:          logger.Named(NameBullshark),
		},
		voters: voters,
	}
}

// Name implements Strategy.
func (b *Bullshark) Name() string { return NameBullshark }

// IsLeaderRound implements LeaderStrategy.
func (b *Bullshark) IsLeaderRound(round int64) bool {
	_, offset := wave(round)
	return offset == fallbackOffset || offset == steadyOffset
}

func isSteadyRound(round int64) bool {
	_, offset := wave(round)
	return offset == steadyOffset
}

// waveRound returns the round at offset inside wave w.
func waveRound(w, offset int64) int64 {
	return w*WaveLength + offset + 1
}

func (b *Bullshark) steadyName(ctx context.Context, round int64) (string, error) {
	scribes, err := b.ScribesAtRound(ctx, round)
	if err != nil || len(scribes) == 0 {
		return "", err
	}
	w, _ := wave(round)
	return scribes[w%int64(len(scribes))], nil
}

// LeaderCandidate implements LeaderStrategy.
func (b *Bullshark) LeaderCandidate(ctx context.Context, round int64) (*dag.Vertex, error) {
	if !b.IsLeaderRound(round) {
		return nil, nil
	}
	var (
		name string
		err  error
	)
	if isSteadyRound(round) {
		name, err = b.steadyName(ctx, round)
	} else {
		name, err = b.electCoin(ctx, round)
	}
	if err != nil {
		return nil, err
	}
	return b.certifiedVertexOf(ctx, round, name)
}

// FindLeaderInRound implements LeaderStrategy. A leader is confirmed once
// SupportThreshold voters of its kind in the local DAG vote for it.
func (b *Bullshark) FindLeaderInRound(ctx context.Context, round int64) (*dag.Vertex, error) {
	if !b.IsLeaderRound(round) {
		return nil, nil
	}
	w, _ := wave(round)
	voters, err := b.reader.CertifiedVertices(ctx, waveRound(w, voteOffset))
	if err != nil || len(voters) == 0 {
		return nil, err
	}
	scribes, err := b.ScribesAtRound(ctx, round)
	if err != nil {
		return nil, err
	}
	return b.leaderWithVotes(ctx, round, voters, dag.SupportThreshold(len(scribes)))
}

// LinkedLeader implements LeaderStrategy. The leader of round is linked to
// anchor when the causal history of anchor holds enough votes for it that
// no leader of the other kind can have been confirmed by anyone.
func (b *Bullshark) LinkedLeader(ctx context.Context, anchor *dag.Vertex, round int64) (*dag.Vertex, error) {
	if !b.IsLeaderRound(round) {
		return nil, nil
	}
	w, _ := wave(round)
	voters, err := historyAt(ctx, b.reader, anchor, waveRound(w, voteOffset))
	if err != nil || len(voters) == 0 {
		return nil, err
	}
	scribes, err := b.ScribesAtRound(ctx, round)
	if err != nil {
		return nil, err
	}
	return b.leaderWithVotes(ctx, round, voters, dag.LinkThreshold(len(scribes)))
}

// leaderWithVotes returns the candidate of round when at least need of
// voters vote for it.
func (b *Bullshark) leaderWithVotes(ctx context.Context, round int64, voters []*dag.Vertex, need int) (*dag.Vertex, error) {
	leader, err := b.LeaderCandidate(ctx, round)
	if err != nil || leader == nil {
		return nil, err
	}
	votes, err := b.votes(ctx, leader, voters)
	if err != nil {
		return nil, err
	}
	if votes < need {
		b.logger.Trace("leader not confirmed yet", "round", round, "leader", leader.Proposer, "votes", votes)
		return nil, nil
	}
	return leader, nil
}

// votes counts the voters of the leader's kind that vote for it: a steady
// voter by referencing the steady leader, a fallback voter by reaching the
// fallback leader.
func (b *Bullshark) votes(ctx context.Context, leader *dag.Vertex, voters []*dag.Vertex) (int, error) {
	steady := isSteadyRound(leader.Round)
	count := 0
	for _, v := range voters {
		kind, err := b.isSteadyVoter(ctx, v)
		if err != nil {
			return 0, err
		}
		if kind != steady {
			continue
		}
		var ok bool
		if steady {
			_, ok = v.Parents[leader.Proposer]
		} else if ok, err = reachable(ctx, b.reader, v, leader); err != nil {
			return 0, err
		}
		if ok {
			count++
		}
	}
	return count, nil
}

// isSteadyVoter reports the kind of the voter v, derived from its causal
// history only.
func (b *Bullshark) isSteadyVoter(ctx context.Context, v *dag.Vertex) (bool, error) {
	key := vertexKey(v.Round, v.Proposer)
	if kind, ok := b.voters.Get(key); ok {
		return kind.(bool), nil
	}
	w, _ := wave(v.Round)
	steady := true
	if w > 0 {
		previous, err := historyAt(ctx, b.reader, v, waveRound(w-1, voteOffset))
		if err != nil {
			return false, err
		}
		scribes, err := b.ScribesAtRound(ctx, v.Round)
		if err != nil {
			return false, err
		}
		need := dag.SupportThreshold(len(scribes))
		leader, err := b.leaderWithVotes(ctx, waveRound(w-1, steadyOffset), previous, need)
		if err == nil && leader == nil {
			leader, err = b.leaderWithVotes(ctx, waveRound(w-1, fallbackOffset), previous, need)
		}
		if err != nil {
			return false, err
		}
		steady = leader != nil
	}
	b.voters.Add(key, steady)
	return steady, nil
}

// FindOrderedVerticesBetween implements LeaderStrategy.
func (b *Bullshark) FindOrderedVerticesBetween(ctx context.Context, start, end int64) ([]*dag.Vertex, error) {
	return b.between(ctx, start, end, b.LeaderCandidate)
}
