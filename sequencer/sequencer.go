/*
Package sequencer implements the pluggable sequencing strategies of the
engine. Every strategy answers who may propose in a round and what the quorum
is; the DAG-ordering strategies also elect wave leaders and derive the agreed
total order of the DAG between two leaders.
*/
package sequencer

import (
	"context"
	"errors"
	"fmt"

	"github.com/gitzhang10/scribe/dag"
	"github.com/hashicorp/go-hclog"
)

const (
	NameStatic    = "static"
	NameDAGRider  = "dagrider"
	NameBullshark = "bullshark"
)

// WaveLength is the number of consecutive rounds in one wave.
const WaveLength = 4

var (
	// ErrLeaderUnavailable is returned when an ordering anchor has no
	// certified vertex in the local DAG.
	ErrLeaderUnavailable = errors.New("leader vertex unavailable")
	// ErrMissingVertex is returned when a traversal meets a parent that is
	// not in the local DAG.
	ErrMissingVertex = errors.New("vertex missing from the local DAG")
)

// Reader is the read side of the persisted DAG.
type Reader interface {
	Vertex(ctx context.Context, round int64, proposer string) (*dag.Vertex, error)
	CertifiedVertices(ctx context.Context, round int64) ([]*dag.Vertex, error)
}

// ValidatorSource provides the genesis scribe set.
type ValidatorSource interface {
	GenesisScribes(ctx context.Context) ([]string, error)
}

// StaticValidators is a ValidatorSource over a fixed list.
type StaticValidators []string

// GenesisScribes implements ValidatorSource.
func (s StaticValidators) GenesisScribes(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// Strategy is implemented by every sequencing strategy.
type Strategy interface {
	Name() string
	// ScribesAtRound returns the sorted scribes eligible to propose in round,
	// empty for negative rounds.
	ScribesAtRound(ctx context.Context, round int64) ([]string, error)
	// ConsensusThreshold returns the quorum of round, 0 for negative rounds.
	ConsensusThreshold(ctx context.Context, round int64) (int, error)
}

// LeaderStrategy is implemented by the strategies that order the DAG.
type LeaderStrategy interface {
	Strategy
	IsLeaderRound(round int64) bool
	// LeaderCandidate returns the certified vertex of the scribe elected for
	// round, without checking its support. nil if none.
	LeaderCandidate(ctx context.Context, round int64) (*dag.Vertex, error)
	// FindLeaderInRound returns the leader of round once it is confirmed, nil
	// when round has no leader or the leader cannot be confirmed yet.
	FindLeaderInRound(ctx context.Context, round int64) (*dag.Vertex, error)
	// LinkedLeader returns the leader of the earlier round that the causal
	// history of anchor, a committed leader, commits with it. nil if none.
	LinkedLeader(ctx context.Context, anchor *dag.Vertex, round int64) (*dag.Vertex, error)
	// FindOrderedVerticesBetween returns the leader of end followed by its
	// causal history that is not in the causal history of the leader of
	// start, ordered by round descending then proposer ascending.
	FindOrderedVerticesBetween(ctx context.Context, start, end int64) ([]*dag.Vertex, error)
}

// New creates the strategy registered under name.
func New(name string, source ValidatorSource, reader Reader, coinSeed []byte, logger hclog.Logger) (Strategy, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	static := NewStaticAuthority(source)
	switch name {
	case "", NameStatic:
		return static, nil
	case NameDAGRider:
		return NewDAGRider(static, reader, coinSeed, logger), nil
	case NameBullshark:
		return NewBullshark(static, reader, coinSeed, logger), nil
	default:
		return nil, fmt.Errorf("invalid sequencing strategy: '%s'", name)
	}
}

// IsEligible reports whether scribe may propose in round.
func IsEligible(ctx context.Context, s Strategy, round int64, scribe string) (bool, error) {
	scribes, err := s.ScribesAtRound(ctx, round)
	if err != nil {
		return false, err
	}
	for _, name := range scribes {
		if name == scribe {
			return true, nil
		}
	}
	return false, nil
}

// wave returns the wave of round and the round's offset inside it. Round 0 is
// genesis and belongs to no wave.
func wave(round int64) (int64, int64) {
	if round < 1 {
		return -1, -1
	}
	return (round - 1) / WaveLength, (round - 1) % WaveLength
}
