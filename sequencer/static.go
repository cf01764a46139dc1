package sequencer

import (
	"context"
	"sort"
	"sync"

	"github.com/gitzhang10/scribe/dag"
)

// StaticAuthority is the fixed-validator-set strategy: the genesis scribes
// propose in every round and there are no leaders.
type StaticAuthority struct {
	source ValidatorSource

	mu      sync.Mutex
	scribes []string // sorted, nil until loaded
}

// NewStaticAuthority returns a strategy reading its scribes from source once.
func NewStaticAuthority(source ValidatorSource) *StaticAuthority {
	return &StaticAuthority{source: source}
}

// Name implements Strategy.
func (s *StaticAuthority) Name() string { return NameStatic }

func (s *StaticAuthority) load(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scribes != nil {
		return s.scribes, nil
	}
	scribes, err := s.source.GenesisScribes(ctx)
	if err != nil {
		return nil, err
	}
	sorted := append([]string{}, scribes...)
	sort.Strings(sorted)
	s.scribes = sorted
	return s.scribes, nil
}

// ScribesAtRound implements Strategy.
func (s *StaticAuthority) ScribesAtRound(ctx context.Context, round int64) ([]string, error) {
	if round < 0 {
		return nil, nil
	}
	scribes, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), scribes...), nil
}

// ConsensusThreshold implements Strategy.
func (s *StaticAuthority) ConsensusThreshold(ctx context.Context, round int64) (int, error) {
	scribes, err := s.ScribesAtRound(ctx, round)
	if err != nil {
		return 0, err
	}
	return dag.QuorumThreshold(len(scribes)), nil
}
