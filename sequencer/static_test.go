package sequencer

import (
	"context"
	"errors"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls int
	fail  bool
}

func (c *countingSource) GenesisScribes(context.Context) ([]string, error) {
	c.calls++
	if c.fail {
		return nil, errors.New("genesis unavailable")
	}
	return []string{"node3", "node1", "node0", "node2"}, nil
}

func TestStaticAuthority(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{}
	s := NewStaticAuthority(src)

	got, err := s.ScribesAtRound(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"node0", "node1", "node2", "node3"}, got)

	got, err = s.ScribesAtRound(ctx, -1)
	require.NoError(t, err)
	assert.Empty(t, got)

	q, err := s.ConsensusThreshold(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, q)

	q, err = s.ConsensusThreshold(ctx, -3)
	require.NoError(t, err)
	assert.Equal(t, 0, q)

	_, err = s.ScribesAtRound(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls, "genesis set is loaded once")
}

func TestStaticAuthorityRetriesFailedLoad(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{fail: true}
	s := NewStaticAuthority(src)
	_, err := s.ScribesAtRound(ctx, 1)
	require.Error(t, err)
	src.fail = false
	got, err := s.ScribesAtRound(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestIsEligible(t *testing.T) {
	ctx := context.Background()
	s := NewStaticAuthority(StaticValidators(scribes))
	ok, err := IsEligible(ctx, s, 3, "node2")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = IsEligible(ctx, s, 3, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = IsEligible(ctx, s, -1, "node2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewByName(t *testing.T) {
	src := StaticValidators(scribes)
	for name, want := range map[string]string{
		"":            NameStatic,
		NameStatic:    NameStatic,
		NameDAGRider:  NameDAGRider,
		NameBullshark: NameBullshark,
	} {
		s, err := New(name, src, nil, nil, hclog.NewNullLogger())
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}
	_, err := New("pbft", src, nil, nil, nil)
	assert.Error(t, err)

	s, _ := New(NameStatic, src, nil, nil, nil)
	_, ok := s.(LeaderStrategy)
	assert.False(t, ok, "static authority has no leaders")
}
