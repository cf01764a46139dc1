package sequencer

import (
	"context"
	"errors"
	"testing"

	"github.com/gitzhang10/scribe/store"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdererCommitsEachLeaderOnce(t *testing.T) {
	ctx := context.Background()
	s := buildDAG(t, dagSpec{rounds: 9})
	d := newDAGRider(s)
	o := NewOrderer(d, s, hclog.NewNullLogger())
	assert.Equal(t, int64(-1), o.LastCommitted())

	sections, err := o.Commit(ctx, 9)
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, int64(1), sections[0].LeaderRound)
	assert.Len(t, sections[0].Vertices, 5)
	assert.Equal(t, int64(5), sections[1].LeaderRound)
	assert.Len(t, sections[1].Vertices, 16)
	assert.Equal(t, coinLeader(t, d, 5), sections[1].Leader.Proposer)
	assert.Equal(t, int64(5), o.LastCommitted())

	sections, err = o.Commit(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, sections)
}

func TestOrdererCommitsReachableEarlierLeader(t *testing.T) {
	ctx := context.Background()
	l1 := coinLeader(t, newDAGRider(store.NewMemory()), 1)
	// a single thread of vertices carries the round-1 leader up to round 4,
	// which is too little support to confirm it directly
	chain := map[int64]string{1: l1, 2: "node0", 3: "node0", 4: "node0"}
	s := buildDAG(t, dagSpec{rounds: 8, parents: func(r int64, p string) []string {
		if r < 2 || r > 4 || p == chain[r] {
			return scribes
		}
		return without(scribes, chain[r-1])
	}})
	d := newDAGRider(s)
	o := NewOrderer(d, s, nil)

	leader, err := d.FindLeaderInRound(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, leader)

	sections, err := o.Commit(ctx, 4)
	require.NoError(t, err)
	assert.Empty(t, sections)
	assert.Equal(t, int64(-1), o.LastCommitted())

	sections, err = o.Commit(ctx, 8)
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, int64(1), sections[0].LeaderRound)
	assert.Equal(t, l1, sections[0].Leader.Proposer)
	assert.Len(t, sections[0].Vertices, 5)
	assert.Equal(t, int64(5), sections[1].LeaderRound)
	assert.Len(t, sections[1].Vertices, 16)
}

func TestOrdererWithBullshark(t *testing.T) {
	ctx := context.Background()
	s := buildDAG(t, dagSpec{rounds: 4})
	o := NewOrderer(newBullshark(s), s, nil)

	sections, err := o.Commit(ctx, 4)
	require.NoError(t, err)
	require.NotEmpty(t, sections)
	last := sections[len(sections)-1]
	assert.Equal(t, int64(3), last.LeaderRound)
	assert.Equal(t, "node0", last.Leader.Proposer)
	assert.Equal(t, int64(3), o.LastCommitted())

	seen := make(map[string]bool)
	for _, sec := range sections {
		for _, v := range sec.Vertices {
			k := vertexKey(v.Round, v.Proposer)
			assert.False(t, seen[k], "%s ordered twice", k)
			seen[k] = true
		}
	}
}

func TestOrdererReportsMissingHistory(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	for _, v := range (dagSpec{rounds: 4}).vertices() {
		if v.Round == 0 && v.Proposer == "node3" {
			continue
		}
		require.NoError(t, s.SaveVertex(ctx, v))
	}
	o := NewOrderer(newDAGRider(s), s, nil)

	_, err := o.Commit(ctx, 4)
	require.Error(t, err)
	var missing *MissingVertexError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, int64(0), missing.Round)
	assert.Equal(t, "node3", missing.Proposer)
	assert.ErrorIs(t, err, ErrMissingVertex)
	assert.Equal(t, int64(-1), o.LastCommitted())
}

func TestOrdererResumesFromCommitLog(t *testing.T) {
	ctx := context.Background()
	s := buildDAG(t, dagSpec{rounds: 9})
	d := newDAGRider(s)

	first := NewOrderer(d, s, nil)
	sections, err := first.Commit(ctx, 4)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	delivered := make(map[string]bool)
	for _, v := range sections[0].Vertices {
		delivered[vertexKey(v.Round, v.Proposer)] = true
	}

	restarted := NewOrderer(d, s, nil)
	require.NoError(t, restarted.Load(ctx))
	assert.Equal(t, int64(1), restarted.LastCommitted())
	sections, err = restarted.Commit(ctx, 9)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, int64(5), sections[0].LeaderRound)
	assert.Len(t, sections[0].Vertices, 16)
	for _, v := range sections[0].Vertices {
		assert.False(t, delivered[vertexKey(v.Round, v.Proposer)], "%d/%s delivered twice", v.Round, v.Proposer)
	}
}

func orderedKeys(sections []Section) []string {
	var out []string
	for _, s := range sections {
		out = append(out, "leader "+vertexKey(s.Leader.Round, s.Leader.Proposer))
		for _, v := range s.Vertices {
			out = append(out, vertexKey(v.Round, v.Proposer))
		}
	}
	return out
}

// A scribe that first sees round 4 without node3's vertex must end up with
// the order of a scribe that saw all of it at once.
func TestBullsharkOrderersAgreeAcrossViews(t *testing.T) {
	for name, parents := range map[string]func(int64, string) []string{
		"steady leader short of votes": func(r int64, p string) []string {
			switch {
			case r == 2 && p != "node0",
				r == 3 && p == "node0",
				r == 4 && (p == "node1" || p == "node2"):
				return without(scribes, "node0")
			}
			return scribes
		},
		"steady leader committed on the full view": func(r int64, p string) []string {
			if r == 4 && p == "node2" {
				return without(scribes, "node0")
			}
			return scribes
		},
	} {
		parents := parents
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			late := func(round int64, proposer string) bool {
				return round > 4 || (round == 4 && proposer == "node3")
			}
			partial, full := store.NewMemory(), store.NewMemory()
			for _, v := range (dagSpec{rounds: 8, parents: parents}).vertices() {
				require.NoError(t, full.SaveVertex(ctx, v))
				if !late(v.Round, v.Proposer) {
					require.NoError(t, partial.SaveVertex(ctx, v))
				}
			}
			a := NewOrderer(newBullshark(partial), partial, nil)
			b := NewOrderer(newBullshark(full), full, nil)

			early, err := a.Commit(ctx, 4)
			require.NoError(t, err)
			want, err := b.Commit(ctx, 8)
			require.NoError(t, err)
			require.NotEmpty(t, want)

			for _, v := range (dagSpec{rounds: 8, parents: parents}).vertices() {
				if late(v.Round, v.Proposer) {
					require.NoError(t, partial.SaveVertex(ctx, v))
				}
			}
			rest, err := a.Commit(ctx, 8)
			require.NoError(t, err)
			assert.Equal(t, orderedKeys(want), orderedKeys(append(early, rest...)))
			assert.Equal(t, b.LastCommitted(), a.LastCommitted())
		})
	}
}
