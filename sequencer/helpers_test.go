package sequencer

import (
	"context"
	"testing"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/store"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

var scribes = []string{"node0", "node1", "node2", "node3"}

// dagSpec describes a synthetic DAG: which vertices exist and which parents
// they reference. By default every scribe proposes in every round and links
// to every vertex of the previous round.
type dagSpec struct {
	rounds  int64
	missing func(round int64, proposer string) bool
	parents func(round int64, proposer string) []string
}

func buildDAG(t *testing.T, spec dagSpec) *store.DatastoreStore {
	t.Helper()
	s := store.NewMemory()
	for _, v := range spec.vertices() {
		require.NoError(t, s.SaveVertex(context.Background(), v))
	}
	return s
}

func (spec dagSpec) vertices() []*dag.Vertex {
	var out []*dag.Vertex
	for r := int64(0); r <= spec.rounds; r++ {
		for _, p := range scribes {
			if spec.missing != nil && spec.missing(r, p) {
				continue
			}
			v := &dag.Vertex{
				Round:    r,
				Proposer: p,
				Events:   [][]byte{[]byte(vertexKey(r, p))},
				Parents:  make(map[string]*dag.Certificate),
			}
			if r > 0 {
				parents := scribes
				if spec.parents != nil {
					parents = spec.parents(r, p)
				}
				for _, q := range parents {
					if spec.missing != nil && spec.missing(r-1, q) {
						continue
					}
					v.Parents[q] = &dag.Certificate{Round: r - 1, Proposer: q, Digest: []byte(vertexKey(r-1, q))}
				}
			}
			v.Certificate = &dag.Certificate{Round: r, Proposer: p, Digest: []byte(vertexKey(r, p)), Signers: scribes[:3]}
			out = append(out, v)
		}
	}
	return out
}

func without(names []string, drop string) []string {
	var out []string
	for _, n := range names {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}

func newDAGRider(reader Reader) *DAGRider {
	return NewDAGRider(NewStaticAuthority(StaticValidators(scribes)), reader, []byte("seed"), hclog.NewNullLogger())
}

func newBullshark(reader Reader) *Bullshark {
	return NewBullshark(NewStaticAuthority(StaticValidators(scribes)), reader, []byte("seed"), hclog.NewNullLogger())
}

func coinLeader(t *testing.T, d *DAGRider, round int64) string {
	t.Helper()
	name, err := d.electCoin(context.Background(), round)
	require.NoError(t, err)
	return name
}
