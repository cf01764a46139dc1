package network

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/sign"
	"github.com/gitzhang10/scribe/store"
)

var names = []string{"node0", "node1", "node2", "node3"}

func testKeyrings(t *testing.T) map[string]*sign.Keyring {
	t.Helper()
	shares, pub := sign.GenTSKeys(dag.QuorumThreshold(len(names)), len(names))
	privs := make(map[string]ed25519.PrivateKey)
	pubs := make(map[string]ed25519.PublicKey)
	for _, n := range names {
		privs[n], pubs[n] = sign.GenED25519Keys()
	}
	rings := make(map[string]*sign.Keyring)
	for i, n := range names {
		rings[n] = sign.NewKeyring(n, privs[n], pubs, pub, shares[i])
	}
	return rings
}

type received struct {
	kind Kind
	from string
	msg  interface{}
}

// recorder is a Handler that remembers everything and serves fetches from a
// fixed set of vertices.
type recorder struct {
	lock     sync.Mutex
	msgs     []received
	notify   chan received
	vertices map[string]*dag.Vertex
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan received, 64), vertices: make(map[string]*dag.Vertex)}
}

func (r *recorder) record(kind Kind, from string, msg interface{}) error {
	m := received{kind: kind, from: from, msg: msg}
	r.lock.Lock()
	r.msgs = append(r.msgs, m)
	r.lock.Unlock()
	r.notify <- m
	return nil
}

func (r *recorder) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.msgs)
}

func (r *recorder) HandleDraft(ctx context.Context, from string, v *dag.Vertex) error {
	return r.record(Draft, from, v)
}

func (r *recorder) HandleAck(ctx context.Context, from string, a *dag.Ack) error {
	return r.record(Ack, from, a)
}

func (r *recorder) HandleLateAck(ctx context.Context, from string, a *dag.LateAck) error {
	return r.record(LateAck, from, a)
}

func (r *recorder) HandleCertified(ctx context.Context, from string, v *dag.Vertex) error {
	return r.record(Certified, from, v)
}

func (r *recorder) ServeFetch(ctx context.Context, round int64, proposer string) (*dag.Vertex, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	v, ok := r.vertices[proposer]
	if !ok || v.Round != round {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func testVertex(round int64, proposer string) *dag.Vertex {
	return &dag.Vertex{
		Round:    round,
		Proposer: proposer,
		Parents: map[string]*dag.Certificate{
			"node0": {Round: round - 1, Proposer: "node0", Digest: []byte("d0"), Signature: []byte("s0")},
		},
		Events:      [][]byte{[]byte("tx")},
		Certificate: &dag.Certificate{Round: round, Proposer: proposer, Digest: []byte("d"), Signers: names[:3]},
	}
}
