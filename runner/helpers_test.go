package runner

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/sequencer"
	"github.com/gitzhang10/scribe/sign"
	"github.com/gitzhang10/scribe/store"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

var names = []string{"node0", "node1", "node2", "node3"}

// cluster holds the keys of four scribes and builds certified vertices the
// way a live quorum would.
type cluster struct {
	rings map[string]*sign.Keyring
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	shares, pub := sign.GenTSKeys(dag.QuorumThreshold(len(names)), len(names))
	privs := make(map[string]ed25519.PrivateKey)
	pubs := make(map[string]ed25519.PublicKey)
	for _, n := range names {
		privs[n], pubs[n] = sign.GenED25519Keys()
	}
	c := &cluster{rings: make(map[string]*sign.Keyring)}
	for i, n := range names {
		c.rings[n] = sign.NewKeyring(n, privs[n], pubs, pub, shares[i])
	}
	return c
}

// draft returns a signed draft of proposer at round referencing parents.
func (c *cluster) draft(t *testing.T, round int64, proposer string, parents []*dag.Vertex) *dag.Vertex {
	t.Helper()
	v := &dag.Vertex{
		Round:    round,
		Proposer: proposer,
		Parents:  dag.Certificates(parents),
		Events:   [][]byte{[]byte(fmt.Sprintf("%s@%d", proposer, round))},
	}
	require.NoError(t, c.rings[proposer].SignVertex(v))
	return v
}

// certify attaches a certificate made of the acks of node0..node2.
func (c *cluster) certify(t *testing.T, v *dag.Vertex) *dag.Vertex {
	t.Helper()
	v.Acks = make(map[string][]byte)
	for _, n := range names[:3] {
		ack, err := c.rings[n].SignAck(v)
		require.NoError(t, err)
		v.Acks[n] = ack.PartialSig
	}
	cert, err := c.rings[v.Proposer].AssembleCertificate(v)
	require.NoError(t, err)
	v.Acks = nil
	v.Certificate = cert
	return v
}

func (c *cluster) certified(t *testing.T, round int64, proposer string, parents []*dag.Vertex) *dag.Vertex {
	t.Helper()
	return c.certify(t, c.draft(t, round, proposer, parents))
}

// rounds returns fully connected certified rounds 0..upTo, indexed by round.
func (c *cluster) rounds(t *testing.T, upTo int64) [][]*dag.Vertex {
	t.Helper()
	out := [][]*dag.Vertex{dag.Genesis(names)}
	for r := int64(1); r <= upTo; r++ {
		var round []*dag.Vertex
		for _, p := range names {
			round = append(round, c.certified(t, r, p, out[r-1]))
		}
		out = append(out, round)
	}
	return out
}

func saveRounds(t *testing.T, st store.Store, rounds [][]*dag.Vertex, from, to int64) {
	t.Helper()
	for r := from; r <= to; r++ {
		for _, v := range rounds[r] {
			require.NoError(t, st.SaveVertex(context.Background(), v))
		}
	}
}

// fakePort records outbound messages and serves fetches from remote.
type fakePort struct {
	lock      sync.Mutex
	drafts    []*dag.Vertex
	certified []*dag.Vertex
	acks      []*dag.Ack
	late      []*dag.LateAck
	fetches   int

	remote store.Store // nil: every fetch fails
}

var errOffline = errors.New("peer offline")

func (p *fakePort) BroadcastDraft(ctx context.Context, v *dag.Vertex) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.drafts = append(p.drafts, v.Copy())
	return nil
}

func (p *fakePort) SendAck(ctx context.Context, to string, ack *dag.Ack) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.acks = append(p.acks, ack)
	return nil
}

func (p *fakePort) SendLateAck(ctx context.Context, to string, ack *dag.LateAck) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.late = append(p.late, ack)
	return nil
}

func (p *fakePort) BroadcastCertified(ctx context.Context, v *dag.Vertex) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.certified = append(p.certified, v.Copy())
	return nil
}

func (p *fakePort) FetchRoundVertex(ctx context.Context, to string, round int64, proposer string) (*dag.Vertex, error) {
	p.lock.Lock()
	p.fetches++
	remote := p.remote
	p.lock.Unlock()
	if remote == nil {
		return nil, errOffline
	}
	v, err := remote.Vertex(ctx, round, proposer)
	if err != nil {
		return nil, err
	}
	if !v.IsCertified() {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (p *fakePort) sent() (drafts, certified []*dag.Vertex, acks []*dag.Ack, late []*dag.LateAck) {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]*dag.Vertex(nil), p.drafts...), append([]*dag.Vertex(nil), p.certified...),
		append([]*dag.Ack(nil), p.acks...), append([]*dag.LateAck(nil), p.late...)
}

// testOptions makes every wait notification-driven.
func testOptions() Options {
	return Options{CertCacheSize: 64, Logger: hclog.NewNullLogger()}
}

func newTestRunner(t *testing.T, c *cluster, name, strategy string, port CommunicationPort, opts Options) (*Runner, *store.DatastoreStore) {
	t.Helper()
	st := store.NewMemory()
	s, err := sequencer.New(strategy, sequencer.StaticValidators(names), st, []byte("seed"), nil)
	require.NoError(t, err)
	return New(c.rings[name], s, st, port, nil, opts), st
}

// presetRound persists a round pointer before the runner bootstraps.
func presetRound(t *testing.T, st store.Store, name string, round int64) {
	t.Helper()
	_, err := st.UpdateRound(context.Background(), name, func(int64) int64 { return round })
	require.NoError(t, err)
}

func reasonOf(t *testing.T, err error) string {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected a validation error, got %v", err)
	return ve.Reason
}

// hookStore runs a hook before every vertex write.
type hookStore struct {
	*store.DatastoreStore
	lock sync.Mutex
	hook func(v *dag.Vertex) error
}

func (s *hookStore) setHook(hook func(v *dag.Vertex) error) {
	s.lock.Lock()
	s.hook = hook
	s.lock.Unlock()
}

func (s *hookStore) SaveVertex(ctx context.Context, v *dag.Vertex) error {
	s.lock.Lock()
	hook := s.hook
	s.lock.Unlock()
	if hook != nil {
		if err := hook(v); err != nil {
			return err
		}
	}
	return s.DatastoreStore.SaveVertex(ctx, v)
}

func newHookedRunner(t *testing.T, c *cluster, name string, port CommunicationPort) (*Runner, *hookStore) {
	t.Helper()
	st := &hookStore{DatastoreStore: store.NewMemory()}
	s, err := sequencer.New(sequencer.NameStatic, sequencer.StaticValidators(names), st, nil, nil)
	require.NoError(t, err)
	return New(c.rings[name], s, st, port, nil, testOptions()), st
}
