package network

import (
	"context"
	"testing"
	"time"

	"github.com/gitzhang10/scribe/dag"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTCPPair(t *testing.T) (*TCP, *TCP, *recorder, *recorder) {
	t.Helper()
	rings := testKeyrings(t)
	peers := make(map[string]string)
	newPort := func(name string) *TCP {
		p, err := NewTCP(TCPConfig{
			Bind:         "127.0.0.1:0",
			Peers:        peers,
			Keys:         rings[name],
			MaxPool:      2,
			DialTimeout:  time.Second,
			FetchTimeout: 2 * time.Second,
			Logger:       hclog.NewNullLogger(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { p.Close() })
		return p
	}
	a, b := newPort("node0"), newPort("node1")
	peers["node0"] = a.LocalAddr()
	peers["node1"] = b.LocalAddr()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ra, rb := newRecorder(), newRecorder()
	go a.Serve(ctx, ra)
	go b.Serve(ctx, rb)
	return a, b, ra, rb
}

func TestTCPMessages(t *testing.T) {
	a, _, _, rb := newTCPPair(t)
	ctx := context.Background()
	require.NoError(t, a.Connect())

	v := testVertex(3, "node0")
	require.NoError(t, a.BroadcastDraft(ctx, v))
	m := waitFor(t, rb)
	assert.Equal(t, Draft, m.kind)
	assert.Equal(t, "node0", m.from)
	got := m.msg.(*dag.Vertex)
	assert.Equal(t, v.Round, got.Round)
	assert.Equal(t, v.ParentNames(), got.ParentNames())
	d1, _ := v.Digest()
	d2, err := got.Digest()
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	require.NoError(t, a.SendAck(ctx, "node1", &dag.Ack{Round: 3, Proposer: "node1", Acker: "node0", Digest: d1}))
	m = waitFor(t, rb)
	assert.Equal(t, Ack, m.kind)
	assert.Equal(t, d1, m.msg.(*dag.Ack).Digest)

	require.NoError(t, a.BroadcastCertified(ctx, v))
	m = waitFor(t, rb)
	assert.Equal(t, Certified, m.kind)
	assert.True(t, m.msg.(*dag.Vertex).IsCertified())

	assert.ErrorIs(t, a.SendAck(ctx, "node9", &dag.Ack{}), ErrUnknownPeer)
}

func TestTCPFetch(t *testing.T) {
	a, _, _, rb := newTCPPair(t)
	rb.vertices["node2"] = testVertex(6, "node2")
	ctx := context.Background()

	v, err := a.FetchRoundVertex(ctx, "node1", 6, "node2")
	require.NoError(t, err)
	assert.Equal(t, "node2", v.Proposer)
	assert.True(t, v.IsCertified())

	_, err = a.FetchRoundVertex(ctx, "node1", 7, "node2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTCPRejectsForgedEnvelope(t *testing.T) {
	a, b, _, rb := newTCPPair(t)
	env, _, err := a.seal(Draft, 0, testVertex(1, "node0"))
	require.NoError(t, err)
	// signed by node0 but claiming to come from node1
	env.Sender = "node1"
	require.NoError(t, a.trans.Send(b.LocalAddr(), uint8(Draft), env, a.keys.SignEnvelope(envelopeDigest(Draft, env))))

	require.NoError(t, a.SendLateAck(context.Background(), "node1", &dag.LateAck{Acker: "node0"}))
	m := waitFor(t, rb)
	assert.Equal(t, LateAck, m.kind, "forged draft never reaches the handler")
}
