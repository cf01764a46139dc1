package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/metrics"
	"github.com/gitzhang10/scribe/network"
	"github.com/gitzhang10/scribe/sequencer"
	"github.com/gitzhang10/scribe/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBootstrap(t *testing.T) {
	c := newCluster(t)
	r, st := newTestRunner(t, c, "node0", sequencer.NameStatic, &fakePort{}, testOptions())
	ctx := context.Background()
	assert.Equal(t, int64(0), r.Round())

	require.NoError(t, r.Bootstrap(ctx))
	require.NoError(t, r.Bootstrap(ctx))
	assert.Equal(t, int64(1), r.Round())
	genesis, err := st.CertifiedVertices(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, genesis, 4)
	persisted, err := st.Round(ctx, "node0")
	require.NoError(t, err)
	assert.Equal(t, int64(1), persisted)
}

func TestBootstrapResumesPersistedState(t *testing.T) {
	c := newCluster(t)
	port := &fakePort{}
	r, st := newTestRunner(t, c, "node0", sequencer.NameStatic, port, testOptions())
	ctx := context.Background()
	require.NoError(t, r.Bootstrap(ctx))
	require.NoError(t, r.propose(ctx, 1))

	// a restarted runner over the same store continues with the same vertex
	s, err := sequencer.New(sequencer.NameStatic, sequencer.StaticValidators(names), st, nil, nil)
	require.NoError(t, err)
	restarted := New(c.rings["node0"], s, st, port, nil, testOptions())
	require.NoError(t, restarted.Bootstrap(ctx))
	assert.Equal(t, int64(1), restarted.Round())
	require.NoError(t, restarted.propose(ctx, 1))

	drafts, _, _, _ := port.sent()
	require.Len(t, drafts, 2)
	d1, _ := drafts[0].Digest()
	d2, _ := drafts[1].Digest()
	assert.Equal(t, d1, d2)
}

func TestRoundPointerNeverMovesBackwards(t *testing.T) {
	c := newCluster(t)
	r, st := newTestRunner(t, c, "node0", sequencer.NameStatic, &fakePort{}, testOptions())
	ctx := context.Background()
	presetRound(t, st, "node0", 5)
	require.NoError(t, r.Bootstrap(ctx))
	assert.Equal(t, int64(5), r.Round())

	require.NoError(t, r.advance(ctx, 3, false))
	assert.Equal(t, int64(5), r.Round())
	persisted, err := st.Round(ctx, "node0")
	require.NoError(t, err)
	assert.Equal(t, int64(5), persisted)

	require.NoError(t, r.advance(ctx, 6, false))
	assert.Equal(t, int64(6), r.Round())
}

func TestRunWithoutQuorumWaitsUntilCancelled(t *testing.T) {
	c := newCluster(t)
	hub := network.NewHub(nil)
	defer hub.Close()
	// drafts of node0 never reach node2 and node3
	hub.AddFilter(func(kind network.Kind, from, to string) bool {
		return kind == network.Draft && from == "node0" && (to == "node2" || to == "node3")
	})
	ctx := context.Background()

	var a *Runner
	var st *store.DatastoreStore
	for _, n := range names {
		r, s := newTestRunner(t, c, n, sequencer.NameStatic, hub.Port(n), testOptions())
		require.NoError(t, r.Bootstrap(ctx))
		hub.Attach(n, r)
		if n == "node0" {
			a, st = r, s
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Run(runCtx) }()

	require.Eventually(t, func() bool {
		v, err := st.Vertex(ctx, 1, "node0")
		return err == nil && len(v.Acks) == 2
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return a.State() == AwaitingQuorum }, 5*time.Second, 10*time.Millisecond)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
	var ce *CancellationError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, int64(1), ce.Round)
	assert.True(t, IsCancellation(err))
	assert.Equal(t, int64(1), a.Round())
	assert.Equal(t, Idle, a.State())

	v, err := st.Vertex(ctx, 1, "node0")
	require.NoError(t, err)
	assert.False(t, v.IsCertified())
}

func TestFastForwardNeedsPreviousQuorum(t *testing.T) {
	c := newCluster(t)
	m, err := metrics.New(prometheus.NewRegistry(), "node0")
	require.NoError(t, err)
	opts := testOptions()
	opts.Metrics = m
	port := &fakePort{}
	r, st := newTestRunner(t, c, "node0", sequencer.NameStatic, port, opts)
	ctx := context.Background()
	rounds := c.rounds(t, 5)
	saveRounds(t, st, rounds, 1, 1)
	presetRound(t, st, "node0", 2)
	require.NoError(t, r.Bootstrap(ctx))

	require.NoError(t, r.HandleCertified(ctx, "node1", rounds[5][1]))

	err = r.Run(ctx)
	var le *LivenessError
	require.True(t, errors.As(err, &le), "got %v", err)
	assert.Equal(t, int64(5), le.Round)
	assert.Equal(t, 0, le.Have)
	assert.Equal(t, 3, le.Need)
	assert.Equal(t, int64(2), r.Round())
	persisted, err := st.Round(ctx, "node0")
	require.NoError(t, err)
	assert.Equal(t, int64(2), persisted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LivenessErrors))

	port.lock.Lock()
	assert.NotZero(t, port.fetches)
	port.lock.Unlock()
}

func TestCatchUpSkipsDecidedRounds(t *testing.T) {
	c := newCluster(t)
	m, err := metrics.New(prometheus.NewRegistry(), "node0")
	require.NoError(t, err)
	opts := testOptions()
	opts.Metrics = m
	remote := store.NewMemory()
	port := &fakePort{remote: remote}
	r, _ := newTestRunner(t, c, "node0", sequencer.NameStatic, port, opts)
	ctx := context.Background()
	rounds := c.rounds(t, 5)
	saveRounds(t, remote, rounds, 0, 4)
	require.NoError(t, r.Bootstrap(ctx))

	for _, v := range rounds[5][1:] {
		require.NoError(t, r.HandleCertified(ctx, v.Proposer, v))
	}
	require.NoError(t, r.Step(ctx))
	assert.Equal(t, int64(6), r.Round())
	assert.Equal(t, 5.0, testutil.ToFloat64(m.RoundsSkipped))
	drafts, _, _, _ := port.sent()
	assert.Empty(t, drafts, "decided rounds are not proposed in")

	stepCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	assert.True(t, IsCancellation(r.Step(stepCtx)))
	drafts, _, _, _ = port.sent()
	require.Len(t, drafts, 1)
	assert.Equal(t, int64(6), drafts[0].Round)
	assert.Len(t, drafts[0].Parents, 3)
}

// runCluster runs four scribes over a hub until every one of them delivered
// at least want sections, and returns what each delivered.
func runCluster(t *testing.T, strategy string, want int) map[string][]sequencer.Section {
	c := newCluster(t)
	hub := network.NewHub(nil)
	defer hub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lock sync.Mutex
	delivered := make(map[string][]sequencer.Section)
	runners := make([]*Runner, 0, len(names))
	for _, n := range names {
		n := n
		opts := testOptions()
		opts.Deliver = func(s []sequencer.Section) {
			lock.Lock()
			delivered[n] = append(delivered[n], s...)
			lock.Unlock()
		}
		r, _ := newTestRunner(t, c, n, strategy, hub.Port(n), opts)
		require.NoError(t, r.Bootstrap(ctx))
		hub.Attach(n, r)
		runners = append(runners, r)
	}

	var wg sync.WaitGroup
	for _, r := range runners {
		r := r
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Run(ctx)
			assert.True(t, IsCancellation(err), "%s stopped with %v", r.Name(), err)
		}()
	}

	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		for _, n := range names {
			if len(delivered[n]) < want {
				return false
			}
		}
		return true
	}, 20*time.Second, 20*time.Millisecond)
	cancel()
	wg.Wait()

	lock.Lock()
	defer lock.Unlock()
	out := make(map[string][]sequencer.Section, len(delivered))
	for n, s := range delivered {
		out[n] = append([]sequencer.Section(nil), s...)
	}
	return out
}

func sectionKeys(s sequencer.Section) []string {
	keys := make([]string, 0, len(s.Vertices))
	for _, v := range s.Vertices {
		keys = append(keys, fmt.Sprintf("%d/%s", v.Round, v.Proposer))
	}
	return keys
}

func assertCommonPrefix(t *testing.T, delivered map[string][]sequencer.Section) {
	t.Helper()
	ref := delivered[names[0]]
	for _, n := range names[1:] {
		got := delivered[n]
		l := len(ref)
		if len(got) < l {
			l = len(got)
		}
		for i := 0; i < l; i++ {
			assert.Equal(t, ref[i].LeaderRound, got[i].LeaderRound, "%s section %d", n, i)
			assert.Equal(t, ref[i].Leader.Proposer, got[i].Leader.Proposer, "%s section %d", n, i)
			assert.Equal(t, sectionKeys(ref[i]), sectionKeys(got[i]), "%s section %d", n, i)
		}
	}
}

func TestClusterAgreesOnOrder(t *testing.T) {
	for _, strategy := range []string{sequencer.NameDAGRider, sequencer.NameBullshark} {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			delivered := runCluster(t, strategy, 2)
			assertCommonPrefix(t, delivered)

			seen := make(map[string]bool)
			for _, s := range delivered[names[0]] {
				assert.Equal(t, s.Leader.Proposer, s.Vertices[0].Proposer)
				assert.Equal(t, s.LeaderRound, s.Vertices[0].Round)
				for _, k := range sectionKeys(s) {
					assert.False(t, seen[k], "%s delivered twice", k)
					seen[k] = true
				}
			}
		})
	}
}

func TestClusterDeliversEvents(t *testing.T) {
	c := newCluster(t)
	hub := network.NewHub(nil)
	defer hub.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		lock sync.Mutex
		got  []string
	)
	var runners []*Runner
	for _, n := range names {
		opts := testOptions()
		if n == "node0" {
			opts.Deliver = func(sections []sequencer.Section) {
				lock.Lock()
				defer lock.Unlock()
				for _, s := range sections {
					for _, v := range s.Vertices {
						for _, ev := range v.Events {
							got = append(got, string(ev))
						}
					}
				}
			}
		}
		st := store.NewMemory()
		s, err := sequencer.New(sequencer.NameDAGRider, sequencer.StaticValidators(names), st, []byte("seed"), nil)
		require.NoError(t, err)
		events := &staticEvents{evs: [][]byte{[]byte("event-" + n)}}
		r := New(c.rings[n], s, st, hub.Port(n), events, opts)
		require.NoError(t, r.Bootstrap(ctx))
		hub.Attach(n, r)
		runners = append(runners, r)
	}
	for _, r := range runners {
		go r.Run(ctx)
	}

	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		return len(got) >= 2
	}, 20*time.Second, 20*time.Millisecond)
	cancel()

	lock.Lock()
	defer lock.Unlock()
	seen := make(map[string]bool)
	for _, ev := range got {
		assert.Contains(t, []string{"event-node0", "event-node1", "event-node2", "event-node3"}, ev)
		assert.False(t, seen[ev], "%s delivered twice", ev)
		seen[ev] = true
	}
}

// staticEvents hands out its events once.
type staticEvents struct {
	lock sync.Mutex
	evs  [][]byte
}

func (s *staticEvents) DequeueAll(ctx context.Context) ([][]byte, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := s.evs
	s.evs = nil
	return out, nil
}

func TestStepRejectsMissingPreviousQuorum(t *testing.T) {
	c := newCluster(t)
	r, st := newTestRunner(t, c, "node0", sequencer.NameStatic, &fakePort{}, testOptions())
	ctx := context.Background()
	rounds := c.rounds(t, 3)
	saveRounds(t, st, rounds, 1, 2)
	// only two certified vertices of round 3 are known
	require.NoError(t, st.SaveVertex(ctx, rounds[3][0]))
	require.NoError(t, st.SaveVertex(ctx, rounds[3][1]))
	presetRound(t, st, "node0", 4)

	err := r.Step(ctx)
	var le *LivenessError
	require.True(t, errors.As(err, &le), "got %v", err)
	assert.Equal(t, &LivenessError{Round: 4, Have: 2, Need: 3}, le)
	assert.Equal(t, "insufficient certificates to start round 4: have 2, need 3", err.Error())
	assert.Equal(t, int64(4), r.Round())
}

func TestVerifyCertificateUsesCache(t *testing.T) {
	c := newCluster(t)
	r, _ := newTestRunner(t, c, "node0", sequencer.NameStatic, &fakePort{}, testOptions())
	ctx := context.Background()
	require.NoError(t, r.Bootstrap(ctx))
	v := c.certified(t, 1, "node1", dag.Genesis(names))

	require.NoError(t, r.verifyCertificate(ctx, v.Certificate))
	assert.True(t, r.certs.Contains(certKey(v.Certificate)))
	require.NoError(t, r.verifyCertificate(ctx, v.Certificate))

	bad := v.Certificate.Copy()
	bad.Signature = []byte("junk")
	assert.Error(t, r.verifyCertificate(ctx, bad))

	g := dag.Genesis(names)[2]
	assert.NoError(t, r.verifyCertificate(ctx, g.Certificate))
	fake := g.Certificate.Copy()
	fake.Digest = []byte("other")
	assert.Error(t, r.verifyCertificate(ctx, fake))
}

func TestRestartDoesNotRedeliver(t *testing.T) {
	c := newCluster(t)
	ctx := context.Background()
	var delivered []sequencer.Section
	opts := testOptions()
	opts.Deliver = func(s []sequencer.Section) { delivered = append(delivered, s...) }

	r, st := newTestRunner(t, c, "node0", sequencer.NameDAGRider, &fakePort{}, opts)
	saveRounds(t, st, c.rounds(t, 9), 0, 9)
	presetRound(t, st, "node0", 10)
	require.NoError(t, r.Bootstrap(ctx))
	r.commit(ctx, 9)
	require.Len(t, delivered, 2)
	assert.Equal(t, int64(5), delivered[1].LeaderRound)

	// a restarted runner over the same store resumes after the last section
	delivered = nil
	s, err := sequencer.New(sequencer.NameDAGRider, sequencer.StaticValidators(names), st, []byte("seed"), nil)
	require.NoError(t, err)
	restarted := New(c.rings["node0"], s, st, &fakePort{}, nil, opts)
	require.NoError(t, restarted.Bootstrap(ctx))
	assert.Equal(t, int64(5), restarted.orderer.LastCommitted())
	restarted.commit(ctx, 9)
	assert.Empty(t, delivered)
}
