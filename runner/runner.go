/*
Package runner drives one scribe through the rounds of the DAG: it catches up
on rounds the others already decided, proposes a vertex per round, collects
acks into a threshold certificate and advances once the round holds a quorum
of certified vertices. Inbound messages are handled concurrently by the
Handle* methods.
*/
package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/metrics"
	"github.com/gitzhang10/scribe/sequencer"
	"github.com/gitzhang10/scribe/sign"
	"github.com/gitzhang10/scribe/store"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
)

// maxCommitFetches bounds the vertices fetched to complete the history of a
// leader after one round advance. The rest is fetched after the next one.
const maxCommitFetches = 256

// Runner is the consensus engine of one scribe.
type Runner struct {
	name     string
	keys     *sign.Keyring
	strategy sequencer.Strategy
	store    store.Store
	port     CommunicationPort
	events   EventSource
	orderer  *sequencer.Orderer
	opts     Options
	logger   hclog.Logger
	metrics  *metrics.Metrics

	current int64 // round pointer, written by the round-drive loop only
	state   int32
	jump    int64 // highest later round observed

	bootLock sync.Mutex
	genesis  map[string][]byte // scribe -> genesis digest, fixed after Bootstrap

	// pendingLock guards the own vertex of the current round, which the loop
	// and every ack handler read-modify-write.
	pendingLock   sync.Mutex
	pending       *dag.Vertex
	pendingDigest []byte

	// vertexLock serializes the check-then-save of peer vertices, drafts and
	// certified alike.
	vertexLock sync.Mutex

	changeLock sync.Mutex
	changed    chan struct{}

	certs *lru.Cache // verified certificate keys
}

// New creates a runner for the scribe owning keys.
func New(keys *sign.Keyring, strategy sequencer.Strategy, st store.Store, port CommunicationPort,
	events EventSource, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "scribe-runner",
			Output: hclog.DefaultOutput,
			Level:  hclog.Info,
		})
	}
	if opts.CertCacheSize <= 0 {
		opts.CertCacheSize = DefaultOptions().CertCacheSize
	}
	certs, err := lru.New(opts.CertCacheSize)
	if err != nil {
		panic(err)
	}
	r := &Runner{
		name:     keys.Name(),
		keys:     keys,
		strategy: strategy,
		store:    st,
		port:     port,
		events:   events,
		opts:     opts,
		logger:   logger.With("scribe", keys.Name()),
		metrics:  opts.Metrics,
		changed:  make(chan struct{}),
		certs:    certs,
	}
	if ls, ok := strategy.(sequencer.LeaderStrategy); ok {
		r.orderer = sequencer.NewOrderer(ls, st, r.logger)
	}
	return r
}

// Name returns the scribe identity of the runner.
func (r *Runner) Name() string { return r.name }

// Round returns the current round pointer, 0 before Bootstrap.
func (r *Runner) Round() int64 { return atomic.LoadInt64(&r.current) }

// State returns the phase the round-drive loop is in.
func (r *Runner) State() State { return State(atomic.LoadInt32(&r.state)) }

func (r *Runner) setState(s State) { atomic.StoreInt32(&r.state, int32(s)) }

func (r *Runner) ready() bool { return r.Round() > 0 }

// Bootstrap persists the genesis vertices and loads the round pointer. It is
// idempotent and called by Run and Step.
func (r *Runner) Bootstrap(ctx context.Context) error {
	r.bootLock.Lock()
	defer r.bootLock.Unlock()
	if r.ready() {
		return nil
	}
	scribes, err := r.strategy.ScribesAtRound(ctx, 0)
	if err != nil {
		return err
	}
	if len(scribes) == 0 {
		return errors.New("no genesis scribes")
	}
	genesis := make(map[string][]byte, len(scribes))
	for _, g := range dag.Genesis(scribes) {
		genesis[g.Proposer] = g.Certificate.Digest
		_, err := r.store.Vertex(ctx, 0, g.Proposer)
		if err == store.ErrNotFound {
			err = r.store.SaveVertex(ctx, g)
		}
		if err != nil {
			return err
		}
	}
	r.genesis = genesis
	if r.orderer != nil {
		if err := r.orderer.Load(ctx); err != nil {
			return err
		}
	}

	round, err := r.store.UpdateRound(ctx, r.name, func(current int64) int64 {
		if current < 1 {
			return 1
		}
		return current
	})
	if err != nil {
		return err
	}
	own, err := r.store.Vertex(ctx, round, r.name)
	switch {
	case err == nil:
		r.setPending(own)
	case err != store.ErrNotFound:
		return err
	}
	atomic.StoreInt64(&r.current, round)
	r.metrics.SetRound(round)
	r.logger.Info("scribe is bootstrapped", "round", round, "strategy", r.strategy.Name())
	return nil
}

// Run drives rounds until ctx is done or a round attempt fails. It returns a
// *CancellationError when stopped through ctx and a *LivenessError when the
// quorum needed to start a round is unobtainable.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.Bootstrap(ctx); err != nil {
		return err
	}
	defer r.setState(Idle)
	for {
		if err := r.Step(ctx); err != nil {
			return err
		}
	}
}

// Step runs one iteration of the round-drive loop: it ends after advancing
// the round pointer at least once, or with an error.
func (r *Runner) Step(ctx context.Context) error {
	if err := r.Bootstrap(ctx); err != nil {
		return err
	}
	err := r.step(ctx)
	if err != nil && ctx.Err() != nil {
		var ce *CancellationError
		if !errors.As(err, &ce) {
			err = &CancellationError{Round: r.Round(), Err: ctx.Err()}
		}
	}
	var le *LivenessError
	if errors.As(err, &le) {
		r.metrics.Liveness()
		r.logger.Error("cannot start the round", "round", le.Round, "have", le.Have, "need", le.Need)
	}
	return err
}

func (r *Runner) step(ctx context.Context) error {
	r.setState(CatchingUp)
	if err := r.catchUp(ctx); err != nil {
		return err
	}
	round := r.Round()
	if err := r.ensureQuorum(ctx, round-1, round); err != nil {
		return err
	}

	decided, err := r.hasQuorum(ctx, round)
	if err != nil {
		return err
	}
	if decided {
		r.setState(Advancing)
		r.logger.Debug("round already decided", "round", round)
		return r.advance(ctx, round+1, true)
	}

	r.setState(Proposing)
	if err := r.propose(ctx, round); err != nil {
		return err
	}
	r.replayDrafts(ctx, round)

	r.setState(AwaitingQuorum)
	err = r.awaitQuorum(ctx, round)
	var jump *jumpError
	if errors.As(err, &jump) {
		r.setState(CatchingUp)
		return r.fastForward(ctx, round, jump.target)
	}
	if err != nil {
		return err
	}
	r.setState(Advancing)
	return r.advance(ctx, round+1, false)
}

// propose builds, signs, persists and broadcasts the own vertex of round. A
// vertex already persisted for round is broadcast again instead.
func (r *Runner) propose(ctx context.Context, round int64) error {
	v, err := r.store.Vertex(ctx, round, r.name)
	switch {
	case err == nil:
		r.logger.Debug("resume the persisted vertex", "round", round, "certified", v.IsCertified())
	case err == store.ErrNotFound:
		if v, err = r.newVertex(ctx, round); err != nil {
			return err
		}
	default:
		return err
	}
	r.setPending(v)
	if v.IsCertified() {
		r.broadcastCertified(ctx, v)
		return nil
	}
	r.broadcastDraft(ctx, v)
	return nil
}

func (r *Runner) newVertex(ctx context.Context, round int64) (*dag.Vertex, error) {
	parents, err := r.store.CertifiedVertices(ctx, round-1)
	if err != nil {
		return nil, err
	}
	events, err := r.gatherEvents(ctx)
	if err != nil {
		return nil, err
	}
	v := &dag.Vertex{
		Round:    round,
		Proposer: r.name,
		Parents:  dag.Certificates(parents),
		Events:   events,
	}
	if err := r.keys.SignVertex(v); err != nil {
		return nil, err
	}
	ack, err := r.keys.SignAck(v)
	if err != nil {
		return nil, err
	}
	v.Acks = map[string][]byte{r.name: ack.PartialSig}
	if err := r.store.SaveVertex(ctx, v); err != nil {
		return nil, err
	}
	r.logger.Debug("propose a vertex", "round", round, "parents", len(v.Parents), "events", len(events))
	return v, nil
}

func (r *Runner) setPending(v *dag.Vertex) {
	digest, err := v.Digest()
	if err != nil {
		panic(err)
	}
	v = v.Copy()
	if v.Acks == nil && !v.IsCertified() {
		v.Acks = make(map[string][]byte)
	}
	r.pendingLock.Lock()
	r.pending = v
	r.pendingDigest = digest
	r.pendingLock.Unlock()
}

func (r *Runner) broadcastDraft(ctx context.Context, v *dag.Vertex) {
	draft := v.Copy()
	draft.Acks = nil
	if err := r.port.BroadcastDraft(ctx, draft); err != nil {
		r.logger.Warn("failed to broadcast the draft", "round", v.Round, "error", err)
	}
}

func (r *Runner) broadcastCertified(ctx context.Context, v *dag.Vertex) {
	if err := r.port.BroadcastCertified(ctx, v); err != nil {
		r.logger.Warn("failed to broadcast the certified vertex", "round", v.Round, "error", err)
	}
}

func (r *Runner) hasQuorum(ctx context.Context, round int64) (bool, error) {
	have, need, err := r.roundQuorum(ctx, round)
	if err != nil {
		return false, err
	}
	return have >= need, nil
}

func (r *Runner) roundQuorum(ctx context.Context, round int64) (int, int, error) {
	need, err := r.strategy.ConsensusThreshold(ctx, round)
	if err != nil {
		return 0, 0, err
	}
	vs, err := r.store.CertifiedVertices(ctx, round)
	if err != nil {
		return 0, 0, err
	}
	return len(vs), need, nil
}

// advance moves the round pointer to next, never backwards. skipped marks
// rounds passed without the own vertex being certified.
func (r *Runner) advance(ctx context.Context, next int64, skipped bool) error {
	round, err := r.store.UpdateRound(ctx, r.name, func(current int64) int64 {
		if next > current {
			return next
		}
		return current
	})
	if err != nil {
		return err
	}
	prev := atomic.SwapInt64(&r.current, round)
	for i := prev; i < round; i++ {
		if skipped {
			r.metrics.Skipped()
		} else {
			r.metrics.Advanced()
		}
	}
	r.metrics.SetRound(round)
	r.logger.Info("advance to the next round", "from", prev, "round", round, "skipped", skipped)
	r.signal()
	r.commit(ctx, round-1)
	return nil
}

// commit hands the sections that became final up to round to Deliver,
// fetching the certified vertices their histories miss.
func (r *Runner) commit(ctx context.Context, round int64) {
	if r.orderer == nil {
		return
	}
	for i := 0; i < maxCommitFetches; i++ {
		sections, err := r.orderer.Commit(ctx, round)
		r.deliver(sections)
		var missing *sequencer.MissingVertexError
		if errors.As(err, &missing) {
			scribes, serr := r.strategy.ScribesAtRound(ctx, missing.Round)
			if serr != nil || r.fetchVertex(ctx, missing.Round, missing.Proposer, scribes) == nil {
				r.logger.Debug("ordering waits for a vertex", "round", missing.Round, "proposer", missing.Proposer)
				return
			}
			continue
		}
		if err != nil {
			r.logger.Warn("failed to order the DAG", "round", round, "error", err)
		}
		return
	}
}

func (r *Runner) deliver(sections []sequencer.Section) {
	if len(sections) == 0 {
		return
	}
	for _, s := range sections {
		r.logger.Info("commit a section", "leader-round", s.LeaderRound, "leader", s.Leader.Proposer,
			"vertices", len(s.Vertices))
	}
	r.metrics.Sections(len(sections))
	if r.opts.Deliver != nil {
		r.opts.Deliver(sections)
	}
}
