package runner

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// changes returns a channel closed at the next signal.
func (r *Runner) changes() <-chan struct{} {
	r.changeLock.Lock()
	defer r.changeLock.Unlock()
	return r.changed
}

// signal wakes every waiter after a change of the ack set, the stored
// certified vertices, the round pointer or the jump target.
func (r *Runner) signal() {
	r.changeLock.Lock()
	close(r.changed)
	r.changed = make(chan struct{})
	r.changeLock.Unlock()
}

// observe records that a vertex of round was seen.
func (r *Runner) observe(round int64) {
	for {
		cur := atomic.LoadInt64(&r.jump)
		if round <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&r.jump, cur, round) {
			r.logger.Debug("observed a later round", "round", round)
			r.signal()
			return
		}
	}
}

func (r *Runner) jumpTarget() int64 { return atomic.LoadInt64(&r.jump) }

// sleep blocks until ch is closed, d elapsed or ctx is done. A zero d waits
// for ch only.
func sleep(ctx context.Context, ch <-chan struct{}, d time.Duration) error {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
	case <-timeout:
	}
	return nil
}

// gatherEvents drains the event source, polling it again while it is empty
// until MaxEventWait elapsed.
func (r *Runner) gatherEvents(ctx context.Context) ([][]byte, error) {
	if r.events == nil {
		return nil, nil
	}
	deadline := time.Now().Add(r.opts.MaxEventWait)
	var out [][]byte
	for {
		evs, err := r.events.DequeueAll(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, evs...)
		if len(out) > 0 || r.opts.EventPollInterval <= 0 || !time.Now().Before(deadline) {
			return out, nil
		}
		t := time.NewTimer(r.opts.EventPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// awaitQuorum waits until the own vertex of round is certified and the round
// holds a quorum of certified vertices. It returns a *jumpError as soon as a
// later round is observed.
func (r *Runner) awaitQuorum(ctx context.Context, round int64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.awaitOwnCertificate(gctx, round)
	})
	g.Go(func() error {
		return r.awaitRoundQuorum(gctx, round)
	})
	return g.Wait()
}

func (r *Runner) awaitOwnCertificate(ctx context.Context, round int64) error {
	rebroadcast := r.opts.RebroadcastInterval
	poll := r.opts.QuorumPollInterval
	if rebroadcast > 0 && (poll == 0 || rebroadcast < poll) {
		poll = rebroadcast
	}
	last := time.Now()
	for {
		ch := r.changes()
		done, err := r.tryCertify(ctx, round)
		if err != nil || done {
			return err
		}
		if target := r.jumpTarget(); target > round {
			return &jumpError{target: target}
		}
		if rebroadcast > 0 && time.Since(last) >= rebroadcast {
			r.rebroadcast(ctx, round)
			last = time.Now()
		}
		if err := sleep(ctx, ch, poll); err != nil {
			return err
		}
	}
}

func (r *Runner) awaitRoundQuorum(ctx context.Context, round int64) error {
	for {
		ch := r.changes()
		decided, err := r.hasQuorum(ctx, round)
		if err != nil || decided {
			return err
		}
		if target := r.jumpTarget(); target > round {
			return &jumpError{target: target}
		}
		if err := sleep(ctx, ch, r.opts.QuorumPollInterval); err != nil {
			return err
		}
	}
}

// tryCertify turns the own vertex of round into a certified one once it holds
// a quorum of acks, then persists and broadcasts it. The pending vertex only
// becomes certified once the certified record is stored.
func (r *Runner) tryCertify(ctx context.Context, round int64) (bool, error) {
	need, err := r.strategy.ConsensusThreshold(ctx, round)
	if err != nil {
		return false, err
	}
	r.pendingLock.Lock()
	p := r.pending
	if p == nil || p.Round != round {
		r.pendingLock.Unlock()
		return false, nil
	}
	if p.IsCertified() {
		r.pendingLock.Unlock()
		return true, nil
	}
	if len(p.Acks) < need {
		r.pendingLock.Unlock()
		return false, nil
	}
	cert, err := r.keys.AssembleCertificate(p)
	if err != nil {
		r.pendingLock.Unlock()
		r.logger.Error("failed to assemble the certificate", "round", round, "acks", len(p.Acks), "error", err)
		return false, nil
	}
	certified := p.Copy()
	certified.Certificate = cert
	certified.Acks = nil
	if err := r.store.SaveVertex(ctx, certified); err != nil {
		r.pendingLock.Unlock()
		return false, err
	}
	r.pending = certified.Copy()
	r.pendingLock.Unlock()

	r.remember(cert)
	r.metrics.Certified()
	r.logger.Debug("vertex certified", "round", round, "signers", cert.Signers)
	r.signal()
	r.broadcastCertified(ctx, certified)
	return true, nil
}

func (r *Runner) rebroadcast(ctx context.Context, round int64) {
	r.pendingLock.Lock()
	p := r.pending
	if p == nil || p.Round != round || p.IsCertified() {
		r.pendingLock.Unlock()
		return
	}
	v := p.Copy()
	r.pendingLock.Unlock()
	r.logger.Debug("rebroadcast the draft", "round", round, "acks", len(v.Acks))
	r.broadcastDraft(ctx, v)
}
