package network

import (
	"context"
	"encoding/binary"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gitzhang10/scribe/conn"
	"github.com/gitzhang10/scribe/dag"
	"github.com/gitzhang10/scribe/sign"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Envelope is the signed frame every message travels in. Payload is the
// canonical encoding of the message, ID correlates fetch requests and replies.
type Envelope struct {
	Sender  string
	ID      uint64
	Payload []byte
}

type fetchRequest struct {
	Round    int64
	Proposer string
}

type fetchReply struct {
	Found  bool
	Vertex *dag.Vertex
}

type fetchCall struct {
	peer  string
	reply chan *fetchReply
}

var envelopeTypes = map[uint8]reflect.Type{
	uint8(Draft):      reflect.TypeOf(Envelope{}),
	uint8(Ack):        reflect.TypeOf(Envelope{}),
	uint8(LateAck):    reflect.TypeOf(Envelope{}),
	uint8(Certified):  reflect.TypeOf(Envelope{}),
	uint8(Fetch):      reflect.TypeOf(Envelope{}),
	uint8(FetchReply): reflect.TypeOf(Envelope{}),
}

// TCPConfig configures a TCP port.
type TCPConfig struct {
	// Bind is the local listen address, host:port.
	Bind string
	// Peers maps every scribe to its host:port. The own entry is ignored.
	Peers map[string]string
	Keys  *sign.Keyring

	MaxPool      int
	DialTimeout  time.Duration
	FetchTimeout time.Duration
	Logger       hclog.Logger
}

// TCP is the communication port of a deployed scribe.
type TCP struct {
	name         string
	keys         *sign.Keyring
	peers        map[string]string
	trans        *conn.NetworkTransport
	fetchTimeout time.Duration
	logger       hclog.Logger

	nextID    uint64
	fetchLock sync.Mutex
	fetches   map[uint64]fetchCall
}

// NewTCP starts listening on cfg.Bind.
func NewTCP(cfg TCPConfig) (*TCP, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "scribe-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	trans, err := conn.NewTCPTransport(cfg.Bind, &conn.Config{
		MaxPool: cfg.MaxPool,
		Types:   envelopeTypes,
		Timeout: cfg.DialTimeout,
		Buffer:  1024,
		Logger:  logger,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", cfg.Bind)
	}
	return &TCP{
		name:         cfg.Keys.Name(),
		keys:         cfg.Keys,
		peers:        cfg.Peers,
		trans:        trans,
		fetchTimeout: cfg.FetchTimeout,
		logger:       logger,
		fetches:      make(map[uint64]fetchCall),
	}, nil
}

// LocalAddr returns the address the port listens on.
func (t *TCP) LocalAddr() string { return t.trans.LocalAddr() }

// Close stops the transport.
func (t *TCP) Close() error { return t.trans.Close() }

// Connect dials every peer once, so that an unreachable one is reported at
// startup.
func (t *TCP) Connect() error {
	var err error
	for _, name := range t.peerNames() {
		c, derr := t.trans.GetConn(t.peers[name])
		if derr != nil {
			err = multierr.Append(err, errors.Wrapf(derr, "connect to %s", name))
			continue
		}
		err = multierr.Append(err, t.trans.ReturnConn(c))
		t.logger.Debug("connection has been established", "receiver", name)
	}
	return err
}

// Serve verifies every received envelope and dispatches it to handler in
// its own goroutine, until ctx is done.
func (t *TCP) Serve(ctx context.Context, handler Handler) error {
	frames := t.trans.Consume()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-frames:
			env, ok := f.Msg.(Envelope)
			if !ok {
				t.logger.Error("unexpected frame", "tag", f.Tag)
				continue
			}
			if err := t.keys.VerifyEnvelope(env.Sender, envelopeDigest(Kind(f.Tag), &env), f.Sig); err != nil {
				t.logger.Warn("fail to verify the envelope", "kind", Kind(f.Tag), "sender", env.Sender, "error", err)
				continue
			}
			go t.dispatch(ctx, handler, Kind(f.Tag), env)
		}
	}
}

func (t *TCP) dispatch(ctx context.Context, handler Handler, kind Kind, env Envelope) {
	var err error
	switch kind {
	case Draft:
		var v dag.Vertex
		if err = dag.Decode(env.Payload, &v); err == nil {
			err = handler.HandleDraft(ctx, env.Sender, &v)
		}
	case Ack:
		var a dag.Ack
		if err = dag.Decode(env.Payload, &a); err == nil {
			err = handler.HandleAck(ctx, env.Sender, &a)
		}
	case LateAck:
		var a dag.LateAck
		if err = dag.Decode(env.Payload, &a); err == nil {
			err = handler.HandleLateAck(ctx, env.Sender, &a)
		}
	case Certified:
		var v dag.Vertex
		if err = dag.Decode(env.Payload, &v); err == nil {
			err = handler.HandleCertified(ctx, env.Sender, &v)
		}
	case Fetch:
		var req fetchRequest
		if err = dag.Decode(env.Payload, &req); err == nil {
			err = t.serveFetch(ctx, handler, env, &req)
		}
	case FetchReply:
		var rep fetchReply
		if err = dag.Decode(env.Payload, &rep); err == nil {
			t.completeFetch(env, &rep)
		}
	}
	if err != nil {
		t.logger.Debug("message not handled", "kind", kind, "sender", env.Sender, "error", err)
	}
}

func (t *TCP) serveFetch(ctx context.Context, handler Handler, env Envelope, req *fetchRequest) error {
	rep := &fetchReply{}
	if v, err := handler.ServeFetch(ctx, req.Round, req.Proposer); err == nil && v != nil {
		rep.Found = true
		rep.Vertex = v
	}
	return t.send(env.Sender, FetchReply, env.ID, rep)
}

func (t *TCP) completeFetch(env Envelope, rep *fetchReply) {
	t.fetchLock.Lock()
	call, ok := t.fetches[env.ID]
	t.fetchLock.Unlock()
	if !ok || call.peer != env.Sender {
		return
	}
	select {
	case call.reply <- rep:
	default:
	}
}

func envelopeDigest(kind Kind, env *Envelope) []byte {
	buf := make([]byte, 9, 9+len(env.Sender)+1+len(env.Payload))
	buf[0] = byte(kind)
	binary.BigEndian.PutUint64(buf[1:], env.ID)
	buf = append(buf, env.Sender...)
	buf = append(buf, 0)
	buf = append(buf, env.Payload...)
	return dag.HashSum(buf)
}

func (t *TCP) seal(kind Kind, id uint64, msg interface{}) (*Envelope, []byte, error) {
	payload, err := dag.Encode(msg)
	if err != nil {
		return nil, nil, err
	}
	env := &Envelope{Sender: t.name, ID: id, Payload: payload}
	return env, t.keys.SignEnvelope(envelopeDigest(kind, env)), nil
}

func (t *TCP) send(to string, kind Kind, id uint64, msg interface{}) error {
	addr, ok := t.peers[to]
	if !ok {
		return errors.Wrap(ErrUnknownPeer, to)
	}
	env, sig, err := t.seal(kind, id, msg)
	if err != nil {
		return err
	}
	return t.trans.Send(addr, uint8(kind), env, sig)
}

func (t *TCP) peerNames() []string {
	names := make([]string, 0, len(t.peers))
	for name := range t.peers {
		if name != t.name {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (t *TCP) broadcast(kind Kind, msg interface{}) error {
	env, sig, err := t.seal(kind, 0, msg)
	if err != nil {
		return err
	}
	var errs error
	for _, name := range t.peerNames() {
		if err := t.trans.Send(t.peers[name], uint8(kind), env, sig); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "send %s to %s", kind, name))
		}
	}
	return errs
}

// BroadcastDraft implements the runner's communication port.
func (t *TCP) BroadcastDraft(ctx context.Context, v *dag.Vertex) error {
	return t.broadcast(Draft, v)
}

// SendAck implements the runner's communication port.
func (t *TCP) SendAck(ctx context.Context, to string, ack *dag.Ack) error {
	return t.send(to, Ack, 0, ack)
}

// SendLateAck implements the runner's communication port.
func (t *TCP) SendLateAck(ctx context.Context, to string, ack *dag.LateAck) error {
	return t.send(to, LateAck, 0, ack)
}

// BroadcastCertified implements the runner's communication port.
func (t *TCP) BroadcastCertified(ctx context.Context, v *dag.Vertex) error {
	return t.broadcast(Certified, v)
}

// FetchRoundVertex asks to for the certified vertex of proposer at round and
// waits for the reply at most FetchTimeout.
func (t *TCP) FetchRoundVertex(ctx context.Context, to string, round int64, proposer string) (*dag.Vertex, error) {
	id := atomic.AddUint64(&t.nextID, 1)
	reply := make(chan *fetchReply, 1)
	t.fetchLock.Lock()
	t.fetches[id] = fetchCall{peer: to, reply: reply}
	t.fetchLock.Unlock()
	defer func() {
		t.fetchLock.Lock()
		delete(t.fetches, id)
		t.fetchLock.Unlock()
	}()

	if err := t.send(to, Fetch, id, &fetchRequest{Round: round, Proposer: proposer}); err != nil {
		return nil, errors.Wrap(ErrUnreachable, err.Error())
	}
	if t.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.fetchTimeout)
		defer cancel()
	}
	select {
	case rep := <-reply:
		if !rep.Found || rep.Vertex == nil {
			return nil, ErrNotFound
		}
		return rep.Vertex, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
