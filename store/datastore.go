package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/gitzhang10/scribe/dag"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/query"
	dssync "github.com/ipfs/go-datastore/sync"
	badger "github.com/ipfs/go-ds-badger2"
	"github.com/pkg/errors"
)

// DefaultCacheSize is the number of encoded vertices kept in memory.
const DefaultCacheSize = 4096

const (
	roundPrefix  = "/round"
	vertexPrefix = "/vertex"
	bufferPrefix = "/buffer"
	orderPrefix  = "/ordered"
	commitKey    = "/committed"
)

// DatastoreStore implements Store on top of a go-datastore.
type DatastoreStore struct {
	ds        ds.Datastore
	roundLock sync.Mutex

	// vertexLock serializes the certified check of SaveVertex with the write
	vertexLock sync.Mutex

	cache  *lru.ARCCache // vertex key -> encoded vertex
	logger hclog.Logger
}

// New wraps an existing datastore.
func New(d ds.Datastore, logger hclog.Logger) *DatastoreStore {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	cache, err := lru.NewARC(DefaultCacheSize)
	if err != nil {
		panic(err)
	}
	return &DatastoreStore{ds: d, cache: cache, logger: logger}
}

// NewMemory returns a store backed by a thread-safe in-memory map.
func NewMemory() *DatastoreStore {
	return New(dssync.MutexWrap(ds.NewMapDatastore()), nil)
}

// OpenBadger opens (or creates) an on-disk store at path.
func OpenBadger(path string, logger hclog.Logger) (*DatastoreStore, error) {
	d, err := badger.NewDatastore(path, &badger.DefaultOptions)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger datastore at %s", path)
	}
	return New(d, logger), nil
}

func roundKey(scribe string) ds.Key {
	return ds.NewKey(roundPrefix).ChildString(scribe)
}

func roundDir(prefix string, round int64) ds.Key {
	return ds.NewKey(prefix).ChildString(fmt.Sprintf("%020d", round))
}

func vertexKey(round int64, proposer string) ds.Key {
	return roundDir(vertexPrefix, round).ChildString(proposer)
}

func bufferDir(round int64, kind dag.MessageKind) ds.Key {
	return roundDir(bufferPrefix, round).ChildString(kind.String())
}

func bufferKey(m *dag.BufferedMessage) ds.Key {
	return bufferDir(m.Vertex.Round, m.Kind).
		ChildString(fmt.Sprintf("%020d", m.ObservedAt)).
		ChildString(m.Vertex.Proposer)
}

// Round implements Store.
func (s *DatastoreStore) Round(ctx context.Context, scribe string) (int64, error) {
	data, err := s.ds.Get(ctx, roundKey(scribe))
	if err == ds.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "get round")
	}
	round, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse round")
	}
	return round, nil
}

// UpdateRound implements Store.
func (s *DatastoreStore) UpdateRound(ctx context.Context, scribe string, fn func(int64) int64) (int64, error) {
	s.roundLock.Lock()
	defer s.roundLock.Unlock()
	cur, err := s.Round(ctx, scribe)
	if err != nil {
		return 0, err
	}
	next := fn(cur)
	if next == cur {
		return cur, nil
	}
	if err := s.ds.Put(ctx, roundKey(scribe), []byte(strconv.FormatInt(next, 10))); err != nil {
		return cur, errors.Wrap(err, "put round")
	}
	return next, nil
}

// SaveVertex implements Store.
func (s *DatastoreStore) SaveVertex(ctx context.Context, v *dag.Vertex) error {
	if v.Round < 0 {
		return fmt.Errorf("cannot store vertex for negative round %d", v.Round)
	}
	data, err := dag.Encode(v)
	if err != nil {
		return err
	}
	s.vertexLock.Lock()
	defer s.vertexLock.Unlock()
	if !v.IsCertified() {
		known, err := s.Vertex(ctx, v.Round, v.Proposer)
		switch {
		case err == nil && known.IsCertified():
			return ErrCertified
		case err != nil && err != ErrNotFound:
			return err
		}
	}
	key := vertexKey(v.Round, v.Proposer)
	if err := s.ds.Put(ctx, key, data); err != nil {
		return errors.Wrapf(err, "put vertex %d/%s", v.Round, v.Proposer)
	}
	s.cache.Add(key.String(), data)
	return nil
}

// Vertex implements Store.
func (s *DatastoreStore) Vertex(ctx context.Context, round int64, proposer string) (*dag.Vertex, error) {
	if round < 0 {
		return nil, ErrNotFound
	}
	key := vertexKey(round, proposer)
	var data []byte
	if cached, ok := s.cache.Get(key.String()); ok {
		data = cached.([]byte)
	} else {
		var err error
		data, err = s.ds.Get(ctx, key)
		if err == ds.ErrNotFound {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, errors.Wrapf(err, "get vertex %d/%s", round, proposer)
		}
		s.cache.Add(key.String(), data)
	}
	v := new(dag.Vertex)
	if err := dag.Decode(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

// CertifiedVertices implements Store.
func (s *DatastoreStore) CertifiedVertices(ctx context.Context, round int64) ([]*dag.Vertex, error) {
	if round < 0 {
		return nil, nil
	}
	entries, err := s.queryAll(ctx, roundDir(vertexPrefix, round))
	if err != nil {
		return nil, err
	}
	var out []*dag.Vertex
	for _, e := range entries {
		v := new(dag.Vertex)
		if err := dag.Decode(e.Value, v); err != nil {
			s.logger.Warn("skipping undecodable vertex", "key", e.Key, "error", err)
			continue
		}
		if v.IsCertified() {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Proposer < out[j].Proposer })
	return out, nil
}

// BufferMessage implements Store.
func (s *DatastoreStore) BufferMessage(ctx context.Context, m *dag.BufferedMessage) error {
	data, err := dag.Encode(m)
	if err != nil {
		return err
	}
	if err := s.ds.Put(ctx, bufferKey(m), data); err != nil {
		return errors.Wrap(err, "put buffered message")
	}
	return nil
}

// BufferedMessages implements Store.
func (s *DatastoreStore) BufferedMessages(ctx context.Context, round int64, kind dag.MessageKind) ([]*dag.BufferedMessage, error) {
	if round < 0 {
		return nil, nil
	}
	entries, err := s.queryAll(ctx, bufferDir(round, kind))
	if err != nil {
		return nil, err
	}
	out := make([]*dag.BufferedMessage, 0, len(entries))
	for _, e := range entries {
		m := new(dag.BufferedMessage)
		if err := dag.Decode(e.Value, m); err != nil {
			s.logger.Warn("skipping undecodable buffered message", "key", e.Key, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// DeleteBufferedMessage implements Store.
func (s *DatastoreStore) DeleteBufferedMessage(ctx context.Context, m *dag.BufferedMessage) error {
	if err := s.ds.Delete(ctx, bufferKey(m)); err != nil && err != ds.ErrNotFound {
		return errors.Wrap(err, "delete buffered message")
	}
	return nil
}

func orderKey(round int64, proposer string) ds.Key {
	return roundDir(orderPrefix, round).ChildString(proposer)
}

// LastCommitted implements CommitLog.
func (s *DatastoreStore) LastCommitted(ctx context.Context) (int64, error) {
	data, err := s.ds.Get(ctx, ds.NewKey(commitKey))
	if err == ds.ErrNotFound {
		return -1, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "get commit frontier")
	}
	round, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse commit frontier")
	}
	return round, nil
}

// SaveCommit implements CommitLog.
func (s *DatastoreStore) SaveCommit(ctx context.Context, leaderRound int64, ordered []*dag.Vertex) error {
	var batch ds.Batch
	if b, ok := s.ds.(ds.Batching); ok {
		var err error
		if batch, err = b.Batch(ctx); err != nil {
			return errors.Wrap(err, "open batch")
		}
	} else {
		batch = ds.NewBasicBatch(s.ds)
	}
	for _, v := range ordered {
		if err := batch.Put(ctx, orderKey(v.Round, v.Proposer), []byte{1}); err != nil {
			return errors.Wrapf(err, "mark vertex %d/%s", v.Round, v.Proposer)
		}
	}
	if err := batch.Put(ctx, ds.NewKey(commitKey), []byte(strconv.FormatInt(leaderRound, 10))); err != nil {
		return errors.Wrap(err, "put commit frontier")
	}
	return errors.Wrap(batch.Commit(ctx), "commit ordered vertices")
}

// IsOrdered implements CommitLog.
func (s *DatastoreStore) IsOrdered(ctx context.Context, round int64, proposer string) (bool, error) {
	ok, err := s.ds.Has(ctx, orderKey(round, proposer))
	if err != nil {
		return false, errors.Wrapf(err, "has ordered %d/%s", round, proposer)
	}
	return ok, nil
}

// Close implements Store.
func (s *DatastoreStore) Close() error {
	return s.ds.Close()
}

func (s *DatastoreStore) queryAll(ctx context.Context, prefix ds.Key) ([]query.Entry, error) {
	results, err := s.ds.Query(ctx, query.Query{
		Prefix: prefix.String(),
		Orders: []query.Order{query.OrderByKey{}},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", prefix)
	}
	entries, err := results.Rest()
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", prefix)
	}
	return entries, nil
}
