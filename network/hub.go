package network

import (
	"context"
	"sort"
	"sync"

	"github.com/gitzhang10/scribe/dag"
	"github.com/hashicorp/go-hclog"
)

// Filter decides whether a message from one scribe to another is lost.
type Filter func(kind Kind, from, to string) bool

// Hub connects scribes running in one process. Every delivery runs in its own
// goroutine, so messages can arrive in any order.
type Hub struct {
	lock     sync.RWMutex
	members  map[string]bool
	handlers map[string]Handler
	filters  []Filter
	logger   hclog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHub creates an empty hub.
func NewHub(logger hclog.Logger) *Hub {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		members:  make(map[string]bool),
		handlers: make(map[string]Handler),
		logger:   logger.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Port adds name to the hub and returns its communication port. Messages
// addressed to name are lost until a handler is attached.
func (h *Hub) Port(name string) *HubPort {
	h.lock.Lock()
	h.members[name] = true
	h.lock.Unlock()
	return &HubPort{hub: h, name: name}
}

// Attach sets the handler receiving the messages addressed to name.
func (h *Hub) Attach(name string, handler Handler) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.members[name] = true
	h.handlers[name] = handler
}

// Detach takes name offline.
func (h *Hub) Detach(name string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.handlers, name)
}

// AddFilter installs a loss rule for every later message.
func (h *Hub) AddFilter(f Filter) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.filters = append(h.filters, f)
}

// Close cancels the handlers' context and waits for in-flight deliveries.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) route(kind Kind, from, to string) Handler {
	h.lock.RLock()
	defer h.lock.RUnlock()
	for _, f := range h.filters {
		if f(kind, from, to) {
			return nil
		}
	}
	return h.handlers[to]
}

func (h *Hub) peers(except string) []string {
	h.lock.RLock()
	defer h.lock.RUnlock()
	out := make([]string, 0, len(h.members))
	for m := range h.members {
		if m != except {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out
}

func (h *Hub) deliver(kind Kind, from, to string, fn func(context.Context, Handler) error) {
	handler := h.route(kind, from, to)
	if handler == nil || h.ctx.Err() != nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		if err := fn(h.ctx, handler); err != nil {
			h.logger.Trace("delivery failed", "kind", kind, "from", from, "to", to, "error", err)
		}
	}()
}

// HubPort is the communication port of one hub member.
type HubPort struct {
	hub  *Hub
	name string
}

// BroadcastDraft sends a draft to every other member.
func (p *HubPort) BroadcastDraft(ctx context.Context, v *dag.Vertex) error {
	for _, to := range p.hub.peers(p.name) {
		v := v.Copy()
		p.hub.deliver(Draft, p.name, to, func(ctx context.Context, h Handler) error {
			return h.HandleDraft(ctx, p.name, v)
		})
	}
	return nil
}

// SendAck sends an ack to one member.
func (p *HubPort) SendAck(ctx context.Context, to string, ack *dag.Ack) error {
	a := *ack
	p.hub.deliver(Ack, p.name, to, func(ctx context.Context, h Handler) error {
		return h.HandleAck(ctx, p.name, &a)
	})
	return nil
}

// SendLateAck sends a late ack to one member.
func (p *HubPort) SendLateAck(ctx context.Context, to string, ack *dag.LateAck) error {
	a := *ack
	p.hub.deliver(LateAck, p.name, to, func(ctx context.Context, h Handler) error {
		return h.HandleLateAck(ctx, p.name, &a)
	})
	return nil
}

// BroadcastCertified sends a certified vertex to every other member.
func (p *HubPort) BroadcastCertified(ctx context.Context, v *dag.Vertex) error {
	for _, to := range p.hub.peers(p.name) {
		v := v.Copy()
		p.hub.deliver(Certified, p.name, to, func(ctx context.Context, h Handler) error {
			return h.HandleCertified(ctx, p.name, v)
		})
	}
	return nil
}

// FetchRoundVertex asks member to for the certified vertex of proposer at
// round, synchronously.
func (p *HubPort) FetchRoundVertex(ctx context.Context, to string, round int64, proposer string) (*dag.Vertex, error) {
	handler := p.hub.route(Fetch, p.name, to)
	if handler == nil {
		return nil, ErrUnreachable
	}
	v, err := handler.ServeFetch(ctx, round, proposer)
	if err != nil {
		return nil, ErrNotFound
	}
	return v.Copy(), nil
}
