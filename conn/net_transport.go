package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-msgpack/codec"
)

var (
	// ErrTransportShutdown is returned when operations on a transport are
	// invoked after it's been terminated.
	ErrTransportShutdown = errors.New("transport shutdown")
	// ErrUnknownTag is returned for a frame whose tag has no registered type.
	ErrUnknownTag = errors.New("unknown frame tag")
)

// Frame is one received message together with its tag and signature.
type Frame struct {
	Tag uint8
	Msg interface{}
	Sig []byte
}

// NetworkTransport sends frames over pooled outgoing connections and hands
// the frames decoded from incoming connections to the consumer channel.
type NetworkTransport struct {
	connPool     map[string][]*NetConn
	connPoolLock sync.Mutex
	maxPool      int

	frameCh chan Frame
	types   map[uint8]reflect.Type

	logger hclog.Logger

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex

	stream StreamLayer

	// streamCtx is used to cancel existing connection handlers.
	streamCtx    context.Context
	streamCancel context.CancelFunc

	timeout time.Duration
}

// Config configures a NetworkTransport.
type Config struct {
	// MaxPool is the number of idle connections kept per peer.
	MaxPool int
	// Types maps every frame tag to the type its message decodes into.
	Types map[uint8]reflect.Type
	// Timeout bounds dialing and every frame write.
	Timeout time.Duration
	// Buffer is the capacity of the channel returned by Consume.
	Buffer int
	Logger hclog.Logger
}

// NewNetworkTransport creates a transport over stream and starts accepting
// connections.
func NewNetworkTransport(stream StreamLayer, config *Config) *NetworkTransport {
	logger := config.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "scribe-net",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	buffer := config.Buffer
	if buffer <= 0 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	trans := &NetworkTransport{
		connPool:     make(map[string][]*NetConn),
		maxPool:      config.MaxPool,
		frameCh:      make(chan Frame, buffer),
		types:        config.Types,
		logger:       logger,
		shutdownCh:   make(chan struct{}),
		stream:       stream,
		streamCtx:    ctx,
		streamCancel: cancel,
		timeout:      config.Timeout,
	}
	go trans.listen()
	return trans
}

// Consume returns the channel of received frames.
func (n *NetworkTransport) Consume() <-chan Frame {
	return n.frameCh
}

// LocalAddr returns the address the transport listens on.
func (n *NetworkTransport) LocalAddr() string {
	return n.stream.Addr().String()
}

// IsShutdown is used to check if the transport is shutdown.
func (n *NetworkTransport) IsShutdown() bool {
	select {
	case <-n.shutdownCh:
		return true
	default:
		return false
	}
}

// Close stops accepting, cancels the connection handlers and releases the
// pooled connections.
func (n *NetworkTransport) Close() error {
	n.shutdownLock.Lock()
	defer n.shutdownLock.Unlock()

	if n.shutdown {
		return nil
	}
	close(n.shutdownCh)
	n.streamCancel()
	err := n.stream.Close()
	n.shutdown = true

	n.connPoolLock.Lock()
	for target, conns := range n.connPool {
		for _, c := range conns {
			c.Release()
		}
		delete(n.connPool, target)
	}
	n.connPoolLock.Unlock()
	return err
}

// listen accepts incoming connections, backing off on accept errors.
func (n *NetworkTransport) listen() {
	const baseDelay = 5 * time.Millisecond
	const maxDelay = 1 * time.Second

	var loopDelay time.Duration
	for {
		conn, err := n.stream.Accept()
		if err != nil {
			if n.IsShutdown() {
				return
			}
			if loopDelay == 0 {
				loopDelay = baseDelay
			} else {
				loopDelay *= 2
			}
			if loopDelay > maxDelay {
				loopDelay = maxDelay
			}
			n.logger.Error("failed to accept connection", "error", err, "retry-in", loopDelay)

			select {
			case <-n.shutdownCh:
				return
			case <-time.After(loopDelay):
				continue
			}
		}
		loopDelay = 0

		n.logger.Debug("accepted connection", "local-address", n.LocalAddr(), "remote-address", conn.RemoteAddr().String())
		go n.handleConn(n.streamCtx, conn)
	}
}

// handleConn decodes frames from an inbound connection until it is closed or
// the transport shuts down.
func (n *NetworkTransport) handleConn(connCtx context.Context, conn net.Conn) {
	defer conn.Close()
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()
	r := bufio.NewReader(conn)
	dec := codec.NewDecoder(r, &codec.MsgpackHandle{})

	for {
		frame, err := n.readFrame(r, dec)
		if err != nil {
			if err != io.EOF && connCtx.Err() == nil {
				n.logger.Error("failed to decode incoming frame", "error", err)
			}
			return
		}
		select {
		case n.frameCh <- frame:
		case <-n.shutdownCh:
			return
		}
	}
}

func (n *NetworkTransport) readFrame(r *bufio.Reader, dec *codec.Decoder) (Frame, error) {
	tag, err := r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	typ, ok := n.types[tag]
	if !ok {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	body := reflect.New(typ)
	if err := dec.Decode(body.Interface()); err != nil {
		return Frame{}, err
	}
	var sig []byte
	if err := dec.Decode(&sig); err != nil {
		return Frame{}, err
	}
	return Frame{Tag: tag, Msg: body.Elem().Interface(), Sig: sig}, nil
}

func (n *NetworkTransport) dialConn(target string) (*NetConn, error) {
	conn, err := n.stream.Dial(target, n.timeout)
	if err != nil {
		return nil, err
	}
	netC := &NetConn{
		target: target,
		conn:   conn,
		w:      bufio.NewWriter(conn),
	}
	netC.enc = codec.NewEncoder(netC.w, &codec.MsgpackHandle{})
	return netC, nil
}

// GetConn returns an idle connection to target, dialing one if none is
// pooled.
func (n *NetworkTransport) GetConn(target string) (*NetConn, error) {
	if n.IsShutdown() {
		return nil, ErrTransportShutdown
	}
	n.connPoolLock.Lock()
	conns := n.connPool[target]
	if num := len(conns); num > 0 {
		netC := conns[num-1]
		conns[num-1] = nil
		n.connPool[target] = conns[:num-1]
		n.connPoolLock.Unlock()
		return netC, nil
	}
	n.connPoolLock.Unlock()
	return n.dialConn(target)
}

// ReturnConn puts a healthy connection back into the pool, or closes it when
// the pool is full.
func (n *NetworkTransport) ReturnConn(netC *NetConn) error {
	n.connPoolLock.Lock()
	defer n.connPoolLock.Unlock()

	conns := n.connPool[netC.target]
	if !n.IsShutdown() && len(conns) < n.maxPool {
		n.connPool[netC.target] = append(conns, netC)
		return nil
	}
	return netC.Release()
}

// Send writes one frame to target over a pooled connection.
func (n *NetworkTransport) Send(target string, tag uint8, msg interface{}, sig []byte) error {
	netC, err := n.GetConn(target)
	if err != nil {
		return err
	}
	if n.timeout > 0 {
		netC.conn.SetWriteDeadline(time.Now().Add(n.timeout))
	}
	if err := SendMsg(netC, tag, msg, sig); err != nil {
		return err
	}
	return n.ReturnConn(netC)
}

// SendMsg encodes one frame on conn. The connection is released on failure.
func SendMsg(conn *NetConn, tag uint8, msg interface{}, sig []byte) error {
	if err := conn.w.WriteByte(tag); err != nil {
		conn.Release()
		return err
	}
	if err := conn.enc.Encode(msg); err != nil {
		conn.Release()
		return err
	}
	if err := conn.enc.Encode(sig); err != nil {
		conn.Release()
		return err
	}
	if err := conn.w.Flush(); err != nil {
		conn.Release()
		return err
	}
	return nil
}
