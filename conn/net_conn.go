/*
Package conn implements the msgpack-framed TCP links between scribes.
A link is used in one direction only: the dialing scribe sends, the listening
scribe receives. Every frame is a one-byte tag, the msgpack-encoded message
registered for that tag and the sender's signature.
*/
package conn

import (
	"bufio"
	"net"

	"github.com/hashicorp/go-msgpack/codec"
)

// NetConn is an outgoing connection to one peer.
type NetConn struct {
	target string
	conn   net.Conn
	w      *bufio.Writer
	enc    *codec.Encoder
}

// Target returns the address the connection was dialed to.
func (n *NetConn) Target() string { return n.target }

// Release closes the connection.
func (n *NetConn) Release() error {
	return n.conn.Close()
}
