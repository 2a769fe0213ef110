package protocol

import (
	"fmt"
	"net"
)

// Message is one play-state packet as the bridge sees it. Name is set when
// the packet table knows the id; untagged messages are relayed by id.
type Message struct {
	ID      int32
	Name    string
	Payload []byte
}

// Endpoint is one side of a bridged session: a framed connection in the play
// state plus the packet table of its negotiated version.
type Endpoint struct {
	conn    *Conn
	table   *Table
	inbound Direction
}

// NewEndpoint wraps conn. inbound is the direction of the messages this
// endpoint receives: Serverbound for a client, Clientbound for a server.
func NewEndpoint(conn *Conn, table *Table, inbound Direction) *Endpoint {
	return &Endpoint{conn: conn, table: table, inbound: inbound}
}

// Table returns the endpoint's packet table.
func (e *Endpoint) Table() *Table { return e.table }

// Receive reads the next message and tags it with its name.
func (e *Endpoint) Receive() (Message, error) {
	p, err := e.conn.ReadPacket()
	if err != nil {
		return Message{}, err
	}
	return Message{ID: p.ID, Name: e.table.Name(e.inbound, p.ID), Payload: p.Payload}, nil
}

// Send writes m to the peer. A named message is written with the id its name
// maps to in this endpoint's outbound direction.
func (e *Endpoint) Send(m Message) error {
	id := m.ID
	if m.Name != "" {
		out := Clientbound
		if e.inbound == Clientbound {
			out = Serverbound
		}
		v, ok := e.table.ID(out, m.Name)
		if !ok {
			return fmt.Errorf("packet %q has no %s id in protocol %d", m.Name, out, e.table.Protocol)
		}
		id = v
	}
	return e.conn.WritePacket(id, m.Payload)
}

// RemoteAddr returns the peer address.
func (e *Endpoint) RemoteAddr() net.Addr { return e.conn.RemoteAddr() }

// Close closes the connection.
func (e *Endpoint) Close() error { return e.conn.Close() }
