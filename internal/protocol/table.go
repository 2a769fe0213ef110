package protocol

import (
	"slices"

	"github.com/samber/lo"
)

// Direction is the way a message travels through the proxy.
type Direction int

const (
	// Serverbound messages travel from the client to the server (upstream-bound).
	Serverbound Direction = iota
	// Clientbound messages travel from the server to the client (downstream-bound).
	Clientbound
)

func (d Direction) String() string {
	if d == Serverbound {
		return "upstream"
	}
	return "downstream"
}

// Play-state packet names the transport tags.
const (
	NameChatMessage   = "chat_message"
	NameChatCommand   = "chat_command"
	NameSystemMessage = "system_message"
	NameKeepAlive     = "keep_alive"
)

// Table maps the tagged play packets of one protocol version to their ids.
type Table struct {
	Protocol int32
	Release  string

	serverbound map[string]int32
	clientbound map[string]int32
	// Reverse lookups. Where two names share an id (system_message is sent
	// as a chat packet before 1.19), the chat name wins.
	serverboundNames map[int32]string
	clientboundNames map[int32]string
}

// ID returns the packet id for a named packet in direction d.
func (t *Table) ID(d Direction, name string) (int32, bool) {
	m := t.clientbound
	if d == Serverbound {
		m = t.serverbound
	}
	id, ok := m[name]
	return id, ok
}

// Name returns the tag for packet id in direction d, or "" when the packet is
// not one the proxy inspects.
func (t *Table) Name(d Direction, id int32) string {
	if d == Serverbound {
		return t.serverboundNames[id]
	}
	return t.clientboundNames[id]
}

func newTable(protocol int32, release string, sb, cb map[string]int32) *Table {
	t := &Table{
		Protocol:         protocol,
		Release:          release,
		serverbound:      sb,
		clientbound:      cb,
		serverboundNames: make(map[int32]string, len(sb)),
		clientboundNames: make(map[int32]string, len(cb)),
	}
	for name, id := range sb {
		t.serverboundNames[id] = name
	}
	for name, id := range cb {
		if name == NameSystemMessage && cb[NameChatMessage] == id {
			continue
		}
		t.clientboundNames[id] = name
	}
	return t
}

// classicTable builds a table for versions where chat is a single packet
// carrying a position byte and system notices reuse it.
func classicTable(protocol int32, release string, sbChat, sbKeepAlive, cbChat, cbKeepAlive int32) *Table {
	return newTable(protocol, release,
		map[string]int32{
			NameChatMessage: sbChat,
			NameKeepAlive:   sbKeepAlive,
		},
		map[string]int32{
			NameChatMessage:   cbChat,
			NameSystemMessage: cbChat,
			NameKeepAlive:     cbKeepAlive,
		})
}

var tables = func() map[int32]*Table {
	list := []*Table{
		classicTable(735, "1.16", 0x03, 0x10, 0x0E, 0x20),
		classicTable(736, "1.16.1", 0x03, 0x10, 0x0E, 0x20),
		classicTable(751, "1.16.2", 0x03, 0x10, 0x0E, 0x1F),
		classicTable(753, "1.16.3", 0x03, 0x10, 0x0E, 0x1F),
		classicTable(754, "1.16.5", 0x03, 0x10, 0x0E, 0x1F),
		classicTable(755, "1.17", 0x03, 0x0F, 0x0F, 0x21),
		classicTable(756, "1.17.1", 0x03, 0x0F, 0x0F, 0x21),
		classicTable(757, "1.18.1", 0x03, 0x0F, 0x0F, 0x21),
		classicTable(758, "1.18.2", 0x03, 0x0F, 0x0F, 0x21),
		newTable(759, "1.19",
			map[string]int32{NameChatCommand: 0x03, NameChatMessage: 0x04, NameKeepAlive: 0x11},
			map[string]int32{NameChatMessage: 0x30, NameSystemMessage: 0x5F, NameKeepAlive: 0x1E}),
		newTable(760, "1.19.2",
			map[string]int32{NameChatCommand: 0x04, NameChatMessage: 0x05, NameKeepAlive: 0x12},
			map[string]int32{NameChatMessage: 0x33, NameSystemMessage: 0x62, NameKeepAlive: 0x20}),
	}
	m := make(map[int32]*Table, len(list))
	for _, t := range list {
		m[t.Protocol] = t
	}
	return m
}()

// TableFor returns the packet table for a protocol version.
func TableFor(protocol int32) (*Table, bool) {
	t, ok := tables[protocol]
	return t, ok
}

// SupportedProtocols lists the protocol versions with a packet table, in
// ascending order.
func SupportedProtocols() []int32 {
	out := lo.Keys(tables)
	slices.Sort(out)
	return out
}
