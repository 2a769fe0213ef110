package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/philsphicas/quietbridge/internal/protocol"
)

// Filter types of a 1.19.1+ player chat message.
const filterPartiallyFiltered = 2

// ErrNotChatPacket is returned when Decode is given a message outside the
// chat category.
var ErrNotChatPacket = errors.New("not a chat packet")

// DecodeError reports a chat packet that does not parse under the
// connection's epoch. It means the peers disagree with the negotiated
// protocol version and the connection cannot continue.
type DecodeError struct {
	Epoch     Epoch
	Direction protocol.Direction
	Name      string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s-bound %s (%s epoch): %v", e.Direction, e.Name, e.Epoch, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Intercepts reports whether the bridge routes m through the codec.
func Intercepts(m protocol.Message) bool {
	switch m.Name {
	case protocol.NameChatMessage, protocol.NameChatCommand, protocol.NameSystemMessage:
		return true
	default:
		return false
	}
}

// Decode parses a chat-category message. The boolean result reports whether
// the message is player chat that quiet mode may act on; when it is false the
// envelope still carries the position and text that were read.
func Decode(dir protocol.Direction, epoch Epoch, m protocol.Message) (Envelope, bool, error) {
	var (
		env    Envelope
		isChat bool
		err    error
	)
	switch {
	case dir == protocol.Serverbound:
		env, isChat, err = decodeServerbound(m)
	case m.Name == protocol.NameSystemMessage:
		env, isChat, err = decodeSystem(epoch, m.Payload)
	case m.Name != protocol.NameChatMessage:
		err = ErrNotChatPacket
	default:
		switch epoch {
		case SignedMandatory:
			env, isChat, err = decodeSignedMandatory(m.Payload)
		case SignedOptional:
			env, isChat, err = decodeSignedOptional(m.Payload)
		case Classic:
			env, isChat, err = decodeClassic(m.Payload)
		default:
			env, isChat, err = decodeLegacy(m.Payload)
		}
	}
	if err != nil {
		return Envelope{}, false, &DecodeError{Epoch: epoch, Direction: dir, Name: m.Name, Err: err}
	}
	return env, isChat, nil
}

func decodeServerbound(m protocol.Message) (Envelope, bool, error) {
	var command bool
	switch m.Name {
	case protocol.NameChatMessage:
	case protocol.NameChatCommand:
		command = true
	default:
		return Envelope{}, false, ErrNotChatPacket
	}
	text, err := protocol.NewBuffer(m.Payload).ReadString()
	if err != nil {
		return Envelope{}, false, err
	}
	return Envelope{Text: text, Position: Chat, PlayerOriginated: true, Command: command}, true, nil
}

// decodeSystem reads a message the server (or the proxy) sent as a system
// notice. It is never player chat.
func decodeSystem(epoch Epoch, p []byte) (Envelope, bool, error) {
	b := protocol.NewBuffer(p)
	raw, err := b.ReadText()
	if err != nil {
		return Envelope{}, false, err
	}
	env := Envelope{Text: protocol.PlainText(raw), Position: System}
	switch epoch {
	case SignedMandatory:
		overlay, err := b.ReadBool()
		if err != nil {
			return Envelope{}, false, fmt.Errorf("overlay flag: %w", err)
		}
		if overlay {
			env.Position = GameInfo
		}
	case SignedOptional:
		kind, err := b.ReadVarInt()
		if err != nil {
			return Envelope{}, false, fmt.Errorf("message type: %w", err)
		}
		if positionOf(kind) == GameInfo {
			env.Position = GameInfo
		}
	}
	return env, false, nil
}

// decodeSignedMandatory reads a 1.19.1+ player chat message: the signed
// message, the filter result, the chat type and the sender's display name.
func decodeSignedMandatory(p []byte) (Envelope, bool, error) {
	b := protocol.NewBuffer(p)

	hasPrevious, err := b.ReadBool()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("previous signature flag: %w", err)
	}
	if hasPrevious {
		if _, err := b.ReadByteArray(); err != nil {
			return Envelope{}, false, fmt.Errorf("previous signature: %w", err)
		}
	}
	if _, err := b.ReadUUID(); err != nil {
		return Envelope{}, false, fmt.Errorf("sender id: %w", err)
	}
	if _, err := b.ReadByteArray(); err != nil {
		return Envelope{}, false, fmt.Errorf("header signature: %w", err)
	}
	body, err := b.ReadString()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("plain body: %w", err)
	}
	hasFormatted, err := b.ReadBool()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("formatted body flag: %w", err)
	}
	if hasFormatted {
		if _, err := b.ReadText(); err != nil {
			return Envelope{}, false, fmt.Errorf("formatted body: %w", err)
		}
	}
	if _, err := b.ReadLong(); err != nil {
		return Envelope{}, false, fmt.Errorf("timestamp: %w", err)
	}
	if _, err := b.ReadLong(); err != nil {
		return Envelope{}, false, fmt.Errorf("salt: %w", err)
	}
	seen, err := b.ReadVarInt()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("last seen count: %w", err)
	}
	if seen < 0 || int(seen) > b.Len() {
		return Envelope{}, false, fmt.Errorf("last seen count %d out of range", seen)
	}
	for range seen {
		if _, err := b.ReadUUID(); err != nil {
			return Envelope{}, false, fmt.Errorf("last seen profile: %w", err)
		}
		if _, err := b.ReadByteArray(); err != nil {
			return Envelope{}, false, fmt.Errorf("last seen signature: %w", err)
		}
	}
	hasUnsigned, err := b.ReadBool()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("unsigned content flag: %w", err)
	}
	var unsigned string
	if hasUnsigned {
		if unsigned, err = b.ReadText(); err != nil {
			return Envelope{}, false, fmt.Errorf("unsigned content: %w", err)
		}
	}
	filter, err := b.ReadVarInt()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("filter result: %w", err)
	}
	if filter == filterPartiallyFiltered {
		words, err := b.ReadVarInt()
		if err != nil {
			return Envelope{}, false, fmt.Errorf("filter mask length: %w", err)
		}
		if words < 0 || int(words) > b.Len()/8 {
			return Envelope{}, false, fmt.Errorf("filter mask length %d out of range", words)
		}
		if err := b.Skip(8 * int(words)); err != nil {
			return Envelope{}, false, fmt.Errorf("filter mask: %w", err)
		}
	}
	position, err := b.ReadVarInt()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("chat type: %w", err)
	}
	name, err := b.ReadText()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("sender name: %w", err)
	}

	text := body
	if hasUnsigned {
		text = protocol.PlainText(unsigned)
	}
	env := Envelope{
		Text:             text,
		Position:         positionOf(position),
		Sender:           protocol.PlainText(name),
		PlayerOriginated: true,
	}
	return env, env.IsChat(), nil
}

// decodeSignedOptional reads a 1.19 player chat message.
func decodeSignedOptional(p []byte) (Envelope, bool, error) {
	b := protocol.NewBuffer(p)

	signed, err := b.ReadText()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("signed content: %w", err)
	}
	hasUnsigned, err := b.ReadBool()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("unsigned content flag: %w", err)
	}
	var unsigned string
	if hasUnsigned {
		if unsigned, err = b.ReadText(); err != nil {
			return Envelope{}, false, fmt.Errorf("unsigned content: %w", err)
		}
	}
	position, err := b.ReadVarInt()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("chat type: %w", err)
	}
	if _, err := b.ReadUUID(); err != nil {
		return Envelope{}, false, fmt.Errorf("sender id: %w", err)
	}
	name, err := b.ReadText()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("sender name: %w", err)
	}

	text := protocol.PlainText(signed)
	if hasUnsigned {
		text = protocol.PlainText(unsigned)
	}
	env := Envelope{
		Text:             text,
		Position:         positionOf(position),
		Sender:           protocol.PlainText(name),
		PlayerOriginated: true,
	}
	return env, env.IsChat(), nil
}

// decodeClassic reads a chat packet with a position byte. Blank messages are
// not treated as chat.
func decodeClassic(p []byte) (Envelope, bool, error) {
	b := protocol.NewBuffer(p)
	raw, err := b.ReadText()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("text: %w", err)
	}
	position, err := b.ReadByte()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("position: %w", err)
	}
	text := protocol.PlainText(raw)
	env := Envelope{
		Text:             text,
		Position:         positionOf(int32(position)),
		PlayerOriginated: strings.HasPrefix(text, "<"),
	}
	return env, env.IsChat() && strings.TrimSpace(text) != "", nil
}

// decodeLegacy reads a chat packet that has no position; all of them are chat.
func decodeLegacy(p []byte) (Envelope, bool, error) {
	raw, err := protocol.NewBuffer(p).ReadText()
	if err != nil {
		return Envelope{}, false, fmt.Errorf("text: %w", err)
	}
	text := protocol.PlainText(raw)
	return Envelope{Text: text, Position: Chat, PlayerOriginated: strings.HasPrefix(text, "<")}, true, nil
}

// EncodeSystemNotice builds the message that shows text to the player in the
// chat box. The three wire shapes differ per epoch; the message is tagged
// system_message and the packet table picks the id.
func EncodeSystemNotice(epoch Epoch, text string) protocol.Message {
	p := protocol.AppendText(nil, text)
	switch epoch {
	case SignedMandatory:
		p = protocol.AppendBool(p, false) // chat box, not the action bar
	case SignedOptional:
		p = protocol.AppendVarInt(p, 1) // system chat
	default:
		p = append(p, 0)
		p = protocol.AppendUUID(p, uuid.Nil)
	}
	return protocol.Message{Name: protocol.NameSystemMessage, Payload: p}
}
