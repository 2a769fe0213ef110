// Package chat decodes chat-category packets into a normalized Envelope and
// synthesizes the system notices the proxy shows the player. Every function is
// pure and dispatches on the connection's Epoch.
package chat

// Epoch is a wire-format era of the chat packets. Epochs are ordered.
type Epoch int

const (
	// Legacy chat packets (before 1.8) carry only the text.
	Legacy Epoch = iota
	// Classic chat packets (1.8 to 1.18.2) carry text and a position byte.
	Classic
	// SignedOptional chat (1.19) separates player chat from system chat and
	// carries an optional unsigned override.
	SignedOptional
	// SignedMandatory chat (1.19.1 and later) wraps player chat in a signed
	// message structure.
	SignedMandatory
)

const (
	protoClassic         = 47
	protoSignedOptional  = 759
	protoSignedMandatory = 760
)

// EpochFor returns the epoch of a negotiated protocol version.
func EpochFor(protocol int32) Epoch {
	switch {
	case protocol >= protoSignedMandatory:
		return SignedMandatory
	case protocol == protoSignedOptional:
		return SignedOptional
	case protocol >= protoClassic:
		return Classic
	default:
		return Legacy
	}
}

func (e Epoch) String() string {
	switch e {
	case Legacy:
		return "legacy"
	case Classic:
		return "classic"
	case SignedOptional:
		return "signed-optional"
	case SignedMandatory:
		return "signed-mandatory"
	default:
		return "unknown"
	}
}

// Position classifies where a chat-category message is displayed.
type Position int

const (
	Chat Position = iota
	System
	GameInfo
	Other
)

// positionOf maps a wire discriminant onto a Position.
func positionOf(code int32) Position {
	switch code {
	case 0:
		return Chat
	case 1:
		return System
	case 2:
		return GameInfo
	default:
		return Other
	}
}

func (p Position) String() string {
	switch p {
	case Chat:
		return "chat"
	case System:
		return "system"
	case GameInfo:
		return "game_info"
	default:
		return "other"
	}
}

// Envelope is the normalized form of one chat-category message.
type Envelope struct {
	Text     string
	Position Position
	// Sender is the display name of the sending player when the wire format
	// carries it separately from the text.
	Sender           string
	PlayerOriginated bool
	// Command is set for the dedicated command packet; Text then holds the
	// command without its leading slash.
	Command bool
}

// IsChat reports whether the envelope is in the player-chat category, that
// is, neither a system message nor game info.
func (e Envelope) IsChat() bool {
	return e.Position != System && e.Position != GameInfo
}
