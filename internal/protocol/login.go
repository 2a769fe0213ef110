package protocol

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"
)

// Connection states announced by the handshake.
const (
	StateStatus = 1
	StateLogin  = 2
)

// Packet ids outside the play state. They are stable across every version
// the proxy supports.
const (
	IDHandshake = 0x00

	IDStatusRequest  = 0x00
	IDStatusResponse = 0x00
	IDPing           = 0x01

	IDLoginStart          = 0x00
	IDEncryptionResponse  = 0x01
	IDLoginPluginResponse = 0x02

	IDLoginDisconnect    = 0x00
	IDEncryptionRequest  = 0x01
	IDLoginSuccess       = 0x02
	IDSetCompression     = 0x03
	IDLoginPluginRequest = 0x04
)

// Protocol versions where the login packets change shape.
const (
	protoSignedLogin = 759 // 1.19: login start carries optional key data
	protoLoginUUID   = 760 // 1.19.1: login start carries the optional profile id
	protoUnsignedKey = 761 // 1.19.3: key data removed again
)

func signedLoginEra(protocol int32) bool {
	return protocol >= protoSignedLogin && protocol < protoUnsignedKey
}

// Handshake is the first packet a client sends.
type Handshake struct {
	Protocol  int32
	Address   string
	Port      uint16
	NextState int32
}

// Encode returns the handshake payload.
func (h Handshake) Encode() []byte {
	p := AppendVarInt(nil, h.Protocol)
	p = AppendString(p, h.Address)
	p = AppendUint16(p, h.Port)
	return AppendVarInt(p, h.NextState)
}

// DecodeHandshake parses a handshake payload.
func DecodeHandshake(p []byte) (Handshake, error) {
	var h Handshake
	var err error
	b := NewBuffer(p)
	if h.Protocol, err = b.ReadVarInt(); err != nil {
		return h, fmt.Errorf("handshake protocol: %w", err)
	}
	if h.Address, err = b.ReadString(); err != nil {
		return h, fmt.Errorf("handshake address: %w", err)
	}
	if h.Port, err = b.ReadUint16(); err != nil {
		return h, fmt.Errorf("handshake port: %w", err)
	}
	if h.NextState, err = b.ReadVarInt(); err != nil {
		return h, fmt.Errorf("handshake next state: %w", err)
	}
	return h, nil
}

// LoginStart opens the login sequence.
type LoginStart struct {
	Name  string
	ID    uuid.UUID
	HasID bool
}

// Encode returns the login start payload for protocol. The proxy never
// sends profile key data.
func (l LoginStart) Encode(protocol int32) []byte {
	p := AppendString(nil, l.Name)
	if signedLoginEra(protocol) {
		p = AppendBool(p, false)
	}
	if protocol >= protoLoginUUID {
		p = AppendBool(p, l.HasID)
		if l.HasID {
			p = AppendUUID(p, l.ID)
		}
	}
	return p
}

// DecodeLoginStart parses a login start payload for protocol.
func DecodeLoginStart(protocol int32, p []byte) (LoginStart, error) {
	var l LoginStart
	var err error
	b := NewBuffer(p)
	if l.Name, err = b.ReadString(); err != nil {
		return l, fmt.Errorf("login start name: %w", err)
	}
	if signedLoginEra(protocol) {
		hasKey, err := b.ReadBool()
		if err != nil {
			return l, fmt.Errorf("login start key flag: %w", err)
		}
		if hasKey {
			if _, err := b.ReadLong(); err != nil {
				return l, fmt.Errorf("login start key expiry: %w", err)
			}
			if _, err := b.ReadByteArray(); err != nil {
				return l, fmt.Errorf("login start public key: %w", err)
			}
			if _, err := b.ReadByteArray(); err != nil {
				return l, fmt.Errorf("login start key signature: %w", err)
			}
		}
	}
	if protocol >= protoLoginUUID {
		if l.HasID, err = b.ReadBool(); err != nil {
			return l, fmt.Errorf("login start id flag: %w", err)
		}
		if l.HasID {
			if l.ID, err = b.ReadUUID(); err != nil {
				return l, fmt.Errorf("login start id: %w", err)
			}
		}
	}
	return l, nil
}

// EncryptionRequest asks the client to enable encryption.
type EncryptionRequest struct {
	ServerID    string
	PublicKey   []byte
	VerifyToken []byte
}

// Encode returns the encryption request payload.
func (r EncryptionRequest) Encode() []byte {
	p := AppendString(nil, r.ServerID)
	p = AppendByteArray(p, r.PublicKey)
	return AppendByteArray(p, r.VerifyToken)
}

// DecodeEncryptionRequest parses an encryption request payload.
func DecodeEncryptionRequest(p []byte) (EncryptionRequest, error) {
	var r EncryptionRequest
	var err error
	b := NewBuffer(p)
	if r.ServerID, err = b.ReadString(); err != nil {
		return r, fmt.Errorf("encryption request server id: %w", err)
	}
	if r.PublicKey, err = b.ReadByteArray(); err != nil {
		return r, fmt.Errorf("encryption request public key: %w", err)
	}
	if r.VerifyToken, err = b.ReadByteArray(); err != nil {
		return r, fmt.Errorf("encryption request verify token: %w", err)
	}
	return r, nil
}

// EncryptionResponse carries the RSA-encrypted shared secret. Clients of
// 1.19 and 1.19.2 that hold a profile key send a salted signature instead of
// the verify token; Salt and Signature are set in that case.
type EncryptionResponse struct {
	SharedSecret []byte
	VerifyToken  []byte
	Salt         int64
	Signature    []byte
}

// Encode returns the encryption response payload for protocol. The proxy
// always answers with the verify token.
func (r EncryptionResponse) Encode(protocol int32) []byte {
	p := AppendByteArray(nil, r.SharedSecret)
	if signedLoginEra(protocol) {
		p = AppendBool(p, true)
	}
	return AppendByteArray(p, r.VerifyToken)
}

// DecodeEncryptionResponse parses an encryption response payload for protocol.
func DecodeEncryptionResponse(protocol int32, p []byte) (EncryptionResponse, error) {
	var r EncryptionResponse
	var err error
	b := NewBuffer(p)
	if r.SharedSecret, err = b.ReadByteArray(); err != nil {
		return r, fmt.Errorf("encryption response secret: %w", err)
	}
	hasToken := true
	if signedLoginEra(protocol) {
		if hasToken, err = b.ReadBool(); err != nil {
			return r, fmt.Errorf("encryption response token flag: %w", err)
		}
	}
	if hasToken {
		if r.VerifyToken, err = b.ReadByteArray(); err != nil {
			return r, fmt.Errorf("encryption response verify token: %w", err)
		}
		return r, nil
	}
	if r.Salt, err = b.ReadLong(); err != nil {
		return r, fmt.Errorf("encryption response salt: %w", err)
	}
	if r.Signature, err = b.ReadByteArray(); err != nil {
		return r, fmt.Errorf("encryption response signature: %w", err)
	}
	return r, nil
}

// LoginSuccess ends the login sequence.
type LoginSuccess struct {
	ID   uuid.UUID
	Name string
}

// Encode returns the login success payload for protocol, with an empty
// property list where the version has one.
func (s LoginSuccess) Encode(protocol int32) []byte {
	p := AppendUUID(nil, s.ID)
	p = AppendString(p, s.Name)
	if protocol >= protoSignedLogin {
		p = AppendVarInt(p, 0)
	}
	return p
}

// DecodeLoginSuccess parses a login success payload. Properties are ignored.
func DecodeLoginSuccess(p []byte) (LoginSuccess, error) {
	var s LoginSuccess
	var err error
	b := NewBuffer(p)
	if s.ID, err = b.ReadUUID(); err != nil {
		return s, fmt.Errorf("login success id: %w", err)
	}
	if s.Name, err = b.ReadString(); err != nil {
		return s, fmt.Errorf("login success name: %w", err)
	}
	return s, nil
}

// DisconnectPayload returns a login disconnect payload with a plain reason.
func DisconnectPayload(reason string) []byte {
	return AppendText(nil, reason)
}

// DecodeDisconnect returns the plain text of a disconnect reason.
func DecodeDisconnect(p []byte) (string, error) {
	raw, err := NewBuffer(p).ReadText()
	if err != nil {
		return "", fmt.Errorf("disconnect reason: %w", err)
	}
	return PlainText(raw), nil
}

// LoginPluginNotUnderstood returns the response to a login plugin request
// the proxy does not handle.
func LoginPluginNotUnderstood(request []byte) ([]byte, error) {
	messageID, err := NewBuffer(request).ReadVarInt()
	if err != nil {
		return nil, fmt.Errorf("login plugin message id: %w", err)
	}
	p := AppendVarInt(nil, messageID)
	return AppendBool(p, false), nil
}

// StatusResponse returns the status JSON payload for the server list.
func StatusResponse(release string, protocol int32, maxPlayers, online int, motd string) []byte {
	js := `{}`
	js, _ = sjson.Set(js, "version.name", release) // static paths, cannot fail
	js, _ = sjson.Set(js, "version.protocol", protocol)
	js, _ = sjson.Set(js, "players.max", maxPlayers)
	js, _ = sjson.Set(js, "players.online", online)
	js, _ = sjson.Set(js, "description.text", motd)
	return AppendString(nil, js)
}
