//go:build e2e

package e2e

import (
	"net"
	"testing"
	"time"

	"github.com/philsphicas/quietbridge/internal/profile"
	"github.com/philsphicas/quietbridge/internal/protocol"
)

// The e2e client speaks 1.18.2.
const (
	proto          = 758
	idJoinGame     = 0x26
	idChatOut      = 0x0F
	idKeepAliveOut = 0x21
	idChatIn       = 0x03
	idKeepAliveIn  = 0x0F
)

// upstreamServer is an offline-mode Minecraft server stand-in. It completes
// each login with a join game packet and hands the connection to the test.
type upstreamServer struct {
	ln    net.Listener
	conns chan *protocol.Conn
}

func startUpstream(t *testing.T) *upstreamServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("upstream listen: %v", err)
	}
	s := &upstreamServer{ln: ln, conns: make(chan *protocol.Conn, 4)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go s.login(t, raw)
		}
	}()
	return s
}

func (s *upstreamServer) login(t *testing.T, raw net.Conn) {
	c := protocol.NewConn(raw)
	p, err := c.ReadPacket()
	if err != nil {
		raw.Close()
		return
	}
	hs, err := protocol.DecodeHandshake(p.Payload)
	if err != nil {
		t.Errorf("upstream handshake: %v", err)
		raw.Close()
		return
	}
	p, err = c.ReadPacket()
	if err != nil {
		raw.Close()
		return
	}
	start, err := protocol.DecodeLoginStart(hs.Protocol, p.Payload)
	if err != nil {
		t.Errorf("upstream login start: %v", err)
		raw.Close()
		return
	}
	_ = c.WritePacket(protocol.IDSetCompression, protocol.AppendVarInt(nil, 128))
	c.SetCompression(128)
	success := protocol.LoginSuccess{ID: profile.OfflineID(start.Name), Name: start.Name}
	_ = c.WritePacket(protocol.IDLoginSuccess, success.Encode(hs.Protocol))
	_ = c.WritePacket(idJoinGame, []byte("e2e world"))
	s.conns <- c
}

func (s *upstreamServer) port() int { return s.ln.Addr().(*net.TCPAddr).Port }

func (s *upstreamServer) accept(t *testing.T) *protocol.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(15 * time.Second):
		t.Fatal("proxy never logged in upstream")
		return nil
	}
}

// joinProxy logs in through the proxy as name and returns the connection in
// the play state.
func joinProxy(t *testing.T, addr, name string) *protocol.Conn {
	t.Helper()
	raw, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	_ = raw.SetDeadline(time.Now().Add(30 * time.Second))

	c := protocol.NewConn(raw)
	hs := protocol.Handshake{Protocol: proto, Address: "localhost", Port: 25565, NextState: protocol.StateLogin}
	if err := c.WritePacket(protocol.IDHandshake, hs.Encode()); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if err := c.WritePacket(protocol.IDLoginStart, protocol.LoginStart{Name: name}.Encode(proto)); err != nil {
		t.Fatalf("login start: %v", err)
	}
	for {
		p := mustRead(t, c)
		switch p.ID {
		case protocol.IDSetCompression:
			threshold, _ := protocol.NewBuffer(p.Payload).ReadVarInt()
			c.SetCompression(int(threshold))
		case protocol.IDLoginSuccess:
			return c
		case protocol.IDLoginDisconnect:
			reason, _ := protocol.DecodeDisconnect(p.Payload)
			t.Fatalf("proxy refused login: %s", reason)
		default:
			t.Fatalf("unexpected login packet 0x%02x", p.ID)
		}
	}
}

func mustRead(t *testing.T, c *protocol.Conn) protocol.Packet {
	t.Helper()
	p, err := c.ReadPacket()
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	return p
}

// readChat reads a clientbound chat packet and returns its plain text.
func readChat(t *testing.T, c *protocol.Conn) string {
	t.Helper()
	p := mustRead(t, c)
	if p.ID != idChatOut {
		t.Fatalf("packet 0x%02x, want chat", p.ID)
	}
	raw, err := protocol.NewBuffer(p.Payload).ReadText()
	if err != nil {
		t.Fatalf("chat text: %v", err)
	}
	return protocol.PlainText(raw)
}

func say(t *testing.T, c *protocol.Conn, text string) {
	t.Helper()
	if err := c.WritePacket(idChatIn, protocol.AppendString(nil, text)); err != nil {
		t.Fatalf("send chat: %v", err)
	}
}

// broadcast sends a 1.18.2 chat packet at position from the upstream.
func broadcast(t *testing.T, c *protocol.Conn, text string, position byte) {
	t.Helper()
	p := protocol.AppendText(nil, text)
	p = append(p, position)
	p = append(p, make([]byte, 16)...)
	if err := c.WritePacket(idChatOut, p); err != nil {
		t.Fatalf("upstream send: %v", err)
	}
}
