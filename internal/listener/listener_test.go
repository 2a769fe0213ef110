package listener

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/philsphicas/quietbridge/internal/profile"
	"github.com/philsphicas/quietbridge/internal/protocol"
	"github.com/philsphicas/quietbridge/internal/quiet"
	"github.com/philsphicas/quietbridge/internal/relay"
	"github.com/philsphicas/quietbridge/internal/session"
	"github.com/tidwall/gjson"
)

const testProto = 758

// Play packet ids of 1.18.2 used below.
const (
	idJoinGame     = 0x26
	idChatOut      = 0x0F // clientbound chat
	idKeepAliveOut = 0x21 // clientbound keep-alive
	idChatIn       = 0x03 // serverbound chat
	idKeepAliveIn  = 0x0F // serverbound keep-alive
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeUpstream is an offline-mode server. Each login is answered with a
// login success and a join game packet, then handed to the test.
type fakeUpstream struct {
	host  string
	port  int
	conns chan *protocol.Conn
	count atomic.Int32

	mu  sync.Mutex
	raw []net.Conn
}

func startUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	u := &fakeUpstream{
		host:  "127.0.0.1",
		port:  ln.Addr().(*net.TCPAddr).Port,
		conns: make(chan *protocol.Conn, 4),
	}
	t.Cleanup(func() {
		ln.Close()
		u.mu.Lock()
		defer u.mu.Unlock()
		for _, c := range u.raw {
			c.Close()
		}
	})
	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			u.count.Add(1)
			u.mu.Lock()
			u.raw = append(u.raw, raw)
			u.mu.Unlock()
			c := protocol.NewConn(raw)
			p, err := c.ReadPacket()
			if err != nil {
				continue
			}
			hs, err := protocol.DecodeHandshake(p.Payload)
			if err != nil {
				continue
			}
			p, err = c.ReadPacket()
			if err != nil {
				continue
			}
			start, err := protocol.DecodeLoginStart(hs.Protocol, p.Payload)
			if err != nil {
				continue
			}
			id := profile.OfflineID(start.Name)
			_ = c.WritePacket(protocol.IDLoginSuccess, protocol.LoginSuccess{ID: id, Name: start.Name}.Encode(hs.Protocol))
			_ = c.WritePacket(idJoinGame, []byte("join game"))
			u.conns <- c
		}
	}()
	return u
}

func (u *fakeUpstream) next(t *testing.T) *protocol.Conn {
	t.Helper()
	select {
	case c := <-u.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("upstream connection not opened")
		return nil
	}
}

// startServer runs Serve on a loopback listener and returns its address.
func startServer(t *testing.T, cfg Config) (string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Serve(ctx, ln, cfg) }()
	t.Cleanup(cancel)
	return ln.Addr().String(), cancel, errc
}

func dial(t *testing.T, addr string, proto int32, next int32) *protocol.Conn {
	t.Helper()
	raw, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	_ = raw.SetDeadline(time.Now().Add(10 * time.Second))
	c := protocol.NewConn(raw)
	hs := protocol.Handshake{Protocol: proto, Address: "localhost", Port: 25565, NextState: next}
	if err := c.WritePacket(protocol.IDHandshake, hs.Encode()); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	return c
}

// login runs an offline login as name and returns the connection in the play
// state.
func login(t *testing.T, addr, name string) *protocol.Conn {
	t.Helper()
	c := dial(t, addr, testProto, protocol.StateLogin)
	if err := c.WritePacket(protocol.IDLoginStart, protocol.LoginStart{Name: name}.Encode(testProto)); err != nil {
		t.Fatalf("write login start: %v", err)
	}
	for {
		p, err := c.ReadPacket()
		if err != nil {
			t.Fatalf("read login: %v", err)
		}
		switch p.ID {
		case protocol.IDSetCompression:
			threshold, err := protocol.NewBuffer(p.Payload).ReadVarInt()
			if err != nil {
				t.Fatalf("set compression: %v", err)
			}
			c.SetCompression(int(threshold))
		case protocol.IDLoginSuccess:
			success, err := protocol.DecodeLoginSuccess(p.Payload)
			if err != nil {
				t.Fatalf("login success: %v", err)
			}
			if success.Name != name {
				t.Errorf("login success name = %q, want %q", success.Name, name)
			}
			return c
		case protocol.IDLoginDisconnect:
			reason, _ := protocol.DecodeDisconnect(p.Payload)
			t.Fatalf("disconnected during login: %s", reason)
		default:
			t.Fatalf("unexpected login packet 0x%02x", p.ID)
		}
	}
}

// loginRejected runs a login that must end in a disconnect and returns the
// reason.
func loginRejected(t *testing.T, c *protocol.Conn, name string, proto int32) string {
	t.Helper()
	if err := c.WritePacket(protocol.IDLoginStart, protocol.LoginStart{Name: name}.Encode(proto)); err != nil {
		t.Fatalf("write login start: %v", err)
	}
	p, err := c.ReadPacket()
	if err != nil {
		t.Fatalf("read disconnect: %v", err)
	}
	if p.ID != protocol.IDLoginDisconnect {
		t.Fatalf("packet = 0x%02x, want login disconnect", p.ID)
	}
	reason, err := protocol.DecodeDisconnect(p.Payload)
	if err != nil {
		t.Fatalf("decode disconnect: %v", err)
	}
	return reason
}

func readPacket(t *testing.T, c *protocol.Conn) protocol.Packet {
	t.Helper()
	p, err := c.ReadPacket()
	if err != nil {
		t.Fatalf("read packet: %v", err)
	}
	return p
}

// readChat reads a clientbound classic chat packet and returns its plain
// text and position byte.
func readChat(t *testing.T, c *protocol.Conn) (string, byte) {
	t.Helper()
	p := readPacket(t, c)
	if p.ID != idChatOut {
		t.Fatalf("packet = 0x%02x, want chat 0x%02x", p.ID, idChatOut)
	}
	b := protocol.NewBuffer(p.Payload)
	raw, err := b.ReadText()
	if err != nil {
		t.Fatalf("chat text: %v", err)
	}
	pos, err := b.ReadByte()
	if err != nil {
		t.Fatalf("chat position: %v", err)
	}
	return protocol.PlainText(raw), pos
}

func sendChat(t *testing.T, c *protocol.Conn, text string) {
	t.Helper()
	if err := c.WritePacket(idChatIn, protocol.AppendString(nil, text)); err != nil {
		t.Fatalf("send chat: %v", err)
	}
}

func classicChatPayload(text string, position byte) []byte {
	p := protocol.AppendText(nil, text)
	p = append(p, position)
	return append(p, make([]byte, 16)...)
}

func offlineConfig(u *fakeUpstream) Config {
	return Config{
		ConnectHost:          u.host,
		ConnectPort:          u.port,
		MOTD:                 "Proxy Server",
		CompressionThreshold: 256,
		ConnectTimeout:       5 * time.Second,
	}
}

func TestServeStatus(t *testing.T) {
	addr, _, _ := startServer(t, Config{MOTD: "Proxy Server", MaxConnections: 8, Logger: testLogger()})

	tests := []struct {
		name      string
		proto     int32
		wantProto int64
	}{
		{"supported", testProto, testProto},
		{"unsupported shows newest", 340, 760},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, addr, tt.proto, protocol.StateStatus)
			if err := c.WritePacket(protocol.IDStatusRequest, nil); err != nil {
				t.Fatal(err)
			}
			p := readPacket(t, c)
			js, err := protocol.NewBuffer(p.Payload).ReadString()
			if err != nil {
				t.Fatalf("status json: %v", err)
			}
			if got := gjson.Get(js, "version.protocol").Int(); got != tt.wantProto {
				t.Errorf("version.protocol = %d, want %d", got, tt.wantProto)
			}
			if got := gjson.Get(js, "players.max").Int(); got != 8 {
				t.Errorf("players.max = %d, want 8", got)
			}
			if got := gjson.Get(js, "description.text").String(); got != "Proxy Server" {
				t.Errorf("description = %q", got)
			}

			ping := protocol.AppendLong(nil, 123456789)
			if err := c.WritePacket(protocol.IDPing, ping); err != nil {
				t.Fatal(err)
			}
			p = readPacket(t, c)
			if p.ID != protocol.IDPing || string(p.Payload) != string(ping) {
				t.Errorf("pong = 0x%02x %x, want ping echoed", p.ID, p.Payload)
			}
		})
	}
}

func TestServeUnsupportedVersion(t *testing.T) {
	addr, _, _ := startServer(t, Config{Logger: testLogger()})
	c := dial(t, addr, 340, protocol.StateLogin)
	reason := loginRejected(t, c, "Alice", 340)
	if !strings.Contains(reason, "Unsupported protocol version 340") || !strings.Contains(reason, "1.16") {
		t.Errorf("reason = %q", reason)
	}
}

func TestServeBridgesOfflineLogin(t *testing.T) {
	u := startUpstream(t)
	addr, cancel, errc := startServer(t, offlineConfig(u))

	client := login(t, addr, "Alice")
	up := u.next(t)
	if p := readPacket(t, client); p.ID != idJoinGame {
		t.Fatalf("first play packet = 0x%02x, want join game", p.ID)
	}

	sendChat(t, client, "/quiet")
	if text, _ := readChat(t, client); text != quiet.NoticeEnabled {
		t.Errorf("notice = %q, want %q", text, quiet.NoticeEnabled)
	}
	sendChat(t, client, "hello")
	if text, _ := readChat(t, client); text != quiet.NoticeBlocked {
		t.Errorf("notice = %q, want %q", text, quiet.NoticeBlocked)
	}
	sendChat(t, client, "/say hi")
	p := readPacket(t, up)
	if got, _ := protocol.NewBuffer(p.Payload).ReadString(); p.ID != idChatIn || got != "/say hi" {
		t.Errorf("upstream got 0x%02x %q, want the command only", p.ID, got)
	}

	_ = up.WritePacket(idChatOut, classicChatPayload("<Bob> hi", 0))
	_ = up.WritePacket(idChatOut, classicChatPayload("Server restarting", 1))
	if text, _ := readChat(t, client); text != "Server restarting" {
		t.Errorf("client got %q, want the player chat suppressed", text)
	}

	t.Run("second login rejected", func(t *testing.T) {
		c := dial(t, addr, testProto, protocol.StateLogin)
		if reason := loginRejected(t, c, "alice", testProto); reason != reasonAlreadyOnline {
			t.Errorf("reason = %q", reason)
		}
	})

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve = %v, want nil on shutdown", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if _, err := up.ReadPacket(); err == nil {
		t.Error("upstream still open after shutdown")
	}
}

func TestServeDetachAndRejoin(t *testing.T) {
	u := startUpstream(t)
	addr, _, _ := startServer(t, offlineConfig(u))

	client := login(t, addr, "Alice")
	up := u.next(t)
	readPacket(t, client) // join game
	sendChat(t, client, "/quiet")
	readChat(t, client)
	_ = client.Close()

	// Detached, the proxy answers keep-alives for the absent client.
	keepAlive := protocol.AppendLong(nil, 42)
	deadline := time.Now().Add(5 * time.Second)
	for echoed := false; !echoed; {
		if time.Now().After(deadline) {
			t.Fatal("keep-alive never echoed while detached")
		}
		_ = up.WritePacket(idKeepAliveOut, keepAlive)
		_ = up.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		p, err := up.ReadPacket()
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			// not yet detached
		case err != nil:
			t.Fatalf("read upstream: %v", err)
		default:
			echoed = p.ID == idKeepAliveIn && string(p.Payload) == string(keepAlive)
		}
	}
	_ = up.SetReadDeadline(time.Time{})

	rejoined := login(t, addr, "Alice")
	if p := readPacket(t, rejoined); p.ID != idJoinGame || string(p.Payload) != "join game" {
		t.Errorf("replayed packet = 0x%02x %q, want join game", p.ID, p.Payload)
	}
	if text, _ := readChat(t, rejoined); text != quiet.NoticeEnabled {
		t.Errorf("notice = %q, want quiet mode reminder", text)
	}
	if n := u.count.Load(); n != 1 {
		t.Errorf("upstream connections = %d, want 1", n)
	}

	_ = up.WritePacket(idChatOut, classicChatPayload("welcome back", 1))
	if text, _ := readChat(t, rejoined); text != "welcome back" {
		t.Errorf("client got %q", text)
	}
}

type emptyStore struct{}

func (emptyStore) Load() (*profile.Credentials, error) { return nil, nil }

// encryptLogin answers the proxy's encryption request as an online-mode
// client would and switches c to encryption.
func encryptLogin(t *testing.T, c *protocol.Conn) {
	t.Helper()
	p := readPacket(t, c)
	if p.ID != protocol.IDEncryptionRequest {
		t.Fatalf("packet = 0x%02x, want encryption request", p.ID)
	}
	req, err := protocol.DecodeEncryptionRequest(p.Payload)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := x509.ParsePKIXPublicKey(req.PublicKey)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	key := pub.(*rsa.PublicKey)
	secret := make([]byte, 16)
	_, _ = rand.Read(secret)
	encSecret, err := rsa.EncryptPKCS1v15(rand.Reader, key, secret)
	if err != nil {
		t.Fatal(err)
	}
	encToken, err := rsa.EncryptPKCS1v15(rand.Reader, key, req.VerifyToken)
	if err != nil {
		t.Fatal(err)
	}
	resp := protocol.EncryptionResponse{SharedSecret: encSecret, VerifyToken: encToken}
	if err := c.WritePacket(protocol.IDEncryptionResponse, resp.Encode(testProto)); err != nil {
		t.Fatal(err)
	}
	if err := c.EnableEncryption(secret); err != nil {
		t.Fatal(err)
	}
}

func TestServeIdentityErrorKeepsListening(t *testing.T) {
	sessionSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sessionSrv.Close()

	addr, _, _ := startServer(t, Config{
		ConnectHost:    "127.0.0.1",
		ConnectPort:    1,
		OnlineMode:     true,
		ConnectTimeout: 5 * time.Second,
		Resolver:       &profile.Resolver{Store: emptyStore{}, Logger: testLogger()},
		Session:        session.NewClient(sessionSrv.URL),
	})

	c := dial(t, addr, testProto, protocol.StateLogin)
	if err := c.WritePacket(protocol.IDLoginStart, protocol.LoginStart{Name: "Alice"}.Encode(testProto)); err != nil {
		t.Fatal(err)
	}
	encryptLogin(t, c)
	p := readPacket(t, c)
	if p.ID != protocol.IDLoginDisconnect {
		t.Fatalf("packet = 0x%02x, want disconnect", p.ID)
	}
	reason, _ := protocol.DecodeDisconnect(p.Payload)
	if !strings.Contains(reason, "try it again") {
		t.Errorf("reason = %q, want the store remedy", reason)
	}

	status := dial(t, addr, testProto, protocol.StateStatus)
	if err := status.WritePacket(protocol.IDStatusRequest, nil); err != nil {
		t.Fatal(err)
	}
	if p := readPacket(t, status); p.ID != protocol.IDStatusResponse {
		t.Errorf("status packet = 0x%02x", p.ID)
	}
}

func TestServeUpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	addr, _, _ := startServer(t, Config{
		ConnectHost:    "127.0.0.1",
		ConnectPort:    port,
		ConnectTimeout: 2 * time.Second,
	})
	c := dial(t, addr, testProto, protocol.StateLogin)
	if reason := loginRejected(t, c, "Alice", testProto); reason != reasonUpstreamFailed {
		t.Errorf("reason = %q, want %q", reason, reasonUpstreamFailed)
	}
}

// accountStore holds one logged-in account.
type accountStore struct{ id string }

func (s accountStore) Load() (*profile.Credentials, error) {
	return &profile.Credentials{DisplayName: "Alice", ID: s.id, AccessToken: "token"}, nil
}

func TestAuthenticateSubstitutesStoredID(t *testing.T) {
	sessionSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer sessionSrv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	s := &server{
		cfg: Config{
			OnlineMode: true,
			Resolver:   &profile.Resolver{Store: accountStore{id: "069a79f444e94726a5befca90e38aaf5"}, Logger: testLogger()},
			Session:    session.NewClient(sessionSrv.URL),
		},
		key:    key,
		pubDER: der,
	}

	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()
	type result struct {
		id  uuid.UUID
		err error
	}
	done := make(chan result, 1)
	go func() {
		hs := protocol.Handshake{Protocol: testProto, NextState: protocol.StateLogin}
		id, err := s.authenticate(context.Background(), protocol.NewConn(serverSide), hs, protocol.LoginStart{Name: "Alice"}, testLogger())
		done <- result{id, err}
	}()
	encryptLogin(t, protocol.NewConn(clientSide))

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("authenticate: %v", r.err)
		}
		if want := uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5"); r.id != want {
			t.Errorf("id = %s, want the stored account id %s", r.id, want)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("authenticate did not return")
	}
}

// nopPeer accepts and discards everything.
type nopPeer struct{}

func (nopPeer) Send(protocol.Message) error { return nil }
func (nopPeer) Close() error                { return nil }

func detachedPlayer(t *testing.T, id uuid.UUID) *player {
	t.Helper()
	b := relay.New(relay.Config{Player: "Alice", Logger: testLogger()})
	down := nopPeer{}
	if err := b.Accept(down, testProto); err != nil {
		t.Fatal(err)
	}
	if err := b.Establish(nopPeer{}); err != nil {
		t.Fatal(err)
	}
	b.DownstreamClosed(down)
	if b.State() != relay.DetachedUpstreamOnly {
		t.Fatalf("state = %s, want detached", b.State())
	}
	return &player{bridge: b, id: id, success: protocol.LoginSuccess{Name: "Alice"}}
}

func TestClaimRejoin(t *testing.T) {
	s := &server{players: make(map[string]*player)}
	alice := uuid.MustParse("069a79f4-44e9-4726-a5be-fca90e38aaf5")

	entry := detachedPlayer(t, alice)
	success, err := s.claimRejoin(entry, alice)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if success.Name != "Alice" {
		t.Errorf("login success name = %q", success.Name)
	}
	if _, err := s.claimRejoin(entry, alice); !errors.Is(err, errDuplicateLogin) {
		t.Errorf("second claim err = %v, want %v", err, errDuplicateLogin)
	}
	s.releaseRejoin(entry)
	if _, err := s.claimRejoin(entry, alice); err != nil {
		t.Errorf("claim after release: %v", err)
	}

	other := detachedPlayer(t, alice)
	if _, err := s.claimRejoin(other, uuid.New()); !errors.Is(err, errVerifyFailed) {
		t.Errorf("claim by another account err = %v, want %v", err, errVerifyFailed)
	}

	offline := detachedPlayer(t, uuid.Nil)
	if _, err := s.claimRejoin(offline, uuid.Nil); err != nil {
		t.Errorf("offline claim: %v", err)
	}

	live := detachedPlayer(t, uuid.Nil)
	if err := live.bridge.Reattach(nopPeer{}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.claimRejoin(live, uuid.Nil); !errors.Is(err, errDuplicateLogin) {
		t.Errorf("claim on a bridged session err = %v, want %v", err, errDuplicateLogin)
	}
}
