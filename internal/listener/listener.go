// Package listener accepts Minecraft clients, answers server-list pings,
// authenticates logins, and attaches each player to a session bridge: a new
// one with its own upstream connection, or the detached bridge the player
// left behind.
package listener

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/philsphicas/quietbridge/internal/audit"
	"github.com/philsphicas/quietbridge/internal/metrics"
	"github.com/philsphicas/quietbridge/internal/profile"
	"github.com/philsphicas/quietbridge/internal/protocol"
	"github.com/philsphicas/quietbridge/internal/relay"
	"github.com/philsphicas/quietbridge/internal/session"
	"github.com/philsphicas/quietbridge/internal/upstream"
)

// Disconnect reasons shown to players.
const (
	reasonVerifyFailed   = "Failed to verify username!"
	reasonAlreadyOnline  = "You are already connected through this proxy"
	reasonUpstreamFailed = "Could not connect to the server"
)

// Config holds listener configuration.
type Config struct {
	ListenHost  string
	ListenPort  int
	ConnectHost string
	ConnectPort int

	// OnlineMode authenticates players against the session service.
	OnlineMode bool
	MOTD       string
	// CompressionThreshold is announced to clients; negative disables
	// compression on the downstream side.
	CompressionThreshold int
	MaxConnections       int
	ConnectTimeout       time.Duration
	TCPKeepAlive         time.Duration

	Resolver *profile.Resolver
	Session  *session.Client
	Logger   *slog.Logger
	Metrics  *metrics.Metrics // optional; nil disables metrics
	Audit    *audit.Hub       // optional; nil disables the audit feed
}

// player is one registered session. Fields other than bridge are guarded
// by server.mu.
type player struct {
	bridge  *relay.Bridge
	success protocol.LoginSuccess
	// id is the account the session service vouched for, or uuid.Nil when
	// online mode is off.
	id uuid.UUID
	// rejoining is set while a returning client holds the claim on a
	// detached bridge.
	rejoining bool
}

type server struct {
	cfg    Config
	key    *rsa.PrivateKey
	pubDER []byte
	slots  *connSlots

	mu      sync.Mutex
	players map[string]*player // keyed by lower-cased name

	wg sync.WaitGroup
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	addr := net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return Serve(ctx, ln, cfg)
}

// Serve accepts downstream connections on ln. It blocks until ctx is
// cancelled, then terminates every bridge and returns nil. A failing
// connection or bridge never stops the accept loop.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.TCPKeepAlive == 0 {
		cfg.TCPKeepAlive = 30 * time.Second
	}
	if cfg.Resolver == nil {
		cfg.Resolver = &profile.Resolver{Logger: cfg.Logger}
	}
	if cfg.Session == nil {
		cfg.Session = session.NewClient("")
	}

	s := &server{
		cfg:     cfg,
		slots:   newConnSlots(cfg.MaxConnections),
		players: make(map[string]*player),
	}
	if cfg.OnlineMode {
		key, err := rsa.GenerateKey(rand.Reader, 1024)
		if err != nil {
			return fmt.Errorf("generate server key: %w", err)
		}
		der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return fmt.Errorf("encode server key: %w", err)
		}
		s.key, s.pubDER = key, der
	} else {
		cfg.Logger.Warn("online mode is off, player names are not verified")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	cfg.Logger.Info("listening",
		"addr", ln.Addr(),
		"upstream", net.JoinHostPort(cfg.ConnectHost, strconv.Itoa(cfg.ConnectPort)),
		"online_mode", cfg.OnlineMode,
	)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown(ctx.Err())
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.shutdown(err)
			return fmt.Errorf("accept: %w", err)
		}
		if !s.slots.acquire() {
			cfg.Logger.Warn("connection limit reached, rejecting", "remote", conn.RemoteAddr(), "max", s.slots.limit())
			cfg.Metrics.ConnectionError(metrics.ReasonCapacity)
			_ = conn.Close()
			continue
		}
		relay.TunePeerConn(conn, cfg.TCPKeepAlive)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.slots.release()
			s.handleConnection(ctx, conn)
		}()
	}
}

// shutdown terminates every bridge and waits for the connection handlers.
func (s *server) shutdown(reason error) {
	s.mu.Lock()
	players := lo.Values(s.players)
	s.mu.Unlock()
	for _, p := range players {
		p.bridge.Fail(reason)
	}
	s.wg.Wait()
}

func (s *server) handleConnection(ctx context.Context, raw net.Conn) {
	logger := s.cfg.Logger.With("remote", raw.RemoteAddr())
	defer raw.Close() //nolint:errcheck // best-effort cleanup

	_ = raw.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	conn := protocol.NewConn(raw)
	p, err := conn.ReadPacket()
	if err != nil {
		logger.Debug("read handshake failed", "error", err)
		s.cfg.Metrics.ConnectionError(metrics.ReasonHandshakeError)
		return
	}
	if p.ID != protocol.IDHandshake {
		logger.Debug("unexpected first packet", "id", p.ID)
		s.cfg.Metrics.ConnectionError(metrics.ReasonHandshakeError)
		return
	}
	hs, err := protocol.DecodeHandshake(p.Payload)
	if err != nil {
		logger.Debug("invalid handshake", "error", err)
		s.cfg.Metrics.ConnectionError(metrics.ReasonHandshakeError)
		return
	}

	switch hs.NextState {
	case protocol.StateStatus:
		s.cfg.Metrics.ConnectionAccepted("status")
		s.serveStatus(conn, hs, logger)
	case protocol.StateLogin:
		s.cfg.Metrics.ConnectionAccepted("login")
		s.serveLogin(ctx, raw, conn, hs, logger)
	default:
		logger.Debug("unknown handshake state", "state", hs.NextState)
		s.cfg.Metrics.ConnectionError(metrics.ReasonHandshakeError)
	}
}

// serveStatus answers a server-list ping. Clients of unsupported versions
// are shown the newest supported version so they display as incompatible.
func (s *server) serveStatus(conn *protocol.Conn, hs protocol.Handshake, logger *slog.Logger) {
	table, ok := protocol.TableFor(hs.Protocol)
	if !ok {
		supported := protocol.SupportedProtocols()
		table, _ = protocol.TableFor(supported[len(supported)-1])
	}
	for {
		p, err := conn.ReadPacket()
		if err != nil {
			return
		}
		switch p.ID {
		case protocol.IDStatusRequest:
			resp := protocol.StatusResponse(table.Release, table.Protocol, s.maxPlayers(), s.online(), s.cfg.MOTD)
			if err := conn.WritePacket(protocol.IDStatusResponse, resp); err != nil {
				return
			}
		case protocol.IDPing:
			_ = conn.WritePacket(protocol.IDPing, p.Payload)
			return
		default:
			logger.Debug("unexpected status packet", "id", p.ID)
			return
		}
	}
}

// maxPlayers is the player cap shown in the server list.
func (s *server) maxPlayers() int {
	if n := s.slots.limit(); n > 0 {
		return n
	}
	return 20
}

// online counts the live sessions, detached ones included.
func (s *server) online() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.players)
}

func disconnect(conn *protocol.Conn, reason string) {
	_ = conn.WritePacket(protocol.IDLoginDisconnect, protocol.DisconnectPayload(reason))
}

func unsupportedReason(proto int32) string {
	supported := protocol.SupportedProtocols()
	first, _ := protocol.TableFor(supported[0])
	last, _ := protocol.TableFor(supported[len(supported)-1])
	return fmt.Sprintf("Unsupported protocol version %d: this proxy supports Minecraft %s to %s", proto, first.Release, last.Release)
}

func (s *server) serveLogin(ctx context.Context, raw net.Conn, conn *protocol.Conn, hs protocol.Handshake, logger *slog.Logger) {
	table, ok := protocol.TableFor(hs.Protocol)
	if !ok {
		logger.Warn("unsupported protocol version", "protocol", hs.Protocol)
		s.cfg.Metrics.ConnectionError(metrics.ReasonUnsupportedVersion)
		disconnect(conn, unsupportedReason(hs.Protocol))
		return
	}

	p, err := conn.ReadPacket()
	if err != nil || p.ID != protocol.IDLoginStart {
		logger.Debug("read login start failed", "error", err)
		s.cfg.Metrics.ConnectionError(metrics.ReasonHandshakeError)
		return
	}
	start, err := protocol.DecodeLoginStart(hs.Protocol, p.Payload)
	if err != nil {
		logger.Debug("invalid login start", "error", err)
		s.cfg.Metrics.ConnectionError(metrics.ReasonHandshakeError)
		return
	}
	logger = logger.With("player", start.Name, "protocol", hs.Protocol)

	if existing := s.lookup(start.Name); existing != nil {
		switch existing.bridge.State() {
		case relay.DetachedUpstreamOnly:
			s.rejoin(ctx, raw, conn, hs, table, start, existing, logger)
			return
		case relay.Terminated:
		default:
			logger.Warn("player already has a live session")
			disconnect(conn, reasonAlreadyOnline)
			return
		}
	}

	b := relay.New(relay.Config{
		Player:  start.Name,
		Logger:  s.cfg.Logger,
		Metrics: s.cfg.Metrics,
		Audit:   s.cfg.Audit,
	})
	entry := &player{bridge: b}
	if !s.register(start.Name, entry) {
		logger.Warn("player already has a live session")
		disconnect(conn, reasonAlreadyOnline)
		b.Fail(errDuplicateLogin)
		return
	}
	go func() {
		<-b.Done()
		s.unregister(start.Name, entry)
	}()

	down := protocol.NewEndpoint(conn, table, protocol.Serverbound)
	if err := b.Accept(down, hs.Protocol); err != nil {
		b.Fail(err)
		return
	}

	id, err := s.authenticate(ctx, conn, hs, start, logger)
	if err != nil {
		s.failLogin(conn, b, err, logger)
		return
	}
	s.mu.Lock()
	entry.id = id
	s.mu.Unlock()

	identity, err := s.cfg.Resolver.Resolve(start.Name)
	if err != nil {
		s.failLogin(conn, b, err, logger)
		return
	}

	dialStart := time.Now()
	up, success, err := upstream.Connect(ctx, upstream.Config{
		Host:           s.cfg.ConnectHost,
		Port:           s.cfg.ConnectPort,
		Protocol:       hs.Protocol,
		Identity:       identity,
		Session:        s.cfg.Session,
		ConnectTimeout: s.cfg.ConnectTimeout,
		TCPKeepAlive:   s.cfg.TCPKeepAlive,
		Logger:         logger,
	})
	s.cfg.Metrics.ObserveDialDuration(time.Since(dialStart).Seconds())
	if err != nil {
		s.failLogin(conn, b, err, logger)
		return
	}
	upPeer := protocol.NewEndpoint(up, table, protocol.Clientbound)

	s.mu.Lock()
	entry.success = success
	s.mu.Unlock()

	_ = raw.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	if err := s.finishLogin(conn, hs.Protocol, success); err != nil {
		_ = up.Close()
		b.Fail(&relay.PeerClosedError{Side: protocol.Clientbound, Err: err})
		return
	}
	_ = raw.SetDeadline(time.Time{})

	if err := b.Establish(upPeer); err != nil {
		_ = up.Close()
		return
	}
	go pumpUpstream(b, upPeer)
	pumpDownstream(b, down)
}

// rejoin attaches a returning player to their detached bridge.
func (s *server) rejoin(ctx context.Context, raw net.Conn, conn *protocol.Conn, hs protocol.Handshake, table *protocol.Table, start protocol.LoginStart, entry *player, logger *slog.Logger) {
	b := entry.bridge
	if b.Protocol() != hs.Protocol {
		logger.Warn("rejoin with a different protocol version", "session_protocol", b.Protocol())
		if t, ok := protocol.TableFor(b.Protocol()); ok {
			disconnect(conn, "Your session is still running; rejoin with Minecraft "+t.Release)
		}
		return
	}
	id, err := s.authenticate(ctx, conn, hs, start, logger)
	if err != nil {
		logger.Warn("rejoin authentication failed", "error", err)
		s.cfg.Metrics.ConnectionError(metrics.ReasonAuthFailed)
		disconnect(conn, reasonVerifyFailed)
		return
	}

	success, err := s.claimRejoin(entry, id)
	if err != nil {
		logger.Warn("rejoin refused", "error", err)
		if errors.Is(err, errVerifyFailed) {
			s.cfg.Metrics.ConnectionError(metrics.ReasonAuthFailed)
			disconnect(conn, reasonVerifyFailed)
		} else {
			disconnect(conn, reasonAlreadyOnline)
		}
		return
	}

	if err := s.finishLogin(conn, hs.Protocol, success); err != nil {
		s.releaseRejoin(entry)
		logger.Debug("rejoin login failed", "error", err)
		return
	}
	_ = raw.SetDeadline(time.Time{})

	down := protocol.NewEndpoint(conn, table, protocol.Serverbound)
	err = b.Reattach(down)
	s.releaseRejoin(entry)
	if err != nil {
		// Only a terminated bridge refuses; the client is past login and
		// can only be dropped.
		logger.Warn("rejoin failed", "error", err)
		return
	}
	pumpDownstream(b, down)
}

// claimRejoin reserves the detached bridge of entry for one returning
// client that authenticated as id, and returns the login success to send.
// The claim holds until releaseRejoin.
func (s *server) claimRejoin(entry *player, id uuid.UUID) (protocol.LoginSuccess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.id != uuid.Nil && id != entry.id {
		return protocol.LoginSuccess{}, fmt.Errorf("%w: session belongs to %s", errVerifyFailed, entry.id)
	}
	if entry.rejoining || entry.bridge.State() != relay.DetachedUpstreamOnly {
		return protocol.LoginSuccess{}, errDuplicateLogin
	}
	entry.rejoining = true
	return entry.success, nil
}

func (s *server) releaseRejoin(entry *player) {
	s.mu.Lock()
	entry.rejoining = false
	s.mu.Unlock()
}

// failLogin disconnects the player with a reason matching err and
// terminates the bridge.
func (s *server) failLogin(conn *protocol.Conn, b *relay.Bridge, err error, logger *slog.Logger) {
	var (
		identityErr *profile.IdentityError
		rejected    *upstream.RejectedError
	)
	reason := reasonUpstreamFailed
	switch {
	case errors.As(err, &identityErr):
		s.cfg.Metrics.ConnectionError(metrics.ReasonIdentityError)
		reason = identityErr.Error()
	case errors.Is(err, errVerifyFailed):
		s.cfg.Metrics.ConnectionError(metrics.ReasonAuthFailed)
		reason = reasonVerifyFailed
	case errors.As(err, &rejected):
		s.cfg.Metrics.ConnectionError(metrics.ReasonUpstreamLogin)
		reason = rejected.Reason
	case errors.Is(err, upstream.ErrOfflineIdentity):
		s.cfg.Metrics.ConnectionError(metrics.ReasonUpstreamLogin)
		reason = "The server is in online mode and the proxy has no logged-in account"
	default:
		s.cfg.Metrics.ConnectionError(metrics.DialReason(err, metrics.ReasonDialFailed))
	}
	logger.Warn("login failed", "error", err)
	disconnect(conn, reason)
	b.Fail(err)
}

var (
	errVerifyFailed   = errors.New("player verification failed")
	errDuplicateLogin = errors.New("duplicate login")
)

// authenticate verifies an online-mode login: it exchanges the shared
// secret, switches the connection to encryption and asks the session
// service whether the player joined. It returns the verified account id.
// When the service confirms without a profile, the stored account id stands
// in for it. Offline mode accepts the stated name and returns uuid.Nil.
//
// The id only binds the session to an account; the profile the client sees
// is always the one the upstream server assigned.
func (s *server) authenticate(ctx context.Context, conn *protocol.Conn, hs protocol.Handshake, start protocol.LoginStart, logger *slog.Logger) (uuid.UUID, error) {
	if !s.cfg.OnlineMode {
		return uuid.Nil, nil
	}
	token := make([]byte, 4)
	if _, err := rand.Read(token); err != nil {
		return uuid.Nil, fmt.Errorf("generate verify token: %w", err)
	}
	req := protocol.EncryptionRequest{PublicKey: s.pubDER, VerifyToken: token}
	if err := conn.WritePacket(protocol.IDEncryptionRequest, req.Encode()); err != nil {
		return uuid.Nil, fmt.Errorf("send encryption request: %w", err)
	}
	p, err := conn.ReadPacket()
	if err != nil {
		return uuid.Nil, fmt.Errorf("read encryption response: %w", err)
	}
	if p.ID != protocol.IDEncryptionResponse {
		return uuid.Nil, fmt.Errorf("%w: unexpected packet 0x%02x", errVerifyFailed, p.ID)
	}
	resp, err := protocol.DecodeEncryptionResponse(hs.Protocol, p.Payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", errVerifyFailed, err)
	}
	secret, err := rsa.DecryptPKCS1v15(rand.Reader, s.key, resp.SharedSecret)
	if err != nil || len(secret) != 16 {
		return uuid.Nil, fmt.Errorf("%w: bad shared secret", errVerifyFailed)
	}
	// Clients holding a profile key sign the token instead; the signature is
	// not checked.
	if resp.VerifyToken != nil {
		got, err := rsa.DecryptPKCS1v15(rand.Reader, s.key, resp.VerifyToken)
		if err != nil || !bytes.Equal(got, token) {
			return uuid.Nil, fmt.Errorf("%w: verify token mismatch", errVerifyFailed)
		}
	}
	if err := conn.EnableEncryption(secret); err != nil {
		return uuid.Nil, err
	}

	hash := session.ServerHash("", secret, s.pubDER)
	joined, err := s.cfg.Session.HasJoined(ctx, start.Name, hash)
	switch {
	case errors.Is(err, session.ErrNoProfile):
		logger.Warn("session server returned no profile, trying the stored account id")
		id, err := s.cfg.Resolver.FallbackID()
		if err != nil {
			return uuid.Nil, err
		}
		logger.Info("player verified with stored id", "id", id)
		return id, nil
	case err != nil:
		return uuid.Nil, fmt.Errorf("%w: %v", errVerifyFailed, err)
	}
	if !strings.EqualFold(joined.Name, start.Name) {
		return uuid.Nil, fmt.Errorf("%w: session profile is %q", errVerifyFailed, joined.Name)
	}
	logger.Info("player verified", "id", joined.ID)
	return joined.ID, nil
}

// finishLogin enables compression and completes the downstream login with
// the profile the upstream server assigned.
func (s *server) finishLogin(conn *protocol.Conn, proto int32, success protocol.LoginSuccess) error {
	if t := s.cfg.CompressionThreshold; t >= 0 {
		if err := conn.WritePacket(protocol.IDSetCompression, protocol.AppendVarInt(nil, int32(t))); err != nil {
			return fmt.Errorf("send set compression: %w", err)
		}
		conn.SetCompression(t)
	}
	if err := conn.WritePacket(protocol.IDLoginSuccess, success.Encode(proto)); err != nil {
		return fmt.Errorf("send login success: %w", err)
	}
	return nil
}

func (s *server) lookup(name string) *player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.players[strings.ToLower(name)]
}

// register adds p unless the name already has a live session.
func (s *server) register(name string, p *player) bool {
	key := strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.players[key]; ok && old.bridge.State() != relay.Terminated {
		return false
	}
	s.players[key] = p
	return true
}

func (s *server) unregister(name string, p *player) {
	key := strings.ToLower(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.players[key] == p {
		delete(s.players, key)
	}
}

// pumpUpstream relays server messages into the bridge until the upstream
// closes. While no downstream is attached it answers keep-alives itself so
// the server keeps the session.
func pumpUpstream(b *relay.Bridge, up *protocol.Endpoint) {
	for {
		m, err := up.Receive()
		if err != nil {
			b.UpstreamClosed(err)
			return
		}
		delivered, err := b.HandleDownstreamBound(m)
		if err != nil {
			return
		}
		if !delivered && m.Name == protocol.NameKeepAlive {
			if err := up.Send(m); err != nil {
				b.UpstreamClosed(err)
				return
			}
		}
	}
}

// pumpDownstream relays player messages into the bridge until the
// downstream closes.
func pumpDownstream(b *relay.Bridge, down *protocol.Endpoint) {
	defer down.Close() //nolint:errcheck // best-effort cleanup
	for {
		m, err := down.Receive()
		if err != nil {
			b.DownstreamClosed(down)
			return
		}
		if err := b.HandleUpstreamBound(m); err != nil {
			return
		}
	}
}
