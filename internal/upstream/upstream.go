// Package upstream connects the proxy to the real server and logs in as the
// resolved identity, in the protocol version the downstream client speaks.
package upstream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/philsphicas/quietbridge/internal/profile"
	"github.com/philsphicas/quietbridge/internal/protocol"
	"github.com/philsphicas/quietbridge/internal/relay"
	"github.com/philsphicas/quietbridge/internal/session"
)

// ErrOfflineIdentity is returned when an online-mode server asks for
// encryption but the identity has no account to join with.
var ErrOfflineIdentity = errors.New("upstream server is in online mode but no account is logged in")

// RejectedError reports that the server disconnected the proxy during login.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "upstream rejected login: " + e.Reason
}

// Config holds the upstream connection parameters.
type Config struct {
	Host     string
	Port     int
	Protocol int32
	Identity profile.Identity
	// Session joins the session service when the server is in online mode.
	Session *session.Client

	ConnectTimeout time.Duration
	TCPKeepAlive   time.Duration
	Logger         *slog.Logger
}

// Connect dials the server and completes the login sequence. The returned
// connection is in the play state with compression and encryption set up
// the way the server asked.
func Connect(ctx context.Context, cfg Config) (*protocol.Conn, protocol.LoginSuccess, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	raw, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, protocol.LoginSuccess{}, fmt.Errorf("dial upstream %s: %w", addr, err)
	}
	relay.TunePeerConn(raw, cfg.TCPKeepAlive)

	// Login must finish within the connect timeout; play traffic has no
	// deadline.
	_ = raw.SetDeadline(time.Now().Add(cfg.ConnectTimeout))
	conn := protocol.NewConn(raw)
	success, err := login(dialCtx, conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, protocol.LoginSuccess{}, err
	}
	_ = raw.SetDeadline(time.Time{})
	cfg.Logger.Info("logged in to upstream", "addr", addr, "name", success.Name, "id", success.ID)
	return conn, success, nil
}

func login(ctx context.Context, conn *protocol.Conn, cfg Config) (protocol.LoginSuccess, error) {
	hs := protocol.Handshake{
		Protocol:  cfg.Protocol,
		Address:   cfg.Host,
		Port:      uint16(cfg.Port),
		NextState: protocol.StateLogin,
	}
	if err := conn.WritePacket(protocol.IDHandshake, hs.Encode()); err != nil {
		return protocol.LoginSuccess{}, fmt.Errorf("send handshake: %w", err)
	}
	start := protocol.LoginStart{
		Name:  cfg.Identity.Name,
		ID:    cfg.Identity.ID,
		HasID: cfg.Identity.Authenticated,
	}
	if err := conn.WritePacket(protocol.IDLoginStart, start.Encode(cfg.Protocol)); err != nil {
		return protocol.LoginSuccess{}, fmt.Errorf("send login start: %w", err)
	}

	for {
		p, err := conn.ReadPacket()
		if err != nil {
			return protocol.LoginSuccess{}, fmt.Errorf("read login packet: %w", err)
		}
		switch p.ID {
		case protocol.IDLoginDisconnect:
			reason, err := protocol.DecodeDisconnect(p.Payload)
			if err != nil {
				return protocol.LoginSuccess{}, err
			}
			return protocol.LoginSuccess{}, &RejectedError{Reason: reason}

		case protocol.IDEncryptionRequest:
			req, err := protocol.DecodeEncryptionRequest(p.Payload)
			if err != nil {
				return protocol.LoginSuccess{}, err
			}
			if err := encrypt(ctx, conn, cfg, req); err != nil {
				return protocol.LoginSuccess{}, err
			}

		case protocol.IDSetCompression:
			threshold, err := protocol.NewBuffer(p.Payload).ReadVarInt()
			if err != nil {
				return protocol.LoginSuccess{}, fmt.Errorf("set compression: %w", err)
			}
			conn.SetCompression(int(threshold))

		case protocol.IDLoginPluginRequest:
			resp, err := protocol.LoginPluginNotUnderstood(p.Payload)
			if err != nil {
				return protocol.LoginSuccess{}, err
			}
			if err := conn.WritePacket(protocol.IDLoginPluginResponse, resp); err != nil {
				return protocol.LoginSuccess{}, fmt.Errorf("send login plugin response: %w", err)
			}

		case protocol.IDLoginSuccess:
			return protocol.DecodeLoginSuccess(p.Payload)

		default:
			return protocol.LoginSuccess{}, fmt.Errorf("unexpected login packet 0x%02x", p.ID)
		}
	}
}

// encrypt answers an encryption request: it announces the join to the
// session service, sends the RSA-encrypted secret and token, and switches
// the connection to AES/CFB8.
func encrypt(ctx context.Context, conn *protocol.Conn, cfg Config, req protocol.EncryptionRequest) error {
	if !cfg.Identity.Authenticated || cfg.Session == nil {
		return ErrOfflineIdentity
	}
	key, err := x509.ParsePKIXPublicKey(req.PublicKey)
	if err != nil {
		return fmt.Errorf("parse server key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("server key is %T, not RSA", key)
	}

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate shared secret: %w", err)
	}
	hash := session.ServerHash(req.ServerID, secret, req.PublicKey)
	if err := cfg.Session.Join(ctx, cfg.Identity.AccessToken, cfg.Identity.ID, hash); err != nil {
		return err
	}

	encSecret, err := rsa.EncryptPKCS1v15(rand.Reader, pub, secret)
	if err != nil {
		return fmt.Errorf("encrypt shared secret: %w", err)
	}
	encToken, err := rsa.EncryptPKCS1v15(rand.Reader, pub, req.VerifyToken)
	if err != nil {
		return fmt.Errorf("encrypt verify token: %w", err)
	}
	resp := protocol.EncryptionResponse{SharedSecret: encSecret, VerifyToken: encToken}
	if err := conn.WritePacket(protocol.IDEncryptionResponse, resp.Encode(cfg.Protocol)); err != nil {
		return fmt.Errorf("send encryption response: %w", err)
	}
	return conn.EnableEncryption(secret)
}
