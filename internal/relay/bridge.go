package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/philsphicas/quietbridge/internal/audit"
	"github.com/philsphicas/quietbridge/internal/chat"
	"github.com/philsphicas/quietbridge/internal/metrics"
	"github.com/philsphicas/quietbridge/internal/protocol"
	"github.com/philsphicas/quietbridge/internal/quiet"
)

// State is the lifecycle state of a Bridge.
type State int

const (
	// Connecting: no downstream accepted yet.
	Connecting State = iota
	// Authenticating: downstream accepted, upstream login in progress.
	Authenticating
	// Bridged: both peers attached.
	Bridged
	// DetachedUpstreamOnly: the downstream left; the upstream session and
	// quiet mode are kept for a later re-attachment.
	DetachedUpstreamOnly
	// Terminated: the upstream closed or a fatal error occurred.
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Bridged:
		return "bridged"
	case DetachedUpstreamOnly:
		return "detached"
	case Terminated:
		return "terminated"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrInvalidTransition is returned when a lifecycle call does not apply to
// the bridge's current state.
var ErrInvalidTransition = errors.New("invalid bridge state transition")

// PeerClosedError reports that one side of a bridge went away.
type PeerClosedError struct {
	// Side is Serverbound for the upstream peer, Clientbound for the
	// downstream peer.
	Side protocol.Direction
	Err  error
}

func (e *PeerClosedError) Error() string {
	if e.Err == nil {
		return e.Side.String() + " peer closed"
	}
	return e.Side.String() + " peer closed: " + e.Err.Error()
}

func (e *PeerClosedError) Unwrap() error { return e.Err }

// Peer is one attached connection.
type Peer interface {
	Send(protocol.Message) error
	Close() error
}

// Config holds the collaborators of a Bridge.
type Config struct {
	// Player names the session in logs, metrics and audit records.
	Player  string
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
	Audit   *audit.Hub       // optional; nil disables the audit feed
}

// Bridge is one player session: exactly one upstream connection and at most
// one downstream connection, with the quiet-mode flag that filters chat
// between them. The upstream outlives any single downstream attachment.
//
// The two pumps call HandleUpstreamBound and HandleDownstreamBound
// concurrently. mu guards the state, quiet mode and both peer handles;
// network writes happen outside it. sendMu orders writes to the downstream
// and is never acquired while mu is held.
type Bridge struct {
	player  string
	logger  *slog.Logger
	metrics *metrics.Metrics
	audit   *audit.Hub
	started time.Time

	sendMu sync.Mutex

	mu         sync.Mutex
	state      State
	protocol   int32
	epoch      chat.Epoch
	quiet      quiet.Mode
	upstream   Peer
	downstream Peer
	joinGame   *protocol.Message
	err        error
	done       chan struct{}
}

// New returns a bridge in the Connecting state.
func New(cfg Config) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		player:  cfg.Player,
		logger:  logger.With("player", cfg.Player),
		metrics: cfg.Metrics,
		audit:   cfg.Audit,
		started: time.Now(),
		state:   Connecting,
		done:    make(chan struct{}),
	}
	b.metrics.BridgeTransition("", Connecting.String())
	return b
}

// setState moves the bridge to s. Callers hold mu.
func (b *Bridge) setState(s State) {
	from := b.state
	b.state = s
	to := s.String()
	if s == Terminated {
		to = ""
	}
	b.metrics.BridgeTransition(from.String(), to)
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Protocol returns the protocol version negotiated by the first downstream.
func (b *Bridge) Protocol() int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.protocol
}

// Player returns the name the bridge was created for.
func (b *Bridge) Player() string { return b.player }

// QuietMode reports whether quiet mode is on.
func (b *Bridge) QuietMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.quiet.Enabled()
}

// Done is closed when the bridge terminates.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Err returns the error that terminated the bridge, or nil.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Accept attaches the first downstream and starts authentication. The
// protocol version fixes the chat epoch for the bridge's lifetime.
func (b *Bridge) Accept(downstream Peer, protocolVersion int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != Connecting {
		return fmt.Errorf("accept in state %s: %w", b.state, ErrInvalidTransition)
	}
	b.downstream = downstream
	b.protocol = protocolVersion
	b.epoch = chat.EpochFor(protocolVersion)
	b.setState(Authenticating)
	return nil
}

// Establish attaches the logged-in upstream and starts relaying.
func (b *Bridge) Establish(upstream Peer) error {
	b.mu.Lock()
	if b.state != Authenticating {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("establish in state %s: %w", state, ErrInvalidTransition)
	}
	b.upstream = upstream
	b.setState(Bridged)
	b.mu.Unlock()
	b.logger.Info("bridge established", "epoch", b.epoch)
	return nil
}

// Fail terminates the bridge with err and closes both peers. It is a no-op
// on a terminated bridge.
func (b *Bridge) Fail(err error) {
	b.terminate(err)
}

// UpstreamClosed terminates the bridge; a lost upstream always ends it.
func (b *Bridge) UpstreamClosed(err error) {
	b.terminate(&PeerClosedError{Side: protocol.Serverbound, Err: err})
}

func (b *Bridge) terminate(err error) {
	b.mu.Lock()
	if b.state == Terminated {
		b.mu.Unlock()
		return
	}
	b.setState(Terminated)
	b.err = err
	up, down := b.upstream, b.downstream
	b.upstream, b.downstream = nil, nil
	close(b.done)
	b.mu.Unlock()

	closePeer(up)
	closePeer(down)

	var closed *PeerClosedError
	if err == nil || errors.As(err, &closed) || errors.Is(err, context.Canceled) {
		b.logger.Info("bridge terminated", "reason", err)
	} else {
		b.logger.Error("bridge terminated", "error", err)
	}
	b.metrics.BridgeDone(time.Since(b.started).Seconds(), err)
}

func closePeer(p Peer) {
	if p != nil {
		_ = p.Close() // best-effort; the pump sees the close
	}
}

// DownstreamClosed handles the departure of downstream. In the Bridged state
// the bridge detaches and keeps the upstream session. During authentication
// there is nothing to keep, so the bridge terminates. Calls for a peer that
// is no longer attached are ignored.
func (b *Bridge) DownstreamClosed(downstream Peer) {
	b.mu.Lock()
	if b.downstream != downstream {
		b.mu.Unlock()
		return
	}
	switch b.state {
	case Bridged:
		b.downstream = nil
		b.setState(DetachedUpstreamOnly)
		quietOn := b.quiet.Enabled()
		b.mu.Unlock()
		b.logger.Info("downstream disconnected, upstream session retained", "quiet", quietOn)
		b.metrics.Detached()
	case Connecting, Authenticating:
		b.mu.Unlock()
		b.terminate(&PeerClosedError{Side: protocol.Clientbound})
	default:
		b.mu.Unlock()
	}
}

// Reattach attaches a new downstream to a detached bridge. The cached join
// packet is replayed so the client enters the world the session is in; no
// server traffic reaches the new downstream before it.
func (b *Bridge) Reattach(downstream Peer) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	b.mu.Lock()
	if b.state != DetachedUpstreamOnly {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("reattach in state %s: %w", state, ErrInvalidTransition)
	}
	b.downstream = downstream
	b.setState(Bridged)
	join := b.joinGame
	quietOn := b.quiet.Enabled()
	epoch := b.epoch
	b.mu.Unlock()

	b.logger.Info("downstream re-attached to upstream session", "quiet", quietOn)
	b.metrics.Reattached()
	if join != nil {
		if err := downstream.Send(*join); err != nil {
			return fmt.Errorf("replay join packet: %w", err)
		}
	}
	if quietOn {
		b.sendNoticeLocked(downstream, epoch, quiet.NoticeEnabled)
	}
	return nil
}

// HandleUpstreamBound filters one message the player sent. Chat runs
// through the codec and quiet mode; everything else goes to the upstream
// unchanged. A returned error has terminated the bridge.
func (b *Bridge) HandleUpstreamBound(m protocol.Message) error {
	b.mu.Lock()
	if b.state != Bridged {
		b.mu.Unlock()
		return nil
	}
	up, down, epoch := b.upstream, b.downstream, b.epoch
	if !chat.Intercepts(m) {
		b.mu.Unlock()
		return b.forwardUpstream(up, m)
	}
	env, _, err := chat.Decode(protocol.Serverbound, epoch, m)
	if err != nil {
		b.mu.Unlock()
		b.terminate(err)
		return err
	}
	verdict := quiet.UpstreamBound(env, b.quiet.Enabled())
	var notice string
	switch verdict {
	case quiet.Toggle:
		notice = b.quiet.Toggle()
	case quiet.Suppress:
		notice = quiet.NoticeBlocked
	}
	quietOn := b.quiet.Enabled()
	b.mu.Unlock()

	b.record(protocol.Serverbound, env, verdict, quietOn)
	switch verdict {
	case quiet.Toggle:
		b.logger.Info("quiet mode toggled", "enabled", quietOn)
		b.metrics.QuietToggled(quietOn)
		b.sendNotice(down, epoch, notice)
		return nil
	case quiet.Suppress:
		b.sendNotice(down, epoch, notice)
		return nil
	default:
		return b.forwardUpstream(up, m)
	}
}

func (b *Bridge) forwardUpstream(up Peer, m protocol.Message) error {
	if err := up.Send(m); err != nil {
		b.UpstreamClosed(err)
		return fmt.Errorf("send upstream: %w", err)
	}
	return nil
}

// HandleDownstreamBound filters one message the server sent. It reports
// whether the message was handed to an attached downstream; while detached
// every message is dropped. A returned error has terminated the bridge.
func (b *Bridge) HandleDownstreamBound(m protocol.Message) (bool, error) {
	b.mu.Lock()
	if b.joinGame == nil && m.Name == "" {
		cached := m
		b.joinGame = &cached
	}
	if b.state != Bridged {
		b.mu.Unlock()
		return false, nil
	}
	down, epoch := b.downstream, b.epoch
	if !chat.Intercepts(m) {
		b.mu.Unlock()
		b.forwardDownstream(down, m)
		return true, nil
	}
	env, isChat, err := chat.Decode(protocol.Clientbound, epoch, m)
	if err != nil {
		b.mu.Unlock()
		b.terminate(err)
		return false, err
	}
	quietOn := b.quiet.Enabled()
	verdict := quiet.DownstreamBound(env, isChat, quietOn, epoch)
	b.mu.Unlock()

	b.record(protocol.Clientbound, env, verdict, quietOn)
	if verdict == quiet.Suppress {
		return true, nil
	}
	b.forwardDownstream(down, m)
	return true, nil
}

func (b *Bridge) forwardDownstream(down Peer, m protocol.Message) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	if err := down.Send(m); err != nil {
		b.logger.Debug("send downstream failed", "packet", m.ID, "error", err)
	}
}

func (b *Bridge) sendNotice(down Peer, epoch chat.Epoch, text string) {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	b.sendNoticeLocked(down, epoch, text)
}

// sendNoticeLocked is sendNotice for callers holding sendMu.
func (b *Bridge) sendNoticeLocked(down Peer, epoch chat.Epoch, text string) {
	if down == nil {
		return
	}
	if err := down.Send(chat.EncodeSystemNotice(epoch, text)); err != nil {
		b.logger.Debug("send notice failed", "notice", text, "error", err)
		return
	}
	b.metrics.NoticeSent(b.player)
}

// record logs, counts and publishes one chat verdict.
func (b *Bridge) record(dir protocol.Direction, env chat.Envelope, verdict quiet.Verdict, quietOn bool) {
	b.logger.Info("chat",
		"direction", dir,
		"verdict", verdict,
		"position", env.Position,
		"sender", env.Sender,
		"text", env.Text,
	)
	b.metrics.ChatMessage(b.player, dir.String(), verdict.String())
	b.audit.Publish(audit.Record{
		Player:    b.player,
		Direction: dir.String(),
		Verdict:   verdict.String(),
		Sender:    env.Sender,
		Text:      env.Text,
		Quiet:     quietOn,
	})
}
