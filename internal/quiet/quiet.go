// Package quiet holds the quiet-mode rules: which chat messages a bridge
// forwards, suppresses or treats as the toggle command while the player has
// quiet mode on.
package quiet

import (
	"strings"

	"github.com/philsphicas/quietbridge/internal/chat"
)

// Command is the token that toggles quiet mode, either as a chat_command
// payload or, with a leading slash, as chat text.
const Command = "quiet"

// Notices shown to the player.
const (
	NoticeEnabled  = "Quiet mode enabled"
	NoticeDisabled = "Quiet mode disabled"
	NoticeBlocked  = "Can't send messages while in quiet mode"
)

// Verdict is the outcome of filtering one message.
type Verdict int

const (
	Forward Verdict = iota
	Suppress
	// Toggle flips quiet mode; the message is not forwarded.
	Toggle
)

func (v Verdict) String() string {
	switch v {
	case Forward:
		return "forward"
	case Suppress:
		return "suppress"
	case Toggle:
		return "toggle"
	default:
		return "unknown"
	}
}

// Mode is the per-bridge quiet-mode flag. It has no locking of its own; the
// owning bridge serializes access.
type Mode struct {
	enabled bool
}

// Enabled reports whether quiet mode is on.
func (m *Mode) Enabled() bool { return m.enabled }

// Toggle flips quiet mode and returns the notice announcing the new state.
func (m *Mode) Toggle() string {
	m.enabled = !m.enabled
	return ToggleNotice(m.enabled)
}

// ToggleNotice returns the notice for a quiet mode that is now enabled or
// disabled.
func ToggleNotice(enabled bool) string {
	if enabled {
		return NoticeEnabled
	}
	return NoticeDisabled
}

// UpstreamBound filters a message the player sent. A Suppress verdict means
// the bridge owes the player a NoticeBlocked notice.
func UpstreamBound(env chat.Envelope, enabled bool) Verdict {
	if env.Command {
		if env.Text == Command {
			return Toggle
		}
		return Forward
	}
	if strings.HasPrefix(env.Text, "/"+Command) {
		return Toggle
	}
	if enabled && !strings.HasPrefix(env.Text, "/") {
		return Suppress
	}
	return Forward
}

// DownstreamBound filters a chat-category message the server sent. isChat is
// the codec's classification; system and game-info messages always pass.
func DownstreamBound(env chat.Envelope, isChat, enabled bool, epoch chat.Epoch) Verdict {
	if !enabled || !isChat {
		return Forward
	}
	// From 1.19 on, player chat has its own packet and cannot be told apart
	// from other chat types, so all of it goes.
	if epoch >= chat.SignedOptional {
		return Suppress
	}
	if strings.HasPrefix(env.Text, "<") {
		return Suppress
	}
	return Forward
}
