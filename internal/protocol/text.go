package protocol

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// translations holds the vanilla chat formats the proxy needs to render
// player chat the way the client shows it.
var translations = map[string]string{
	"chat.type.text":                    "<%s> %s",
	"chat.type.text.narrate":            "%s says %s",
	"chat.type.announcement":            "[%s] %s",
	"chat.type.emote":                   "* %s %s",
	"chat.type.admin":                   "[%s: %s]",
	"chat.type.team.text":               "%s <%s> %s",
	"chat.type.team.sent":               "-> %s <%s> %s",
	"commands.message.display.incoming": "%s whispers to you: %s",
	"commands.message.display.outgoing": "You whisper to %s: %s",
	"multiplayer.player.joined":         "%s joined the game",
	"multiplayer.player.left":           "%s left the game",
}

// TextComponent builds the JSON text component for a plain string.
func TextComponent(s string) string {
	out, _ := sjson.Set(`{}`, "text", s) // static path, cannot fail
	return out
}

// PlainText flattens a JSON text component into the string a vanilla client
// would display, without formatting. Input that is not JSON is returned as-is.
func PlainText(raw string) string {
	if !gjson.Valid(raw) {
		return raw
	}
	var sb strings.Builder
	writeComponent(&sb, gjson.Parse(raw))
	return sb.String()
}

func writeComponent(sb *strings.Builder, c gjson.Result) {
	switch {
	case c.Type == gjson.String:
		sb.WriteString(c.Str)
	case c.IsArray():
		for _, e := range c.Array() {
			writeComponent(sb, e)
		}
	case c.IsObject():
		if t := c.Get("text"); t.Exists() {
			sb.WriteString(t.String())
		} else if key := c.Get("translate"); key.Exists() {
			writeTranslation(sb, key.String(), c.Get("with").Array())
		}
		for _, e := range c.Get("extra").Array() {
			writeComponent(sb, e)
		}
	case c.Exists():
		sb.WriteString(c.String())
	}
}

func writeTranslation(sb *strings.Builder, key string, args []gjson.Result) {
	rendered := make([]string, len(args))
	for i, a := range args {
		var asb strings.Builder
		writeComponent(&asb, a)
		rendered[i] = asb.String()
	}

	format, ok := translations[key]
	if !ok {
		sb.WriteString(key)
		for _, a := range rendered {
			sb.WriteByte(' ')
			sb.WriteString(a)
		}
		return
	}

	next := 0
	for i := 0; i < len(format); i++ {
		if format[i] != '%' || i+1 == len(format) {
			sb.WriteByte(format[i])
			continue
		}
		rest := format[i+1:]
		switch {
		case rest[0] == '%':
			sb.WriteByte('%')
			i++
		case rest[0] == 's':
			if next < len(rendered) {
				sb.WriteString(rendered[next])
			}
			next++
			i++
		default:
			// Positional form: %N$s.
			end := strings.Index(rest, "$s")
			n, err := strconv.Atoi(rest[:max(end, 0)])
			if end <= 0 || err != nil {
				sb.WriteByte('%')
				continue
			}
			if n >= 1 && n <= len(rendered) {
				sb.WriteString(rendered[n-1])
			}
			i += end + 2
		}
	}
}

// ReadText reads a text component string and returns its raw JSON.
func (b *Buffer) ReadText() (string, error) {
	return b.ReadString()
}

// AppendText appends s as a JSON text component.
func AppendText(dst []byte, s string) []byte {
	return AppendString(dst, TextComponent(s))
}
