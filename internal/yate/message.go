// Package yate implements the engine-facing control channel: the
// line-oriented extmodule wire format and a TCP server answering
// call.route requests with stage-1 routing results.
package yate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/epvx/routingd/internal/routing"
)

// Message is one decoded call.route request (or any other engine message)
// from the control channel.
type Message struct {
	ID       string
	Time     int64
	Name     string
	RetValue string
	Params   map[string]string
}

const messagePrefix = "%%>message:"

// ParseMessage decodes a "%%>message" line into its parts. Every token is
// unescaped individually after splitting on the raw colons, mirroring the
// engine's framing.
func ParseMessage(line string) (*Message, error) {
	rest, ok := strings.CutPrefix(line, messagePrefix)
	if !ok {
		return nil, fmt.Errorf("not a message line: %q", truncate(line, 64))
	}
	fields := strings.Split(rest, ":")
	if len(fields) < 4 {
		return nil, fmt.Errorf("message line with %d fields, want at least 4", len(fields))
	}

	id, err := Unescape(fields[0])
	if err != nil {
		return nil, fmt.Errorf("decoding message id: %w", err)
	}
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding message time: %w", err)
	}
	name, err := Unescape(fields[2])
	if err != nil {
		return nil, fmt.Errorf("decoding message name: %w", err)
	}
	retValue, err := Unescape(fields[3])
	if err != nil {
		return nil, fmt.Errorf("decoding message retvalue: %w", err)
	}

	msg := &Message{
		ID:       id,
		Time:     ts,
		Name:     name,
		RetValue: retValue,
		Params:   make(map[string]string, len(fields)-4),
	}
	for _, field := range fields[4:] {
		if field == "" {
			continue
		}
		key, value, _ := strings.Cut(field, "=")
		k, err := Unescape(key)
		if err != nil {
			return nil, fmt.Errorf("decoding parameter key: %w", err)
		}
		v, err := Unescape(value)
		if err != nil {
			return nil, fmt.Errorf("decoding parameter value %q: %w", key, err)
		}
		msg.Params[k] = v
	}
	return msg, nil
}

// Answer encodes the processed reply for this message. Parameters are
// emitted in sorted key order so replies are reproducible.
func (m *Message) Answer(processed bool) string {
	var b strings.Builder
	b.WriteString("%%<message:")
	b.WriteString(Escape(m.ID))
	b.WriteByte(':')
	b.WriteString(strconv.FormatBool(processed))
	b.WriteByte(':')
	b.WriteString(Escape(m.Name))
	b.WriteByte(':')
	b.WriteString(Escape(m.RetValue))

	keys := make([]string, 0, len(m.Params))
	for k := range m.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(':')
		b.WriteString(Escape(k))
		b.WriteByte('=')
		b.WriteString(Escape(m.Params[k]))
	}
	return b.String()
}

// Escape applies the engine's upcoding: '%' doubles, ':' and control
// characters become '%' + chr(code+64).
func Escape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%':
			b.WriteString("%%")
		case c < 32 || c == ':':
			b.WriteByte('%')
			b.WriteByte(c + 64)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// Unescape reverses Escape.
func Unescape(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("dangling escape in %q", s)
		}
		next := s[i]
		if next == '%' {
			b.WriteByte('%')
			continue
		}
		if next < 64 {
			return "", fmt.Errorf("invalid escape %%%c in %q", next, s)
		}
		b.WriteByte(next - 64)
	}
	return b.String(), nil
}

// EncodeResult writes a routing result into the message reply: a terminal
// target becomes the return value, a fork becomes "fork" plus callto.N
// parameters for each target, with per-target parameters nested under
// callto.N.<key> when they differ from the global set.
func EncodeResult(msg *Message, result *routing.Result) {
	global := result.Target.Parameters
	for k, v := range global {
		msg.Params[k] = v
	}
	if result.IsTerminal() {
		msg.RetValue = result.Target.Target
		return
	}
	msg.RetValue = "fork"
	index := 1
	for _, target := range result.ForkTargets {
		prefix := "callto." + strconv.Itoa(index)
		msg.Params[prefix] = target.Target
		for k, v := range target.Parameters {
			if gv, ok := global[k]; ok && gv == v {
				continue
			}
			msg.Params[prefix+"."+k] = v
		}
		index++
	}
}

// ErrorCode maps a routing error kind onto the engine's call.route error
// vocabulary.
func ErrorCode(kind routing.ErrorKind) string {
	switch kind {
	case routing.KindNoRoute:
		return "noroute"
	case routing.KindForwardLoop:
		return "looping"
	case routing.KindForbidden:
		return "forbidden"
	case routing.KindGone:
		return "gone"
	case routing.KindTimeout:
		return "timeout"
	default:
		return "congestion"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
