// Package oddsfeed is the inbound adapter for the upstream odds
// stream: token acquisition, the WebSocket session, wire decoding, and
// normalization into domain ticks.
package oddsfeed

import (
	"errors"
	"time"
)

// ErrAuthFailed wraps every token-endpoint failure (transport, non-2xx,
// undecodable body). It is fatal only once the retry budget is spent.
var ErrAuthFailed = errors.New("auth failed")

// Token is an upstream session token plus its parsed expiry. ExpiresAt
// comes from the JWT exp claim when the payload decodes, otherwise
// issue time plus the configured default TTL.
type Token struct {
	Value     string
	ExpiresIn time.Duration
	ExpiresAt time.Time
}

// TTLRemaining is the time left before expiry, never negative.
func (t Token) TTLRemaining(now time.Time) time.Duration {
	if t.Value == "" {
		return 0
	}
	d := t.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// FrameKind discriminates decoder output. Decoding never returns an
// error; undecodable input is a FrameUnknown with a signature.
type FrameKind int

const (
	FrameKeepalive FrameKind = iota
	FrameHeartbeat
	FrameJSON
	FrameXML
	FrameUnknown
)

func (k FrameKind) String() string {
	switch k {
	case FrameKeepalive:
		return "keepalive"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameJSON:
		return "json"
	case FrameXML:
		return "xml"
	default:
		return "unknown"
	}
}

// Frame is one classified inbound message.
//
// Raw holds the payload after any decompression; for FrameUnknown it is
// the original bytes. JSON is populated for FrameJSON. XML payloads
// stay in Raw and are parsed by the normalizer, which knows the tick
// shapes. Err carries a parse failure for an otherwise recognized
// encoding; such frames are dropped after an audit record.
type Frame struct {
	Kind     FrameKind
	Encoding string // "json", "xml", "deflate-json", "zlib-xml", "gzip-json", ...
	JSON     map[string]any
	Raw      []byte
	Sig      string // hex of the first 32 bytes, FrameUnknown only
	Err      error
}

// IsControl reports session plumbing rather than odds data:
// keepalives, binary heartbeats, and JSON control messages including
// renewal markers.
func (f Frame) IsControl() bool {
	switch f.Kind {
	case FrameKeepalive, FrameHeartbeat:
		return true
	case FrameJSON:
		return isControlJSON(f.JSON)
	}
	return false
}

// ConnState is the stream client connection state.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateReconnecting ConnState = "RECONNECTING"
	StateClosed       ConnState = "CLOSED"
	StateError        ConnState = "ERROR"
)

// Observer receives connection lifecycle callbacks from the stream
// client on the read goroutine. Implementations must not block.
type Observer interface {
	OnOpen(group string)
	OnFrame(f Frame)
	OnClose(code int, reason string)
}
