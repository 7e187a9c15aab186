package oddsfeed

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
)

const (
	// Binary frames at or below this size are upstream heartbeats,
	// not compressed payloads.
	heartbeatMaxLen = 16

	// Cap on decompressed payload size.
	maxInflateBytes = 10 << 20
)

// Decode classifies one WebSocket message. It is a pure function: no
// I/O, no audit, never an error return. The upstream grammar is not
// documented, so classification works by sniffing:
//
//	text "ok"        keepalive
//	text "<..."      xml
//	text "{..."      json
//	binary ≤16 B     heartbeat
//	binary           raw deflate, then zlib, then gzip, then unknown
func Decode(messageType int, data []byte) Frame {
	if messageType == websocket.TextMessage {
		return decodeText(data)
	}
	return decodeBinary(data)
}

func decodeText(data []byte) Frame {
	trimmed := bytes.TrimSpace(data)
	if string(trimmed) == "ok" {
		return Frame{Kind: FrameKeepalive, Encoding: "text", Raw: data}
	}
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '<':
			return Frame{Kind: FrameXML, Encoding: "xml", Raw: trimmed}
		case '{':
			return jsonFrame(trimmed, "json")
		}
	}
	return Frame{Kind: FrameUnknown, Encoding: "text", Raw: data, Sig: signatureOf(data)}
}

func decodeBinary(data []byte) Frame {
	if len(data) <= heartbeatMaxLen {
		return Frame{Kind: FrameHeartbeat, Encoding: "binary", Raw: data}
	}

	if payload, ok := tryInflate(data); ok {
		return classifyPayload(payload, "deflate", data)
	}
	if payload, ok := tryZlib(data); ok {
		return classifyPayload(payload, "zlib", data)
	}
	if payload, ok := tryGzip(data); ok {
		return classifyPayload(payload, "gzip", data)
	}

	return Frame{Kind: FrameUnknown, Encoding: "binary", Raw: data, Sig: signatureOf(data)}
}

// classifyPayload routes a decompressed payload by its first byte. The
// encoding tag records both the compression scheme and the content so
// the trail shows which probe succeeded.
func classifyPayload(payload []byte, scheme string, original []byte) Frame {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '{':
			return jsonFrame(trimmed, scheme+"-json")
		case '<':
			return Frame{Kind: FrameXML, Encoding: scheme + "-xml", Raw: trimmed}
		}
	}
	return Frame{Kind: FrameUnknown, Encoding: scheme, Raw: original, Sig: signatureOf(original)}
}

func jsonFrame(data []byte, encoding string) Frame {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return Frame{
			Kind:     FrameUnknown,
			Encoding: encoding,
			Raw:      data,
			Sig:      signatureOf(data),
			Err:      fmt.Errorf("parse json frame: %w", err),
		}
	}
	return Frame{Kind: FrameJSON, Encoding: encoding, JSON: obj, Raw: data}
}

// tryInflate attempts a raw DEFLATE stream. zlib and gzip streams fail
// this probe on their header bytes, so the raw probe can safely run
// first.
func tryInflate(data []byte) ([]byte, bool) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxInflateBytes))
	if err != nil || len(out) == 0 {
		return nil, false
	}
	return out, true
}

// tryZlib requires the 0x78 header byte with one of the common flags
// (9c, 01, da) before paying for a full decode attempt.
func tryZlib(data []byte) ([]byte, bool) {
	if len(data) < 2 || data[0] != 0x78 {
		return nil, false
	}
	switch data[1] {
	case 0x9c, 0x01, 0xda:
	default:
		return nil, false
	}
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxInflateBytes))
	if err != nil || len(out) == 0 {
		return nil, false
	}
	return out, true
}

func tryGzip(data []byte) ([]byte, bool) {
	if len(data) < 2 || data[0] != 0x1f || data[1] != 0x8b {
		return nil, false
	}
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, maxInflateBytes))
	if err != nil || len(out) == 0 {
		return nil, false
	}
	return out, true
}

// signatureOf is the hex of the first 32 bytes, enough to identify an
// unrecognized wire format in the audit trail.
func signatureOf(data []byte) string {
	n := len(data)
	if n > 32 {
		n = 32
	}
	return hex.EncodeToString(data[:n])
}
