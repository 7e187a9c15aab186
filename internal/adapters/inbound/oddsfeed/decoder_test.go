package oddsfeed

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"encoding/hex"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario payload long enough that every compressed form clears the
// heartbeat size cutoff.
const tickJSON = `{"gameId":"G1","old":1.90,"new":1.85,"type":"moneyline","time":1700000001000,"bookmakerId":"BK1"}`

func deflateBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zlibBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodeKeepalive(t *testing.T) {
	f := Decode(websocket.TextMessage, []byte("ok"))
	assert.Equal(t, FrameKeepalive, f.Kind)
	assert.NoError(t, f.Err)
}

func TestDecodeTextJSON(t *testing.T) {
	f := Decode(websocket.TextMessage, []byte(tickJSON))
	require.Equal(t, FrameJSON, f.Kind)
	assert.Equal(t, "json", f.Encoding)
	assert.Equal(t, "G1", f.JSON["gameId"])
}

func TestDecodeTextXML(t *testing.T) {
	raw := []byte(`  <tick game_id="G1" old="1.90" new="1.85"/>  `)
	f := Decode(websocket.TextMessage, raw)
	require.Equal(t, FrameXML, f.Kind)
	assert.Equal(t, "xml", f.Encoding)
	assert.Equal(t, `<tick game_id="G1" old="1.90" new="1.85"/>`, string(f.Raw))
}

func TestDecodeTextUnrecognized(t *testing.T) {
	f := Decode(websocket.TextMessage, []byte("hello"))
	assert.Equal(t, FrameUnknown, f.Kind)
	assert.Equal(t, hex.EncodeToString([]byte("hello")), f.Sig)
}

func TestDecodeBinaryHeartbeatBoundary(t *testing.T) {
	f := Decode(websocket.BinaryMessage, []byte{0x01})
	assert.Equal(t, FrameHeartbeat, f.Kind)
	assert.Equal(t, []byte{0x01}, f.Raw)

	// 16 bytes is still a heartbeat, 17 is not.
	f = Decode(websocket.BinaryMessage, make([]byte, 16))
	assert.Equal(t, FrameHeartbeat, f.Kind)

	f = Decode(websocket.BinaryMessage, make([]byte, 17))
	assert.Equal(t, FrameUnknown, f.Kind)
}

func TestDecodeDeflateJSON(t *testing.T) {
	f := Decode(websocket.BinaryMessage, deflateBytes(t, []byte(tickJSON)))
	require.Equal(t, FrameJSON, f.Kind)
	assert.Equal(t, "deflate-json", f.Encoding)
	assert.Equal(t, "BK1", f.JSON["bookmakerId"])
}

func TestDecodeDeflateXML(t *testing.T) {
	raw := []byte(`<tick game_id="G1" bookmaker_id="BK1" odds_type="total" old="210.5" new="212"/>`)
	f := Decode(websocket.BinaryMessage, deflateBytes(t, raw))
	require.Equal(t, FrameXML, f.Kind)
	assert.Equal(t, "deflate-xml", f.Encoding)
	assert.Equal(t, raw, f.Raw)
}

func TestDecodeZlibJSON(t *testing.T) {
	f := Decode(websocket.BinaryMessage, zlibBytes(t, []byte(tickJSON)))
	require.Equal(t, FrameJSON, f.Kind)
	assert.Equal(t, "zlib-json", f.Encoding)
}

func TestDecodeGzipJSON(t *testing.T) {
	f := Decode(websocket.BinaryMessage, gzipBytes(t, []byte(tickJSON)))
	require.Equal(t, FrameJSON, f.Kind)
	assert.Equal(t, "gzip-json", f.Encoding)
}

func TestDecodeDeflateMalformedJSON(t *testing.T) {
	// Long enough that its compressed form clears the heartbeat cutoff.
	bad := []byte(`{"gameId":"G1","bookmakerId":"BK1","old":`)
	f := Decode(websocket.BinaryMessage, deflateBytes(t, bad))
	assert.Equal(t, FrameUnknown, f.Kind)
	assert.Equal(t, "deflate-json", f.Encoding)
	assert.Error(t, f.Err)
}

func TestDecodeUnknownBinarySignature(t *testing.T) {
	// 0x1f with BTYPE=11 fails the deflate probe; second byte is not
	// the gzip magic.
	data := append([]byte{0x1f, 0x00}, bytes.Repeat([]byte{0x42}, 38)...)
	f := Decode(websocket.BinaryMessage, data)
	require.Equal(t, FrameUnknown, f.Kind)
	assert.NoError(t, f.Err)
	assert.Equal(t, hex.EncodeToString(data[:32]), f.Sig)
	assert.Len(t, f.Sig, 64)
}
