package relayproto

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/gorilla/websocket"
)

func TestCodecRoundTripCompressed(t *testing.T) {
	t.Parallel()

	codec := NewCodec(true)
	env := MustEnvelope(TypeSubdomainRequest, SubdomainRequest{
		CorrelationID: "a:b",
		Domain:        "foo",
		Method:        "GET",
		Path:          "/hello",
		URL:           "/hello?x=1",
		Headers:       map[string][]string{"Accept": {"application/json"}},
	})

	messageType, payload, err := codec.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame for compressed envelope, got %d", messageType)
	}
	if bytes.Contains(payload, []byte("subdomain_request")) {
		t.Fatal("expected payload to be deflated")
	}

	got, err := codec.Decode(messageType, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypeSubdomainRequest {
		t.Fatalf("type = %q", got.Type)
	}
	var req SubdomainRequest
	if err := got.DecodeData(&req); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if req.CorrelationID != "a:b" || req.URL != "/hello?x=1" || req.Headers["Accept"][0] != "application/json" {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestCodecDecodesPlainTextFrames(t *testing.T) {
	t.Parallel()

	plain := NewCodec(false)
	messageType, payload, err := plain.Encode(MustEnvelope(TypePing, Heartbeat{Timestamp: 42}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("expected text frame, got %d", messageType)
	}

	env, err := NewCodec(true).Decode(messageType, payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	var hb Heartbeat
	if err := env.DecodeData(&hb); err != nil || hb.Timestamp != 42 {
		t.Fatalf("unexpected heartbeat %+v (err=%v)", hb, err)
	}
}

func TestCodecRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	codec := NewCodec(true)
	if _, err := codec.Decode(websocket.TextMessage, []byte("{not json")); err == nil {
		t.Fatal("expected error for malformed json")
	}
	if _, err := codec.Decode(websocket.TextMessage, []byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
	if _, err := codec.Decode(websocket.BinaryMessage, []byte{0xff, 0xfe, 0xfd}); err == nil {
		t.Fatal("expected error for corrupt deflate stream")
	}
}

func TestCodecMaxDecodedSize(t *testing.T) {
	t.Parallel()

	codec := NewCodec(true)
	big := bytes.Repeat([]byte("a"), 4096)
	messageType, payload, err := codec.Encode(MustEnvelope(TypeWSIncomingMessage, WSIncomingMessage{MessageData: string(big)}))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	small := &Codec{MaxDecodedSize: 1024}
	if _, err := small.Decode(messageType, payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestResponseBodyBytes(t *testing.T) {
	t.Parallel()

	binary := []byte{0xFF, 0x00, 0x10}
	b64, _ := json.Marshal(EncodeBody(binary))
	text, _ := json.Marshal("hello")

	cases := []struct {
		name string
		resp SubdomainResponse
		want []byte
	}{
		{"empty", SubdomainResponse{}, nil},
		{"json", SubdomainResponse{Body: json.RawMessage(`{"ok":true}`)}, []byte(`{"ok":true}`)},
		{"text", SubdomainResponse{Body: text}, []byte("hello")},
		{"binary", SubdomainResponse{Body: b64, IsBase64: true}, binary},
	}
	for _, tc := range cases {
		got, err := tc.resp.BodyBytes()
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if !bytes.Equal(got, tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestFrameEncoding(t *testing.T) {
	t.Parallel()

	data, isBinary := EncodeFrame(websocket.BinaryMessage, []byte{0x00, 0x01})
	if !isBinary {
		t.Fatal("expected binary flag")
	}
	messageType, payload, err := DecodeFrame(data, isBinary)
	if err != nil || messageType != websocket.BinaryMessage || !bytes.Equal(payload, []byte{0x00, 0x01}) {
		t.Fatalf("binary decode mismatch: type=%d payload=%v err=%v", messageType, payload, err)
	}

	data, isBinary = EncodeFrame(websocket.TextMessage, []byte("hi"))
	if isBinary || data != "hi" {
		t.Fatalf("unexpected text encoding %q %v", data, isBinary)
	}
}

func TestEncodeDecodeBody(t *testing.T) {
	t.Parallel()

	if EncodeBody(nil) != "" {
		t.Fatal("expected empty encoding for nil body")
	}
	b, err := DecodeBody("")
	if err != nil || b != nil {
		t.Fatalf("expected nil body, got %v (%v)", b, err)
	}
}

func TestCloneHeadersIsDeep(t *testing.T) {
	t.Parallel()

	src := map[string][]string{"X-A": {"1"}}
	dst := CloneHeaders(src)
	dst["X-A"][0] = "2"
	if src["X-A"][0] != "1" {
		t.Fatal("clone shares backing arrays")
	}
}
