package edge

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2rok/a2rok/internal/config"
	"github.com/a2rok/a2rok/internal/domain"
	"github.com/a2rok/a2rok/internal/relayproto"
)

const chatAgentQuery = "token=alice-token&domain=chat&protocol=ws&link=ws%3A%2F%2F127.0.0.1%3A9000%2Fsocket"

func expectClose(t *testing.T, conn *websocket.Conn, code int, text string) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if ce, ok := err.(*websocket.CloseError); ok && text != "" && ce.Text != text {
			t.Fatalf("close text = %q, want %q", ce.Text, text)
		}
		return
	}
}

func TestTunnelRelaysFramesInOrder(t *testing.T) {
	t.Parallel()

	e := newTestEdge(t, nil)
	a := mustDialScriptedAgent(t, e, chatAgentQuery)

	public, _, err := e.dialPublicWS("/room?id=7", "chat")
	if err != nil {
		t.Fatalf("public dial: %v", err)
	}
	defer func() { _ = public.Close() }()

	var offer relayproto.PendingIncomingWS
	if err := a.expect(t, relayproto.TypePendingIncomingWS).DecodeData(&offer); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if offer.Domain != "chat" || offer.URL != "ws://127.0.0.1:9000/socket?id=7" || offer.TunnelID == "" {
		t.Fatalf("offer = %+v", offer)
	}

	// Frames sent before the agent accepts are queued.
	for _, m := range []string{"a", "b", "c"} {
		if err := public.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
			t.Fatalf("public write: %v", err)
		}
	}
	if err := public.WriteMessage(websocket.BinaryMessage, []byte{0xFF, 0x00}); err != nil {
		t.Fatalf("public write: %v", err)
	}
	a.send(t, relayproto.TypeWSTunnelReady, relayproto.WSTunnelReady{Domain: "chat"})

	for _, want := range []string{"a", "b", "c"} {
		var msg relayproto.WSIncomingMessage
		_ = a.expect(t, relayproto.TypeWSIncomingMessage).DecodeData(&msg)
		if msg.MessageData != want || msg.IsBinary || msg.TunnelID != offer.TunnelID {
			t.Fatalf("agent got %+v, want text %q", msg, want)
		}
	}
	var bin relayproto.WSIncomingMessage
	_ = a.expect(t, relayproto.TypeWSIncomingMessage).DecodeData(&bin)
	mt, data, err := relayproto.DecodeFrame(bin.MessageData, bin.IsBinary)
	if err != nil || mt != websocket.BinaryMessage || string(data) != "\xff\x00" {
		t.Fatalf("binary frame = %d %v %v", mt, data, err)
	}

	for _, m := range []string{"x", "y", "z"} {
		data, isBinary := relayproto.EncodeFrame(websocket.TextMessage, []byte(m))
		a.send(t, relayproto.TypeWSOutgoingMessage, relayproto.WSOutgoingMessage{MessageData: data, Domain: "chat", IsBinary: isBinary})
	}
	_ = public.SetReadDeadline(time.Now().Add(5 * time.Second))
	for _, want := range []string{"x", "y", "z"} {
		mt, data, err := public.ReadMessage()
		if err != nil {
			t.Fatalf("public read: %v", err)
		}
		if mt != websocket.TextMessage || string(data) != want {
			t.Fatalf("public got %q, want %q", data, want)
		}
	}

	a.send(t, relayproto.TypeWSTunnelClosed, relayproto.WSTunnelClosed{Domain: "chat", Reason: "local done"})
	expectClose(t, public, websocket.CloseNormalClosure, "local done")
	waitFor(t, "tunnel removal", func() bool { return e.server.tunnels.len() == 0 })
}

func TestTunnelImplicitAcceptance(t *testing.T) {
	t.Parallel()

	e := newTestEdge(t, nil)
	a := mustDialScriptedAgent(t, e, chatAgentQuery)

	public, _, err := e.dialPublicWS("/", "chat")
	if err != nil {
		t.Fatalf("public dial: %v", err)
	}
	defer func() { _ = public.Close() }()
	a.expect(t, relayproto.TypePendingIncomingWS)

	a.send(t, relayproto.TypeWSOutgoingMessage, relayproto.WSOutgoingMessage{MessageData: "hello", Domain: "chat"})
	_ = public.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, data, err := public.ReadMessage(); err != nil || string(data) != "hello" {
		t.Fatalf("public read = %q, %v", data, err)
	}

	if err := public.WriteMessage(websocket.TextMessage, []byte("back")); err != nil {
		t.Fatalf("public write: %v", err)
	}
	var msg relayproto.WSIncomingMessage
	_ = a.expect(t, relayproto.TypeWSIncomingMessage).DecodeData(&msg)
	if msg.MessageData != "back" {
		t.Fatalf("agent got %q", msg.MessageData)
	}

	_ = public.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	var closed relayproto.WSTunnelClosed
	_ = a.expect(t, relayproto.TypeWSTunnelClosed).DecodeData(&closed)
	if closed.Domain != "chat" {
		t.Fatalf("close notice = %+v", closed)
	}
}

func TestTunnelSecondAttemptRejected(t *testing.T) {
	t.Parallel()

	e := newTestEdge(t, nil)
	a := mustDialScriptedAgent(t, e, chatAgentQuery)

	first, _, err := e.dialPublicWS("/", "chat")
	if err != nil {
		t.Fatalf("public dial: %v", err)
	}
	defer func() { _ = first.Close() }()
	a.expect(t, relayproto.TypePendingIncomingWS)

	second, _, err := e.dialPublicWS("/", "chat")
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer func() { _ = second.Close() }()
	expectClose(t, second, websocket.ClosePolicyViolation, closeReasonBusy)

	if e.server.tunnels.len() != 1 {
		t.Fatalf("tunnels = %d, want 1", e.server.tunnels.len())
	}
}

func TestTunnelHandshakeTimeout(t *testing.T) {
	t.Parallel()

	e := newTestEdge(t, func(cfg *config.ServerConfig) {
		cfg.HandshakeTimeout = 100 * time.Millisecond
	})
	a := mustDialScriptedAgent(t, e, chatAgentQuery)

	public, _, err := e.dialPublicWS("/", "chat")
	if err != nil {
		t.Fatalf("public dial: %v", err)
	}
	defer func() { _ = public.Close() }()
	a.expect(t, relayproto.TypePendingIncomingWS)

	expectClose(t, public, websocket.CloseInternalServerErr, closeReasonTimeout)
	a.expect(t, relayproto.TypeWSTunnelClosed)
	waitFor(t, "tunnel removal", func() bool { return e.server.tunnels.len() == 0 })
}

func TestTunnelRejections(t *testing.T) {
	t.Parallel()

	e := newTestEdge(t, nil)
	mustDialScriptedAgent(t, e, "token=alice-token&domain=foo&port=3000")

	tests := []struct {
		name string
		sub  string
		text string
	}{
		{name: "unknown domain", sub: "nope", text: "No domain found"},
		{name: "not connected", sub: "bar", text: "Domain not connected"},
		{name: "http agent", sub: "foo", text: "Domain does not accept websocket connections"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := e.dialPublicWS("/", tt.sub)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer func() { _ = conn.Close() }()
			expectClose(t, conn, websocket.ClosePolicyViolation, tt.text)
		})
	}
}

func TestTunnelClosedWhenAgentLeaves(t *testing.T) {
	t.Parallel()

	e := newTestEdge(t, nil)
	a := mustDialScriptedAgent(t, e, chatAgentQuery)

	public, _, err := e.dialPublicWS("/", "chat")
	if err != nil {
		t.Fatalf("public dial: %v", err)
	}
	defer func() { _ = public.Close() }()
	a.expect(t, relayproto.TypePendingIncomingWS)
	a.send(t, relayproto.TypeWSTunnelReady, relayproto.WSTunnelReady{Domain: "chat"})
	_ = a.conn.Close()

	expectClose(t, public, websocket.CloseGoingAway, "")
}

func TestTunnelTargetURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		link, query, want string
	}{
		{link: "ws://localhost:9000/s", query: "", want: "ws://localhost:9000/s"},
		{link: "ws://localhost:9000/s", query: "a=1", want: "ws://localhost:9000/s?a=1"},
		{link: "wss://x.test/s?k=v", query: "a=1", want: "wss://x.test/s?k=v&a=1"},
	}
	for _, tt := range tests {
		if got := tunnelTargetURL(tt.link, tt.query); got != tt.want {
			t.Fatalf("tunnelTargetURL(%q, %q) = %q, want %q", tt.link, tt.query, got, tt.want)
		}
	}
}

func TestTunnelIgnoresFramesFromEndedTunnel(t *testing.T) {
	t.Parallel()

	e := newTestEdge(t, nil)
	a := mustDialScriptedAgent(t, e, chatAgentQuery)

	first, _, err := e.dialPublicWS("/", "chat")
	if err != nil {
		t.Fatalf("public dial: %v", err)
	}
	var offerA relayproto.PendingIncomingWS
	_ = a.expect(t, relayproto.TypePendingIncomingWS).DecodeData(&offerA)
	a.send(t, relayproto.TypeWSTunnelReady, relayproto.WSTunnelReady{TunnelID: offerA.TunnelID, Domain: "chat"})
	_ = first.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	_ = first.Close()

	var closed relayproto.WSTunnelClosed
	_ = a.expect(t, relayproto.TypeWSTunnelClosed).DecodeData(&closed)
	if closed.TunnelID != offerA.TunnelID {
		t.Fatalf("close notice = %+v, want tunnel %s", closed, offerA.TunnelID)
	}
	waitFor(t, "tunnel removal", func() bool { return e.server.tunnels.len() == 0 })

	second, _, err := e.dialPublicWS("/", "chat")
	if err != nil {
		t.Fatalf("public dial: %v", err)
	}
	defer func() { _ = second.Close() }()
	var offerB relayproto.PendingIncomingWS
	_ = a.expect(t, relayproto.TypePendingIncomingWS).DecodeData(&offerB)
	if offerB.TunnelID == offerA.TunnelID {
		t.Fatalf("tunnel id reused: %s", offerB.TunnelID)
	}

	a.send(t, relayproto.TypeWSOutgoingMessage, relayproto.WSOutgoingMessage{TunnelID: offerA.TunnelID, MessageData: "stale", Domain: "chat"})
	a.send(t, relayproto.TypeWSTunnelClosed, relayproto.WSTunnelClosed{TunnelID: offerA.TunnelID, Domain: "chat", Reason: "late"})
	a.send(t, relayproto.TypePing, relayproto.Heartbeat{})
	a.expect(t, relayproto.TypePong)

	c, _ := e.server.Registry().Lookup("chat")
	tun, ok := e.server.tunnels.lookup("chat", offerB.TunnelID, c)
	if !ok {
		t.Fatalf("second tunnel ended by a notice for the first")
	}
	if tun.isAccepted() {
		t.Fatalf("frame for the first tunnel accepted the second")
	}

	a.send(t, relayproto.TypeWSOutgoingMessage, relayproto.WSOutgoingMessage{TunnelID: offerB.TunnelID, MessageData: "fresh", Domain: "chat"})
	_ = second.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, data, err := second.ReadMessage(); err != nil || string(data) != "fresh" {
		t.Fatalf("second public socket read = %q, %v", data, err)
	}
}

// websocketPair returns both ends of a live websocket.
func websocketPair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case server = <-conns:
	case <-time.After(5 * time.Second):
		t.Fatalf("upgrade never completed")
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return server, client
}

func TestTunnelOverflowEndsTunnelWithoutBlocking(t *testing.T) {
	t.Parallel()

	e := newTestEdge(t, nil)
	a := mustDialScriptedAgent(t, e, chatAgentQuery)
	c, ok := e.server.Registry().Lookup("chat")
	if !ok {
		t.Fatalf("agent not registered")
	}

	public, viewer := websocketPair(t)
	tun := &wsTunnel{
		id:       "tunnel-slow",
		domain:   "chat",
		conn:     c,
		public:   public,
		inbound:  make(chan tunnelFrame, 1),
		outbound: make(chan tunnelFrame, 1),
		accepted: make(chan struct{}),
		done:     make(chan struct{}),
	}
	tun.outbound <- tunnelFrame{messageType: websocket.TextMessage, data: []byte("queued")}
	if !e.server.tunnels.begin(tun) {
		t.Fatalf("tunnel slot busy")
	}
	e.server.metrics.WSTunnels.Inc()

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		e.server.tunnels.fromAgent(e.server, c, relayproto.WSOutgoingMessage{TunnelID: tun.id, MessageData: "overflow", Domain: "chat"})
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatalf("relay from the agent blocked on a full public queue")
	}

	expectClose(t, viewer, websocket.CloseTryAgainLater, closeReasonSlow)
	var closed relayproto.WSTunnelClosed
	_ = a.expect(t, relayproto.TypeWSTunnelClosed).DecodeData(&closed)
	if closed.TunnelID != tun.id {
		t.Fatalf("close notice = %+v", closed)
	}
	if e.server.tunnels.len() != 0 {
		t.Fatalf("overflowed tunnel still registered")
	}
}

func TestAwaitTunnelHandshakeReturnsTimeout(t *testing.T) {
	t.Parallel()

	e := newTestEdge(t, func(cfg *config.ServerConfig) {
		cfg.HandshakeTimeout = 50 * time.Millisecond
	})
	a := mustDialScriptedAgent(t, e, chatAgentQuery)
	c, _ := e.server.Registry().Lookup("chat")

	public, viewer := websocketPair(t)
	tun := &wsTunnel{
		id:       "tunnel-late",
		domain:   "chat",
		conn:     c,
		public:   public,
		inbound:  make(chan tunnelFrame, 1),
		outbound: make(chan tunnelFrame, 1),
		accepted: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if !e.server.tunnels.begin(tun) {
		t.Fatalf("tunnel slot busy")
	}
	e.server.metrics.WSTunnels.Inc()

	if err := e.server.awaitTunnelHandshake(tun); !errors.Is(err, domain.ErrHandshakeTimeout) {
		t.Fatalf("awaitTunnelHandshake() error = %v, want ErrHandshakeTimeout", err)
	}
	expectClose(t, viewer, websocket.CloseInternalServerErr, closeReasonTimeout)
	var closed relayproto.WSTunnelClosed
	_ = a.expect(t, relayproto.TypeWSTunnelClosed).DecodeData(&closed)
	if closed.TunnelID != tun.id {
		t.Fatalf("close notice = %+v", closed)
	}
}
