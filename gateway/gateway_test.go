package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/log"

	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zlib"
)

type fakeGateway struct {
	server *httptest.Server
	conns  chan *fakeConn
	count  int32
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	fg := &fakeGateway{conns: make(chan *fakeConn, 8)}
	upgrader := websocket.Upgrader{}
	fg.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		atomic.AddInt32(&fg.count, 1)
		fg.conns <- &fakeConn{t: t, ws: ws}
	}))
	t.Cleanup(fg.server.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.server.URL, "http")
}

func (fg *fakeGateway) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-fg.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Errorf("no connection arrived")
		return nil
	}
}

type fakeConn struct {
	t  *testing.T
	ws *websocket.Conn
}

func (c *fakeConn) send(op Opcode, name string, seq int64, data interface{}) {
	raw, _ := json.Marshal(data)
	packet := Packet{Op: op, Type: name, Data: raw}
	if seq > 0 {
		packet.Sequence = &seq
	}
	if err := c.ws.WriteJSON(packet); err != nil {
		c.t.Errorf("fake send op %d: %v", op, err)
	}
}

// expect reads client packets until one with op arrives.
func (c *fakeConn) expect(op Opcode) *Packet {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.t.Errorf("waiting for op %d: %v", op, err)
			return nil
		}
		packet, err := decodePacket(raw)
		if err != nil {
			c.t.Errorf("decode: %v", err)
			return nil
		}
		if packet.Op == op {
			return packet
		}
	}
}

// drain keeps reading so close frames are echoed, answering heartbeats when ack is set.
func (c *fakeConn) drain(ack bool) {
	go func() {
		for {
			_ = c.ws.SetReadDeadline(time.Time{})
			_, raw, err := c.ws.ReadMessage()
			if err != nil {
				return
			}
			if packet, err := decodePacket(raw); err == nil && ack && packet.Op == OpHeartbeat {
				_ = c.ws.WriteJSON(Packet{Op: OpHeartbeatAck})
			}
		}
	}()
}

type recorder struct {
	mu         sync.Mutex
	names      []string
	heartbeats int32
	gateway    *Gateway
}

func (r *recorder) Dispatch(t string, _ json.RawMessage) {
	r.mu.Lock()
	r.names = append(r.names, t)
	r.mu.Unlock()

	if t == EventReady {
		r.gateway.NotifyReady()
	}
}

func (r *recorder) Heartbeat() { atomic.AddInt32(&r.heartbeats, 1) }

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func testConfig(url string) config.GatewayCfg {
	cfg := config.GatewayCfg{}.Default()
	cfg.URL = url
	cfg.ReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 50 * time.Millisecond
	cfg.SuspendedPoll = 10 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.CloseTimeout = time.Second
	return cfg
}

func newTestGateway(cfg config.GatewayCfg) (*Gateway, *recorder) {
	rec := &recorder{}
	g := New(log.Disabled, cfg, Identity{Token: "Bot token", Properties: DefaultProperties("test")}, nil, rec, nil)
	rec.gateway = g
	return g, rec
}

func readyPayload(session string) map[string]interface{} {
	return map[string]interface{}{"v": 6, "session_id": session, "user": map[string]string{"id": "1"}}
}

// TestHelloWithoutSessionIdentifies tests that a fresh connection identifies
func TestHelloWithoutSessionIdentifies(t *testing.T) {
	t.Parallel()

	fg := newFakeGateway(t)
	g, rec := newTestGateway(testConfig(fg.url()))
	t.Cleanup(func() { g.Stop(false) })

	go func() {
		c := fg.next(t)
		if c == nil {
			return
		}
		c.send(OpHello, "", 0, Hello{HeartbeatInterval: 40000})

		packet := c.expect(OpIdentify)
		if packet == nil {
			return
		}
		var identify Identify
		if err := json.Unmarshal(packet.Data, &identify); err != nil {
			t.Errorf("identify payload: %v", err)
		}
		if identify.Token != "Bot token" || !identify.Compress || identify.LargeThreshold != 100 {
			t.Errorf("identify = %+v", identify)
		}
		if identify.Properties.Browser != "test" {
			t.Errorf("properties = %+v", identify.Properties)
		}

		c.send(OpDispatch, EventReady, 1, readyPayload("abc"))
		c.drain(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !g.Open() {
		t.Errorf("state = %s, want connected", g.State())
	}
	if s := g.Session(); s == nil || s.ID() != "abc" || s.Sequence() != 1 {
		t.Errorf("session = %+v", s)
	}
	if got := rec.seen(); len(got) < 2 || got[0] != EventConnect || got[1] != EventReady {
		t.Errorf("dispatches = %v", got)
	}
}

// TestResumeAfterConnectionLoss tests resuming with the last sequence after a reset
func TestResumeAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	fg := newFakeGateway(t)
	g, rec := newTestGateway(testConfig(fg.url()))
	t.Cleanup(func() { g.Stop(false) })

	resumed := make(chan Resume, 1)
	go func() {
		c := fg.next(t)
		if c == nil {
			return
		}
		c.send(OpHello, "", 0, Hello{HeartbeatInterval: 40000})
		c.expect(OpIdentify)
		c.send(OpDispatch, EventReady, 1, readyPayload("sess"))
		c.send(OpDispatch, "MESSAGE_CREATE", 5, map[string]string{"id": "9"})

		// give the client time to read both frames before dropping the socket
		time.Sleep(100 * time.Millisecond)
		_ = c.ws.UnderlyingConn().Close()

		c = fg.next(t)
		if c == nil {
			return
		}
		c.send(OpHello, "", 0, Hello{HeartbeatInterval: 40000})
		packet := c.expect(OpResume)
		if packet == nil {
			return
		}
		var resume Resume
		_ = json.Unmarshal(packet.Data, &resume)
		resumed <- resume
		c.send(OpDispatch, EventResumed, 6, nil)
		c.drain(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case resume := <-resumed:
		if resume.SessionID != "sess" || resume.Sequence != 5 || resume.Token != "Bot token" {
			t.Errorf("resume = %+v", resume)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client did not resume")
	}

	deadline := time.Now().Add(2 * time.Second)
	for g.State() != Connected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if g.State() != Connected {
		t.Errorf("state = %s, want connected", g.State())
	}

	want := []string{EventConnect, EventReady, "MESSAGE_CREATE", EventDisconnect, EventConnect}
	if got := rec.seen(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("dispatches = %v, want %v", got, want)
	}
}

// TestFatalCloseCodeStopsLoop tests that fatal close codes end the loop
func TestFatalCloseCodeStopsLoop(t *testing.T) {
	t.Parallel()

	fg := newFakeGateway(t)
	g, _ := newTestGateway(testConfig(fg.url()))

	go func() {
		c := fg.next(t)
		if c == nil {
			return
		}
		c.send(OpHello, "", 0, Hello{HeartbeatInterval: 40000})
		c.expect(OpIdentify)
		msg := websocket.FormatCloseMessage(4004, "authentication failed")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.drain(false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Start(ctx); err != ErrStopped {
		t.Fatalf("Start = %v, want ErrStopped", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&fg.count); n != 1 {
		t.Errorf("connections = %d, want 1", n)
	}
}

// TestMissedAckReconnectsOnce tests the heartbeat ack check
func TestMissedAckReconnectsOnce(t *testing.T) {
	t.Parallel()

	fg := newFakeGateway(t)
	g, rec := newTestGateway(testConfig(fg.url()))
	t.Cleanup(func() { g.Stop(false) })

	go func() {
		c := fg.next(t)
		if c == nil {
			return
		}
		c.send(OpHello, "", 0, Hello{HeartbeatInterval: 30})
		c.expect(OpIdentify)
		c.send(OpDispatch, EventReady, 1, readyPayload("sess"))
		// heartbeats are never acknowledged on this socket
		c.drain(false)

		c = fg.next(t)
		if c == nil {
			return
		}
		c.send(OpHello, "", 0, Hello{HeartbeatInterval: 30})
		c.expect(OpResume)
		c.send(OpDispatch, EventResumed, 2, nil)
		c.drain(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	time.Sleep(400 * time.Millisecond)
	if n := atomic.LoadInt32(&fg.count); n != 2 {
		t.Errorf("connections = %d, want 2", n)
	}
	if atomic.LoadInt32(&rec.heartbeats) == 0 {
		t.Error("heartbeat hook never ran")
	}
}

// TestStopGraceful tests that a graceful stop ends the loop
func TestStopGraceful(t *testing.T) {
	t.Parallel()

	fg := newFakeGateway(t)
	g, _ := newTestGateway(testConfig(fg.url()))

	go func() {
		c := fg.next(t)
		if c == nil {
			return
		}
		c.send(OpHello, "", 0, Hello{HeartbeatInterval: 40000})
		c.expect(OpIdentify)
		c.send(OpDispatch, EventReady, 1, readyPayload("sess"))
		c.drain(true)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	g.Stop(true)
	select {
	case <-g.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop still running after Stop")
	}
	if err := g.SendHeartbeat(1); err != ErrNotConnected {
		t.Errorf("send after stop = %v, want ErrNotConnected", err)
	}
}

// TestStopDuringBackoff tests that a graceful stop wakes a loop waiting to reconnect
func TestStopDuringBackoff(t *testing.T) {
	t.Parallel()

	fg := newFakeGateway(t)
	cfg := testConfig(fg.url())
	cfg.ReconnectDelay = 5 * time.Second
	cfg.MaxReconnectDelay = 5 * time.Second
	cfg.CloseTimeout = 2 * time.Second
	g, _ := newTestGateway(cfg)

	first := make(chan *fakeConn, 1)
	go func() {
		c := fg.next(t)
		if c == nil {
			return
		}
		c.send(OpHello, "", 0, Hello{HeartbeatInterval: 40000})
		c.expect(OpIdentify)
		c.send(OpDispatch, EventReady, 1, readyPayload("sess"))
		first <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fg.server.Close()
	(<-first).ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for g.State() != Reconnecting {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want reconnecting", g.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	g.Stop(true)
	if took := time.Since(start); took >= time.Second {
		t.Errorf("graceful stop took %s", took)
	}

	select {
	case <-g.Done():
	case <-time.After(time.Second):
		t.Fatal("loop still running after Stop")
	}
}

// TestDecodeCompressedPacket tests zlib inflation of frames
func TestDecodeCompressedPacket(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, _ = w.Write([]byte(`{"op":0,"t":"MESSAGE_CREATE","s":3,"d":{"id":"1"}}`))
	_ = w.Close()

	packet, err := decodePacket(buf.Bytes())
	if err != nil {
		t.Fatalf("decodePacket: %v", err)
	}
	if packet.Op != OpDispatch || packet.Type != "MESSAGE_CREATE" || packet.Sequence == nil || *packet.Sequence != 3 {
		t.Errorf("packet = %+v", packet)
	}

	if _, err := decodePacket([]byte(`{"op":`)); err == nil {
		t.Error("malformed frame should fail")
	}
}

// TestNextDelay tests backoff growth and cap
func TestNextDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want time.Duration
	}{
		{time.Second, 1500 * time.Millisecond},
		{1500 * time.Millisecond, 2250 * time.Millisecond},
		{100 * time.Second, 120 * time.Second},
		{120 * time.Second, 120 * time.Second},
	}
	for _, tt := range tests {
		if got := nextDelay(tt.in, 1.5, 120*time.Second); got != tt.want {
			t.Errorf("nextDelay(%s) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

// TestSessionShouldResume tests the resume predicate
func TestSessionShouldResume(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		suspend, invalid bool
		want             bool
	}{
		{"fresh", false, false, false},
		{"suspended", true, false, true},
		{"invalid", false, true, false},
		{"suspended and invalid", true, true, false},
	}
	for _, tt := range tests {
		s := NewSession("id")
		if tt.suspend {
			s.Suspend()
		}
		if tt.invalid {
			s.Invalidate()
		}
		if got := s.ShouldResume(); got != tt.want {
			t.Errorf("%s: ShouldResume = %v, want %v", tt.name, got, tt.want)
		}
	}
}
