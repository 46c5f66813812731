package gateway

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mijyuoon/MijDiscord/config"
	"github.com/Mijyuoon/MijDiscord/metrics"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const writeWait = 10 * time.Second

var (
	ErrNotConnected   = errors.New("gateway is not connected")
	ErrStopped        = errors.New("gateway loop has been terminated")
	ErrAlreadyStarted = errors.New("gateway already started")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	HandshakeWait
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case HandshakeWait:
		return "handshake_wait"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Handler receives every dispatch in arrival order from the read loop.
type Handler interface {
	Dispatch(t string, data json.RawMessage)
	Heartbeat()
}

// Resolver returns the websocket address to dial.
type Resolver func(ctx context.Context) (string, error)

type Identity struct {
	Token      string
	Properties Properties
	// Shard is nil or a [shard id, shard count] pair.
	Shard []int
}

func DefaultProperties(name string) Properties {
	return Properties{
		OS:      runtime.GOOS,
		Browser: name,
		Device:  name,
	}
}

// connection is the per-socket state owned by one connect cycle.
type connection struct {
	ws          *websocket.Conn
	stop        chan struct{}
	heartbeat   sync.Once
	established bool
}

// Gateway keeps one websocket connection alive, resuming the session
// whenever the server allows it.
type Gateway struct {
	cfg      config.GatewayCfg
	identity Identity
	resolve  Resolver
	handler  Handler
	logger   zerolog.Logger
	metrics  *metrics.Collector
	dialer   *websocket.Dialer
	limiter  *rate.Limiter

	state atomic.Int32

	mu               sync.Mutex
	conn             *connection
	session          *Session
	started          bool
	stopped          bool
	shouldReconnect  bool
	instantReconnect bool
	brokenPipe       bool
	closing          bool
	lastAcked        bool
	cancel           context.CancelFunc

	writeMu sync.Mutex

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
}

func New(logger zerolog.Logger, cfg config.GatewayCfg, identity Identity,
	resolve Resolver, handler Handler, m *metrics.Collector) *Gateway {
	perMinute := cfg.CommandsPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}

	return &Gateway{
		cfg:      cfg,
		identity: identity,
		resolve:  resolve,
		handler:  handler,
		logger:   logger.With().Str("sub_service", "gateway").Logger(),
		metrics:  m,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (g *Gateway) State() State { return State(g.state.Load()) }

func (g *Gateway) setState(s State) { g.state.Store(int32(s)) }

// Open reports whether a socket is up and identified.
func (g *Gateway) Open() bool { return g.State() == Connected }

func (g *Gateway) Session() *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session
}

// Done is closed once the connection loop has exited for good.
func (g *Gateway) Done() <-chan struct{} { return g.done }

// Start launches the connection loop and blocks until NotifyReady is
// called, the loop gives up, or ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	if g.stopped {
		g.mu.Unlock()
		return ErrStopped
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	g.started = true
	g.shouldReconnect = true
	g.cancel = cancel
	g.mu.Unlock()

	go g.run(loopCtx)

	select {
	case <-g.ready:
		g.logger.Info().Msg("connection established and confirmed")
		return nil
	case <-g.done:
		return ErrStopped
	case <-ctx.Done():
		g.Stop(false)
		return ctx.Err()
	}
}

// NotifyReady releases Start. The bot calls it once the initial state is loaded.
func (g *Gateway) NotifyReady() {
	g.readyOnce.Do(func() { close(g.ready) })
}

// Stop disables reconnects and closes the socket. A graceful stop sends a
// normal close frame and waits for the read loop to see the closure.
func (g *Gateway) Stop(graceful bool) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.shouldReconnect = false
	g.closing = true
	conn, cancel, started := g.conn, g.cancel, g.started
	g.mu.Unlock()

	// wakes a loop that is dialing or waiting out a reconnect delay
	if cancel != nil {
		cancel()
	}

	if conn != nil {
		g.writeClose(conn, websocket.CloseNormalClosure)
		if !graceful {
			_ = conn.ws.Close()
		}
	}

	if !graceful || !started {
		return
	}

	select {
	case <-g.done:
	case <-time.After(g.cfg.CloseTimeout):
		g.logger.Warn().Msg("close handshake timed out")
		if conn != nil {
			_ = conn.ws.Close()
		}
	}
}

// Reconnect drops the current socket and connects again without backoff.
// With tryResume the next handshake resumes the session, otherwise it identifies.
func (g *Gateway) Reconnect(tryResume bool) {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	if g.session != nil {
		if tryResume {
			g.session.Suspend()
		} else {
			g.session.Invalidate()
		}
	}
	g.instantReconnect = true
	g.shouldReconnect = true
	g.closing = true
	conn, broken := g.conn, g.brokenPipe
	g.mu.Unlock()

	if conn == nil {
		return
	}
	if !broken {
		g.writeClose(conn, closeResume)
	}
	_ = conn.ws.Close()
}

func (g *Gateway) run(ctx context.Context) {
	defer func() {
		g.setState(Disconnected)
		close(g.done)
		g.logger.Info().Msg("websocket loop has been terminated")
	}()

	delay := g.cfg.ReconnectDelay
	for {
		established := g.connect(ctx)

		g.mu.Lock()
		should, instant := g.shouldReconnect, g.instantReconnect
		g.instantReconnect = false
		g.mu.Unlock()

		if !should || ctx.Err() != nil {
			return
		}

		g.setState(Reconnecting)
		g.metrics.Inc(config.GatewayReconnects)

		if instant {
			delay = g.cfg.ReconnectDelay
			continue
		}
		if established {
			delay = g.cfg.ReconnectDelay
		}

		g.logger.Info().Dur("delay", delay).Msg("waiting before reconnect")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = nextDelay(delay, g.cfg.ReconnectFactor, g.cfg.MaxReconnectDelay)
	}
}

func nextDelay(delay time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(math.Round(float64(delay) * factor))
	if next > max {
		return max
	}
	return next
}

// connect runs one connection cycle and reports whether it reached READY or RESUMED.
func (g *Gateway) connect(ctx context.Context) bool {
	g.setState(Connecting)

	url := g.cfg.URL
	if url == "" {
		var err error
		if url, err = g.resolve(ctx); err != nil {
			g.logger.Error().Err(err).Msg("failed to get gateway url")
			return false
		}
	}

	ws, _, err := g.dialer.DialContext(ctx, url, nil)
	if err != nil {
		g.logger.Error().Err(err).Str("url", url).Msg("an error occurred during websocket connect")
		return false
	}

	conn := &connection{ws: ws, stop: make(chan struct{})}

	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		_ = ws.Close()
		return false
	}
	g.conn = conn
	g.closing = false
	g.brokenPipe = false
	g.lastAcked = true
	g.mu.Unlock()

	g.metrics.Inc(config.GatewayConnects)
	g.setState(HandshakeWait)
	g.handler.Dispatch(EventConnect, nil)

	g.readLoop(conn)
	g.teardown(conn)
	return conn.established
}

func (g *Gateway) readLoop(conn *connection) {
	for {
		_, frame, err := conn.ws.ReadMessage()
		if err != nil {
			g.handleReadError(err)
			return
		}
		g.handleFrame(conn, frame)
	}
}

func (g *Gateway) handleReadError(err error) {
	g.mu.Lock()
	closing := g.closing
	g.mu.Unlock()

	if closing {
		g.logger.Debug().Err(err).Msg("socket closed by client")
		return
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		g.logger.Warn().
			Int("code", closeErr.Code).
			Str("info", closeErr.Text).
			Msg("received websocket close frame")

		if fatalCloseCodes[closeErr.Code] {
			g.mu.Lock()
			g.shouldReconnect = false
			g.mu.Unlock()
			return
		}

		g.logger.Warn().Msg("non-fatal code, attempting to reconnect")
		g.Reconnect(true)
		return
	}

	g.logger.Warn().Err(err).Msg("connection lost, attempting to reconnect")
	g.mu.Lock()
	g.brokenPipe = true
	g.mu.Unlock()
	g.Reconnect(true)
}

func (g *Gateway) teardown(conn *connection) {
	close(conn.stop)
	_ = conn.ws.Close()

	g.mu.Lock()
	if g.conn == conn {
		g.conn = nil
	}
	if g.session != nil {
		g.session.Suspend()
	}
	g.mu.Unlock()

	g.setState(Disconnected)
	g.handler.Dispatch(EventDisconnect, nil)
}

func (g *Gateway) handleFrame(conn *connection, frame []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error().Interface("panic", rec).Msg("an error occurred while handling a frame")
		}
	}()

	packet, err := decodePacket(frame)
	if err != nil {
		g.logger.Error().Err(err).Msg("dropping frame")
		return
	}

	switch packet.Op {
	case OpDispatch:
		g.handleDispatch(conn, packet)
	case OpHello:
		g.handleHello(conn, packet)
	case OpReconnect:
		g.logger.Info().Msg("server requested reconnect")
		g.Reconnect(true)
	case OpInvalidateSession:
		g.logger.Warn().Msg("session invalidated, identifying")
		if s := g.Session(); s != nil {
			s.Invalidate()
		}
		g.logSendError(g.SendIdentify())
	case OpHeartbeatAck:
		g.mu.Lock()
		g.lastAcked = true
		g.mu.Unlock()
	case OpHeartbeat:
		g.logSendError(g.SendHeartbeat(g.sequence()))
	default:
		g.logger.Error().Int("op", int(packet.Op)).Msg("invalid opcode received")
	}
}

func (g *Gateway) handleDispatch(conn *connection, packet *Packet) {
	g.metrics.Inc(config.GatewayDispatches)

	switch packet.Type {
	case EventReady:
		var ready Ready
		if err := json.Unmarshal(packet.Data, &ready); err != nil {
			g.logger.Error().Err(err).Msg("malformed READY payload")
			return
		}

		g.mu.Lock()
		g.session = NewSession(ready.SessionID)
		g.mu.Unlock()

		conn.established = true
		g.setState(Connected)
		g.logger.Info().
			Stringer("user", ready.User.ID).
			Int("version", ready.Version).
			Msg("received READY packet")
	case EventResumed:
		conn.established = true
		g.setState(Connected)
		g.logger.Info().Msg("received session resume confirmation")
	}

	if packet.Sequence != nil {
		if s := g.Session(); s != nil {
			s.SetSequence(*packet.Sequence)
		}
	}

	if packet.Type == EventResumed {
		return
	}
	g.handler.Dispatch(packet.Type, packet.Data)
}

func (g *Gateway) handleHello(conn *connection, packet *Packet) {
	var hello Hello
	if err := json.Unmarshal(packet.Data, &hello); err != nil {
		g.logger.Error().Err(err).Msg("malformed HELLO payload")
		return
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	conn.heartbeat.Do(func() {
		go g.heartbeatLoop(conn, interval)
	})

	if s := g.Session(); s != nil && s.ShouldResume() {
		s.Resume()
		g.logger.Info().Str("session", s.ID()).Int64("seq", s.Sequence()).Msg("resuming session")
		g.logSendError(g.SendResume())
		return
	}
	g.logSendError(g.SendIdentify())
}

func (g *Gateway) heartbeatLoop(conn *connection, interval time.Duration) {
	for {
		wait := interval
		if s := g.Session(); s != nil && s.Suspended() {
			wait = g.cfg.SuspendedPoll
		}

		select {
		case <-conn.stop:
			return
		case <-time.After(wait):
		}

		if s := g.Session(); s != nil && s.Suspended() {
			continue
		}

		g.handler.Heartbeat()
		if !g.heartbeat() {
			return
		}
	}
}

// heartbeat sends one heartbeat, or forces a reconnect when the previous
// one was never acknowledged. It returns false after the reconnect.
func (g *Gateway) heartbeat() bool {
	if g.cfg.CheckHeartbeatAcks {
		g.mu.Lock()
		acked := g.lastAcked
		g.lastAcked = false
		if !acked {
			g.brokenPipe = true
		}
		g.mu.Unlock()

		if !acked {
			g.logger.Warn().Msg("heartbeat not acknowledged, attempting to reconnect")
			g.metrics.Inc(config.GatewayMissedAcks)
			g.Reconnect(true)
			return false
		}
	}

	g.logSendError(g.SendHeartbeat(g.sequence()))
	return true
}

func (g *Gateway) sequence() int64 {
	if s := g.Session(); s != nil {
		return s.Sequence()
	}
	return 0
}

func (g *Gateway) logSendError(err error) {
	if err != nil {
		g.logger.Error().Err(err).Msg("an error occurred during websocket write")
	}
}

func (g *Gateway) SendHeartbeat(seq int64) error {
	g.metrics.Inc(config.GatewayHeartbeats)
	return g.send(OpHeartbeat, seq)
}

func (g *Gateway) SendIdentify() error {
	return g.send(OpIdentify, Identify{
		Token:          g.identity.Token,
		Properties:     g.identity.Properties,
		Compress:       g.cfg.Compress,
		LargeThreshold: g.cfg.LargeThreshold,
		Shard:          g.identity.Shard,
	})
}

func (g *Gateway) SendResume() error {
	s := g.Session()
	if s == nil {
		return errors.New("no session to resume")
	}
	return g.send(OpResume, Resume{Token: g.identity.Token, SessionID: s.ID(), Sequence: s.Sequence()})
}

func (g *Gateway) SendStatusUpdate(status string, since *int64, game interface{}, afk bool) error {
	return g.send(OpPresence, StatusUpdate{Status: status, Since: since, Game: game, AFK: afk})
}

// SendVoiceStateUpdate joins channel, or leaves voice on the server when channel is empty.
func (g *Gateway) SendVoiceStateUpdate(server, channel string, selfMute, selfDeaf bool) error {
	update := VoiceStateUpdate{GuildID: server, SelfMute: selfMute, SelfDeaf: selfDeaf}
	if channel != "" {
		update.ChannelID = &channel
	}
	return g.send(OpVoiceState, update)
}

func (g *Gateway) SendRequestMembers(server, query string, limit int) error {
	return g.send(OpRequestMembers, RequestMembers{GuildID: server, Query: query, Limit: limit})
}

func (g *Gateway) send(op Opcode, data interface{}) error {
	if op != OpHeartbeat {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := g.limiter.Wait(ctx)
		cancel()
		if err != nil {
			return errors.Wrap(err, "gateway command limit")
		}
	}

	raw, err := json.Marshal(outPacket{Op: op, Data: data})
	if err != nil {
		return errors.Wrap(err, "failed to encode packet")
	}

	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	g.writeMu.Lock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.ws.WriteMessage(websocket.TextMessage, raw)
	g.writeMu.Unlock()

	if err != nil {
		g.mu.Lock()
		g.brokenPipe = true
		g.mu.Unlock()
		_ = conn.ws.Close()
		return errors.Wrapf(err, "failed to send op %d", op)
	}
	return nil
}

func (g *Gateway) writeClose(conn *connection, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	g.writeMu.Lock()
	err := conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	g.writeMu.Unlock()

	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !errors.Is(err, net.ErrClosed) {
		g.logger.Debug().Err(err).Int("code", code).Msg("failed to send close frame")
	}
}
