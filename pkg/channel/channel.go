package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lyolabs/companion/pkg/errorsx"
	"github.com/lyolabs/companion/pkg/logging"
	"github.com/lyolabs/companion/pkg/metrics"
	"github.com/lyolabs/companion/pkg/resilience"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateReconnecting State = "reconnecting"
	StateClosing      State = "closing"
)

// ErrNotConnected is returned by Send when the channel is not open.
// Callers decide whether to drop, queue, or surface the failure.
var ErrNotConnected = errors.New("channel not open")

// EventKind discriminates channel events.
type EventKind int

const (
	EventMessage EventKind = iota
	EventControl
	EventDecodeError
)

// Event is one observable inbound occurrence. Lifecycle transitions
// travel on the dedicated States stream instead, so a burst of inbound
// traffic can never crowd out a state change.
type Event struct {
	Kind    EventKind
	Inbound Inbound
	Err     error
}

// Config controls the websocket channel.
type Config struct {
	// URL is the backend websocket base, e.g. wss://host/ai/ws. The user
	// id is appended as the final path segment.
	URL    string
	UserID string
	Token  string

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration

	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
	// MaxAttempts bounds consecutive failed reconnect attempts; zero
	// means retry until Close.
	MaxAttempts int

	SendBuffer  int
	EventBuffer int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.BackoffInitial == 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.SendBuffer == 0 {
		c.SendBuffer = 64
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = 64
	}
	return c
}

type outboundMsg struct {
	typ  int
	data []byte
}

// Channel is a persistent websocket client with automatic reconnect.
// A generation counter ties each read/write pump to the connection that
// spawned it, so a stale pump observing an error on an already-replaced
// connection cannot trigger a second reconnect.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer

	mu        sync.Mutex
	state     State
	conn      *websocket.Conn
	gen       uint64
	sendCh    chan outboundMsg
	timer     *time.Timer
	backoff   *resilience.Backoff
	closed    bool
	queryAuth bool
	ctx       context.Context

	events chan Event
	states chan State
	done   chan struct{}

	obs    metrics.Observer
	logger *slog.Logger
}

func New(cfg Config, obs metrics.Observer) *Channel {
	if obs == nil {
		obs = metrics.NoopObserver{}
	}
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		state:   StateDisconnected,
		backoff: resilience.NewBackoff(cfg.BackoffInitial, cfg.BackoffMultiplier, cfg.BackoffMax),
		events:  make(chan Event, cfg.EventBuffer),
		states:  make(chan State, 16),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		obs:     obs,
		logger:  logging.NewComponentLogger(slog.Default(), "channel"),
	}
}

// Events returns the ordered inbound event stream. It is never closed;
// consumers stop reading after Close.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// States returns the lifecycle transition stream. Delivery is lossy only
// under sustained consumer stall, and then drops the oldest transition
// first, so the newest state always arrives.
func (c *Channel) States() <-chan State {
	return c.states
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect establishes the websocket session. It is a no-op when a
// connection attempt is already in flight or the channel is open. A
// failed dial schedules a background retry and returns nil; only a
// rejected credential is surfaced as an error, since retrying it cannot
// help.
func (c *Channel) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("channel closed")
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.ctx = ctx
	c.setState(StateConnecting)
	c.mu.Unlock()

	conn, fatal, err := c.dial(ctx)
	if err != nil {
		if fatal {
			c.mu.Lock()
			c.setState(StateDisconnected)
			c.mu.Unlock()
			c.emit(Event{Kind: EventControl, Inbound: Inbound{Control: &Control{Type: ControlError, Reason: "auth_rejected"}}})
			return err
		}
		c.logger.Warn("dial failed, scheduling retry", slog.String("error", err.Error()))
		c.mu.Lock()
		c.setState(StateReconnecting)
		c.scheduleReconnect()
		c.mu.Unlock()
		return nil
	}
	c.attach(conn)
	return nil
}

// Send marshals and enqueues a JSON payload. Delivery is fire-and-forget:
// an enqueued payload that cannot be written before the connection drops
// is dropped with a counted metric, never retried silently.
func (c *Channel) Send(out Outbound) error {
	data, err := json.Marshal(out)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonEncode)
	}
	return c.enqueue(outboundMsg{typ: websocket.TextMessage, data: data})
}

// SendBinary enqueues a raw binary payload, used for audio forwarding.
func (c *Channel) SendBinary(data []byte) error {
	return c.enqueue(outboundMsg{typ: websocket.BinaryMessage, data: data})
}

func (c *Channel) enqueue(m outboundMsg) error {
	c.mu.Lock()
	if c.state != StateOpen || c.sendCh == nil {
		c.mu.Unlock()
		return errorsx.Wrap(ErrNotConnected, errorsx.ReasonNotConnected)
	}
	ch := c.sendCh

	// Non-blocking send under the lock: connLost closes sendCh while
	// holding the same lock, so we can never send on a closed channel.
	select {
	case ch <- m:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
		c.record("channel_send_dropped", "buffer_full")
		return errorsx.Wrap(errors.New("send buffer full"), errorsx.ReasonChannelSend)
	}
}

// Close tears the channel down. Idempotent; no reconnect is attempted
// afterwards.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.setState(StateClosing)
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	if c.sendCh != nil {
		close(c.sendCh)
		c.sendCh = nil
	}
	c.setState(StateDisconnected)
	c.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	return nil
}

// dial performs one handshake. When the backend rejects bearer-header
// auth, it retries once with the token as a query parameter; a rejection
// of both is fatal.
func (c *Channel) dial(ctx context.Context) (conn *websocket.Conn, fatal bool, err error) {
	c.mu.Lock()
	queryAuth := c.queryAuth
	c.mu.Unlock()

	endpoint := strings.TrimRight(c.cfg.URL, "/") + "/" + c.cfg.UserID

	header := http.Header{}
	target := endpoint
	if c.cfg.Token != "" {
		if queryAuth {
			target = endpoint + "?token=" + url.QueryEscape(c.cfg.Token)
		} else {
			header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
	}

	conn, resp, err := c.dialer.DialContext(ctx, target, header)
	if err == nil {
		return conn, false, nil
	}
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		if !queryAuth && c.cfg.Token != "" {
			c.logger.Info("header auth rejected, retrying with query token")
			c.mu.Lock()
			c.queryAuth = true
			c.mu.Unlock()
			return c.dial(ctx)
		}
		return nil, true, errorsx.Wrap(err, errorsx.ReasonAuthRejected)
	}
	return nil, false, err
}

// attach installs a fresh connection and spawns its pumps.
func (c *Channel) attach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.gen++
	gen := c.gen
	ch := make(chan outboundMsg, c.cfg.SendBuffer)
	c.sendCh = ch
	c.backoff.Reset()
	c.setState(StateOpen)
	c.mu.Unlock()

	c.logger.Info("channel open", slog.String("user_id", c.cfg.UserID))
	go c.readPump(conn, gen)
	go c.writePump(conn, ch, gen)
}

func (c *Channel) readPump(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connLost(gen, err)
			return
		}
		in, derr := DecodeInbound(data)
		if derr != nil {
			c.record("channel_decode_error", string(errorsx.Reason(derr)))
			c.emit(Event{Kind: EventDecodeError, Err: derr})
			continue
		}
		if in.Control != nil {
			c.emit(Event{Kind: EventControl, Inbound: in})
		} else {
			c.emit(Event{Kind: EventMessage, Inbound: in})
		}
	}
}

func (c *Channel) writePump(conn *websocket.Conn, ch chan outboundMsg, gen uint64) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	ping, _ := json.Marshal(Outbound{Type: TypePing})
	dead := false

	write := func(typ int, data []byte) {
		if dead {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		if err := conn.WriteMessage(typ, data); err != nil {
			dead = true
			c.connLost(gen, err)
		}
	}

	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return
			}
			if dead {
				c.record("channel_send_dropped", "connection_lost")
				continue
			}
			write(m.typ, m.data)
			if dead {
				c.record("channel_send_dropped", "connection_lost")
			}
		case <-ticker.C:
			write(websocket.TextMessage, ping)
		}
	}
}

// connLost handles a dead connection exactly once per generation. Stale
// pumps from an already-replaced connection are ignored.
func (c *Channel) connLost(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	if c.sendCh != nil {
		close(c.sendCh)
		c.sendCh = nil
	}
	c.setState(StateReconnecting)
	c.scheduleReconnect()
	c.mu.Unlock()

	c.logger.Warn("connection lost",
		slog.String("reason_code", string(errorsx.ReasonConnectionLost)),
		slog.String("error", err.Error()))
	c.record("channel_connection_lost", "")

	if conn != nil {
		_ = conn.Close()
	}
}

// scheduleReconnect arms the backoff timer. Caller holds c.mu.
func (c *Channel) scheduleReconnect() {
	if c.cfg.MaxAttempts > 0 && c.backoff.Attempt() >= c.cfg.MaxAttempts {
		c.logger.Error("reconnect attempts exhausted",
			slog.Int("attempts", c.backoff.Attempt()))
		c.setState(StateDisconnected)
		return
	}
	delay := c.backoff.Next()
	c.logger.Info("reconnect scheduled",
		slog.Duration("delay", delay),
		slog.Int("attempt", c.backoff.Attempt()))
	c.timer = time.AfterFunc(delay, c.redial)
}

func (c *Channel) redial() {
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.setState(StateConnecting)
	ctx := c.ctx
	c.mu.Unlock()

	conn, fatal, err := c.dial(ctx)
	if err != nil {
		if fatal {
			c.logger.Error("credential rejected, giving up",
				slog.String("error", err.Error()))
			c.mu.Lock()
			c.setState(StateDisconnected)
			c.mu.Unlock()
			c.emit(Event{Kind: EventControl, Inbound: Inbound{Control: &Control{Type: ControlError, Reason: "auth_rejected"}}})
			return
		}
		c.mu.Lock()
		c.setState(StateReconnecting)
		c.scheduleReconnect()
		c.mu.Unlock()
		return
	}
	c.attach(conn)
}

// setState transitions and publishes. Caller holds c.mu, so the publish
// must never block: on a full buffer the oldest transition is evicted to
// make room, keeping the newest state deliverable.
func (c *Channel) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	for {
		select {
		case c.states <- s:
			return
		default:
		}
		select {
		case <-c.states:
			c.record("channel_state_coalesced", "")
		default:
		}
	}
}

// emit delivers an inbound event. Messages and controls block until the
// consumer takes them (the pumps run without c.mu here, so backpressure
// is safe); decode errors are loss-tolerant and drop with a metric.
func (c *Channel) emit(ev Event) {
	if ev.Kind == EventDecodeError {
		select {
		case c.events <- ev:
		default:
			c.record("channel_event_dropped", "decode_error")
		}
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Channel) record(name, reason string) {
	tags := map[string]string{"user_id": c.cfg.UserID}
	if reason != "" {
		tags["reason"] = reason
	}
	c.obs.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Value: 1, Tags: tags})
}
