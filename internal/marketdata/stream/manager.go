// Package stream keeps one websocket subscription set alive against a kline
// stream endpoint and upserts every kline event into a candle sink.
//
// The connection is never trusted on its own: a watchdog forces a
// reconnect when nothing (data or keepalive) arrives within the silence
// window, and every reconnect replays the active subscription set.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"candlebot/internal/model"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

// ErrNotConnected is returned by operations that need a live connection.
var ErrNotConnected = errors.New("stream: not connected")

// State of the connection state machine.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Degraded:
		return "DEGRADED"
	case Reconnecting:
		return "RECONNECTING"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config holds configuration for the stream manager.
type Config struct {
	// URL of the stream endpoint, e.g. "wss://stream.binance.com:9443/ws"
	URL string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// SilenceWindow is how long the connection may stay quiet before it is
	// considered half-open. Defaults to 60s.
	SilenceWindow time.Duration

	// WatchdogInterval is how often silence is checked. Defaults to
	// SilenceWindow/4.
	WatchdogInterval time.Duration

	// WriteTimeout bounds every control and subscription write. Defaults to 10s.
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	if c.SilenceWindow <= 0 {
		c.SilenceWindow = 60 * time.Second
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = c.SilenceWindow / 4
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

// KlineChannel returns the stream name for a symbol/timeframe pair.
func KlineChannel(symbol, timeframe string) string {
	k := model.NewSeriesKey(symbol, timeframe)
	return k.Symbol + "@kline_" + k.Timeframe
}

// Stats is a point-in-time view of the manager counters.
type Stats struct {
	State       State
	Messages    int64
	ParseErrors int64
	Reconnects  int64
	LastMessage time.Time
}

// Manager owns the connection, the subscription sets and the reconnect loop.
type Manager struct {
	cfg    Config
	sink   model.CandleSink
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	active  map[string]struct{}
	pending map[string]struct{}

	writeMu sync.Mutex
	sf      singleflight.Group

	state       atomic.Int32
	nextID      atomic.Int64
	lastMsg     atomic.Int64 // unix nanos
	messages    atomic.Int64
	parseErrors atomic.Int64
	reconnects  atomic.Int64

	// Optional hooks. They run on the manager's goroutines and must not block.
	OnStateChange  func(from, to State)
	OnParseError   func(err error, raw []byte)
	OnReconnect    func(reason string)
	OnWatchdog     func(silence time.Duration)
	OnClosedCandle func(c model.Candle)
	OnUnknownEvent func(event string)
}

// New creates a Manager. Returns an error if the URL is unparseable.
func New(cfg Config, sink model.CandleSink) (*Manager, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("stream: unsupported scheme %q", u.Scheme)
	}
	return &Manager{
		cfg:  cfg,
		sink: sink,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		active:  make(map[string]struct{}),
		pending: make(map[string]struct{}),
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Stats returns the manager counters.
func (m *Manager) Stats() Stats {
	s := Stats{
		State:       m.State(),
		Messages:    m.messages.Load(),
		ParseErrors: m.parseErrors.Load(),
		Reconnects:  m.reconnects.Load(),
	}
	if ns := m.lastMsg.Load(); ns > 0 {
		s.LastMessage = time.Unix(0, ns)
	}
	return s
}

// Subscriptions returns the active and pending channel sets, sorted.
func (m *Manager) Subscriptions() (active, pending []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.active), sortedKeys(m.pending)
}

// Subscribe sends a subscription if connected, otherwise queues it for the
// next connect. Subscribing twice is harmless.
func (m *Manager) Subscribe(channel string) error {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return errors.New("stream: empty channel")
	}
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.pending[channel] = struct{}{}
		m.mu.Unlock()
		log.Printf("[stream] queued subscription %s", channel)
		return nil
	}
	m.active[channel] = struct{}{}
	m.mu.Unlock()

	// A failed send stays in the active set and is replayed on reconnect.
	return m.send(conn, "SUBSCRIBE", []string{channel})
}

// Unsubscribe removes channel. While disconnected the channel is dropped from
// both sets and nothing is sent.
func (m *Manager) Unsubscribe(channel string) error {
	channel = strings.ToLower(strings.TrimSpace(channel))
	m.mu.Lock()
	conn := m.conn
	delete(m.active, channel)
	delete(m.pending, channel)
	m.mu.Unlock()
	if conn == nil {
		return nil
	}
	return m.send(conn, "UNSUBSCRIBE", []string{channel})
}

// Reconnect drops the current connection so that Run dials again. Concurrent
// calls collapse into one, and a call while no connection is live returns
// ErrNotConnected.
func (m *Manager) Reconnect(reason string) error {
	_, err, _ := m.sf.Do("reconnect", func() (interface{}, error) {
		m.mu.Lock()
		conn := m.conn
		m.conn = nil
		m.mu.Unlock()
		if conn == nil {
			return nil, ErrNotConnected
		}
		log.Printf("[stream] forcing reconnect: %s", reason)
		m.setState(Reconnecting)
		if m.OnReconnect != nil {
			m.OnReconnect(reason)
		}
		conn.Close()
		return nil, nil
	})
	return err
}

// Run dials, reads and reconnects until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	delay := m.cfg.ReconnectDelay
	defer m.setState(Disconnected)

	for {
		if ctx.Err() != nil {
			return nil
		}

		m.setState(Connecting)
		connected, err := m.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = m.cfg.ReconnectDelay
		}

		m.setState(Reconnecting)
		m.reconnects.Add(1)
		log.Printf("[stream] disconnected (%v), reconnecting in %s...", err, delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > m.cfg.MaxReconnectDelay {
			delay = m.cfg.MaxReconnectDelay
		}
	}
}

// session makes one connection and reads until it fails. connected reports
// whether the dial succeeded.
func (m *Manager) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	m.touch()

	conn.SetPingHandler(func(data string) error {
		m.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		m.touch()
		return nil
	})

	m.mu.Lock()
	m.conn = conn
	for ch := range m.pending {
		m.active[ch] = struct{}{}
	}
	clear(m.pending)
	channels := sortedKeys(m.active)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		conn.Close()
	}()

	log.Printf("[stream] connected to %s, subscribing %d channel(s)", m.cfg.URL, len(channels))
	m.setState(Connected)

	if len(channels) > 0 {
		if err := m.send(conn, "SUBSCRIBE", channels); err != nil {
			return true, fmt.Errorf("replay subscriptions: %w", err)
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		if ctx.Err() != nil {
			m.writeMu.Lock()
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			m.writeMu.Unlock()
		}
		conn.Close()
	}()
	go m.watchdog(sessCtx)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		m.touch()
		m.messages.Add(1)
		m.handle(raw)
	}
}

// watchdog forces a reconnect once the connection has been silent for longer
// than the silence window.
func (m *Manager) watchdog(ctx context.Context) {
	t := time.NewTicker(m.cfg.WatchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		silence := time.Since(time.Unix(0, m.lastMsg.Load()))
		if silence <= m.cfg.SilenceWindow {
			continue
		}
		log.Printf("[stream] no data for %s, connection degraded", silence.Round(time.Millisecond))
		m.setState(Degraded)
		if m.OnWatchdog != nil {
			m.OnWatchdog(silence)
		}
		if err := m.Reconnect(fmt.Sprintf("watchdog: silent for %s", silence.Round(time.Second))); err != nil &&
			!errors.Is(err, ErrNotConnected) {
			log.Printf("[stream] watchdog reconnect: %v", err)
		}
		return
	}
}

type request struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

func (m *Manager) send(conn *websocket.Conn, method string, params []string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	req := request{Method: method, Params: params, ID: m.nextID.Add(1)}
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("stream: %s %v: %w", method, params, err)
	}
	log.Printf("[stream] %s %v (id=%d)", method, params, req.ID)
	return nil
}

func (m *Manager) touch() { m.lastMsg.Store(time.Now().UnixNano()) }

func (m *Manager) setState(to State) {
	from := State(m.state.Swap(int32(to)))
	if from != to && m.OnStateChange != nil {
		m.OnStateChange(from, to)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
