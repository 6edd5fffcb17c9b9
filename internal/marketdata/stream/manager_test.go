package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	conn int
	req  request
}

// wsServer is a local endpoint that records client requests and never sends
// data on its own.
type wsServer struct {
	*httptest.Server
	conns  chan *websocket.Conn
	frames chan frame
}

func newWSServer(t *testing.T, onConn func(*websocket.Conn)) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan frame, 64),
	}
	var n atomic.Int32
	up := websocket.Upgrader{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		id := int(n.Add(1))
		if onConn != nil {
			onConn(c)
		}
		s.conns <- c
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			var req request
			if json.Unmarshal(data, &req) == nil {
				s.frames <- frame{conn: id, req: req}
			}
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *wsServer) wsURL() string { return "ws" + strings.TrimPrefix(s.URL, "http") }

func waitFrame(t *testing.T, ch <-chan frame) frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for client frame")
	}
	return frame{}
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestManager_ReplaysSubscriptionsOnConnect(t *testing.T) {
	srv := newWSServer(t, nil)
	sink := newRecordingSink()
	m, err := New(Config{URL: srv.wsURL(), ReconnectDelay: 10 * time.Millisecond}, sink)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Subscribe(KlineChannel("BTCUSDT", "1m")); err != nil {
		t.Fatal(err)
	}
	if _, pending := m.Subscriptions(); len(pending) != 1 {
		t.Fatalf("expected queued subscription, got %v", pending)
	}

	startManager(t, m)

	f := waitFrame(t, srv.frames)
	if f.req.Method != "SUBSCRIBE" || len(f.req.Params) != 1 || f.req.Params[0] != "btcusdt@kline_1m" {
		t.Fatalf("unexpected first request %+v", f.req)
	}

	conn := <-srv.conns
	if err := conn.WriteMessage(websocket.TextMessage, []byte(klineFrame)); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-sink.ch:
		if c.Close != 101.25 {
			t.Errorf("unexpected candle %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("kline never reached the sink")
	}

	active, pending := m.Subscriptions()
	if len(active) != 1 || len(pending) != 0 {
		t.Errorf("expected pending flushed into active, got active=%v pending=%v", active, pending)
	}

	// A live subscription is sent immediately.
	if err := m.Subscribe(KlineChannel("ethusdt", "5m")); err != nil {
		t.Fatal(err)
	}
	f = waitFrame(t, srv.frames)
	if f.req.Method != "SUBSCRIBE" || f.req.Params[0] != "ethusdt@kline_5m" {
		t.Errorf("unexpected live subscribe %+v", f.req)
	}
}

func TestManager_WatchdogReconnectsSilentServer(t *testing.T) {
	srv := newWSServer(t, nil)
	m, err := New(Config{
		URL:               srv.wsURL(),
		ReconnectDelay:    10 * time.Millisecond,
		MaxReconnectDelay: 20 * time.Millisecond,
		SilenceWindow:     150 * time.Millisecond,
		WatchdogInterval:  20 * time.Millisecond,
	}, newRecordingSink())
	if err != nil {
		t.Fatal(err)
	}

	var watchdogs atomic.Int32
	m.OnWatchdog = func(time.Duration) { watchdogs.Add(1) }
	var degraded atomic.Bool
	m.OnStateChange = func(from, to State) {
		if to == Degraded {
			degraded.Store(true)
		}
	}

	m.Subscribe(KlineChannel("btcusdt", "1m"))
	startManager(t, m)

	first := waitFrame(t, srv.frames)
	second := waitFrame(t, srv.frames)
	if first.conn == second.conn {
		t.Fatalf("expected a second connection, both frames came from conn %d", first.conn)
	}
	if second.req.Method != "SUBSCRIBE" || second.req.Params[0] != "btcusdt@kline_1m" {
		t.Errorf("subscription not replayed after reconnect: %+v", second.req)
	}
	if watchdogs.Load() == 0 {
		t.Error("expected watchdog to fire")
	}
	if !degraded.Load() {
		t.Error("expected DEGRADED before reconnect")
	}
	if m.Stats().Reconnects == 0 {
		t.Error("expected reconnect counter to move")
	}
}

func TestManager_AnswersPingWithPong(t *testing.T) {
	pongs := make(chan string, 1)
	srv := newWSServer(t, func(c *websocket.Conn) {
		c.SetPongHandler(func(data string) error {
			pongs <- data
			return nil
		})
	})
	m, err := New(Config{URL: srv.wsURL()}, newRecordingSink())
	if err != nil {
		t.Fatal(err)
	}
	startManager(t, m)

	conn := <-srv.conns
	if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-pongs:
		if got != "keepalive" {
			t.Errorf("pong payload %q, want keepalive", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no pong received")
	}
}

func TestManager_UnsubscribeWhileDisconnected(t *testing.T) {
	m := newTestManager(t, newRecordingSink())
	m.Subscribe("btcusdt@kline_1m")
	m.Subscribe("ethusdt@kline_1m")
	if err := m.Unsubscribe("btcusdt@kline_1m"); err != nil {
		t.Fatal(err)
	}
	active, pending := m.Subscriptions()
	if len(active) != 0 || len(pending) != 1 || pending[0] != "ethusdt@kline_1m" {
		t.Errorf("unexpected sets active=%v pending=%v", active, pending)
	}
}

func TestManager_ReconnectWithoutConnection(t *testing.T) {
	m := newTestManager(t, newRecordingSink())
	if err := m.Reconnect("manual"); err != ErrNotConnected {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestManager_ConcurrentReconnectsCollapse(t *testing.T) {
	srv := newWSServer(t, nil)
	m, err := New(Config{
		URL:               srv.wsURL(),
		ReconnectDelay:    300 * time.Millisecond,
		MaxReconnectDelay: 300 * time.Millisecond,
	}, newRecordingSink())
	if err != nil {
		t.Fatal(err)
	}
	var reconnects atomic.Int32
	m.OnReconnect = func(string) { reconnects.Add(1) }
	startManager(t, m)

	select {
	case <-srv.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("manager never connected")
	}
	deadline := time.Now().Add(5 * time.Second)
	for m.State() != Connected {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want CONNECTED", m.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	const callers = 16
	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		oks   atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			switch err := m.Reconnect("manual"); err {
			case nil:
				oks.Add(1)
			case ErrNotConnected:
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := reconnects.Load(); got != 1 {
		t.Errorf("OnReconnect fired %d times, want 1", got)
	}
	if oks.Load() < 1 {
		t.Error("expected at least one caller to own the reconnect")
	}

	select {
	case <-srv.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not dial again")
	}
	select {
	case <-srv.conns:
		t.Error("server saw more than one new connection")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestKlineChannel(t *testing.T) {
	if got := KlineChannel("BTCUSDT", "15M"); got != "btcusdt@kline_15m" {
		t.Errorf("got %q", got)
	}
}

func TestNew_RejectsHTTPURL(t *testing.T) {
	if _, err := New(Config{URL: "http://example.com"}, newRecordingSink()); err == nil {
		t.Error("expected scheme error")
	}
}
