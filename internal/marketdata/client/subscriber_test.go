package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
	"github.com/wyfcoding/papertrading/pkg/logger"
)

type frame struct {
	data []byte
	err  error
}

type fakeConn struct {
	in        chan frame
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	controls [][]byte
	deadline time.Time
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()
	var expired <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-expired:
		return 0, nil, os.ErrDeadlineExceeded
	case f := <-c.in:
		if f.err != nil {
			return 0, nil, f.err
		}
		return websocket.TextMessage, f.data, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) WriteControl(_ int, data []byte, _ time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.controls = append(c.controls, data)
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

func (c *fakeConn) closeFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.controls...)
}

// scriptedDialer 按顺序返回预设连接，用完后拨号失败
type scriptedDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials atomic.Int32
}

func (d *scriptedDialer) dial(ctx context.Context, _ string) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil, errors.New("connection refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func testOptions(d *scriptedDialer) Options {
	return Options{
		MaxAttempts:       3,
		Backoff:           time.Millisecond,
		HeartbeatInterval: time.Hour,
		IdleTimeout:       time.Hour,
		Dialer:            d.dial,
		Logger:            logger.Discard(),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

const pricesMsg = `{"type":"prices","prices":{"bitcoin":{"usd":43000}},"lastUpdate":"2026-01-01T00:00:00Z"}`

func TestSubscriber_IdleConnectionReconnects(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &scriptedDialer{conns: []*fakeConn{first, second}}

	opts := testOptions(d)
	opts.IdleTimeout = 50 * time.Millisecond
	opts.Backoff = 200 * time.Millisecond
	sub := New("ws://feed", opts)
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	// 入站消息刷新存活期限，静默超时后才断开
	for range 3 {
		time.Sleep(25 * time.Millisecond)
		first.in <- frame{data: []byte(pricesMsg)}
	}
	if got := d.dials.Load(); got != 1 {
		t.Fatalf("dials while traffic flows = %d, want 1", got)
	}

	waitFor(t, "reconnecting after idle timeout", func() bool { return sub.State() == StateReconnecting })
	if sub.Attempts() != 1 {
		t.Errorf("attempts = %d, want 1", sub.Attempts())
	}
	waitFor(t, "second dial", func() bool { return d.dials.Load() >= 2 })
	select {
	case <-first.closed:
	default:
		t.Error("idle connection was not closed")
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	def := DefaultOptions()
	s := New("ws://feed", Options{})
	if s.opts.MaxAttempts != def.MaxAttempts || s.opts.Backoff != def.Backoff {
		t.Errorf("zero options = %d/%v, want %d/%v", s.opts.MaxAttempts, s.opts.Backoff, def.MaxAttempts, def.Backoff)
	}
	if s.opts.HeartbeatInterval != def.HeartbeatInterval || s.opts.IdleTimeout != def.IdleTimeout || s.opts.Dialer == nil {
		t.Errorf("zero options not defaulted: %+v", s.opts)
	}

	if s := New("ws://feed", Options{MaxAttempts: -1}); s.opts.MaxAttempts != 0 {
		t.Errorf("negative MaxAttempts = %d, want 0 (no reconnect)", s.opts.MaxAttempts)
	}
}

func TestSubscriber_ReceivesSnapshots(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{conns: []*fakeConn{conn}}

	got := make(chan *domain.PriceSnapshot, 1)
	opts := testOptions(d)
	opts.OnSnapshot = func(s *domain.PriceSnapshot) { got <- s }
	sub := New("ws://feed", opts)

	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	conn.in <- frame{data: []byte(`garbage`)}
	conn.in <- frame{data: []byte(`{"type":"prices","prices":{"bitcoin":{"usd":-5}}}`)}
	conn.in <- frame{data: []byte(pricesMsg)}

	select {
	case s := <-got:
		if p, _ := s.Price("bitcoin"); p.String() != "43000" {
			t.Errorf("bitcoin = %s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot delivered")
	}
	if p, ok := sub.Prices().Price("bitcoin"); !ok || p.String() != "43000" {
		t.Errorf("Prices() bitcoin = %s, %v", p, ok)
	}
	if sub.State() != StateConnected {
		t.Errorf("state = %s", sub.State())
	}
}

func TestSubscriber_ReconnectsAfterAbnormalClose(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &scriptedDialer{conns: []*fakeConn{first, second}}
	sub := New("ws://feed", testOptions(d))
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	waitFor(t, "first connection", func() bool { return sub.State() == StateConnected })
	first.in <- frame{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}}

	waitFor(t, "reconnect", func() bool { return d.dials.Load() == 2 && sub.State() == StateConnected })
	if sub.Attempts() != 0 {
		t.Errorf("attempts = %d, should reset after reconnect", sub.Attempts())
	}
}

func TestSubscriber_NormalCloseDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{conns: []*fakeConn{conn, newFakeConn()}}
	sub := New("ws://feed", testOptions(d))
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	waitFor(t, "connection", func() bool { return sub.State() == StateConnected })
	conn.in <- frame{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}
	sub.Wait()

	if d.dials.Load() != 1 {
		t.Errorf("dials = %d, want 1", d.dials.Load())
	}
	if sub.State() != StateDisconnected {
		t.Errorf("state = %s", sub.State())
	}
}

func TestSubscriber_GivesUpAfterMaxAttempts(t *testing.T) {
	d := &scriptedDialer{}
	sub := New("ws://feed", testOptions(d))
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		sub.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber kept retrying")
	}

	// 首次拨号加 3 次重连
	if got := d.dials.Load(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
	if sub.State() != StateDisconnected {
		t.Errorf("state = %s", sub.State())
	}

	// 耗尽后可以重新启动
	if err := sub.Start(context.Background()); err != nil {
		t.Errorf("restart: %v", err)
	}
	sub.Close()
}

func TestSubscriber_CloseSendsNormalClosure(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{conns: []*fakeConn{conn, newFakeConn()}}
	sub := New("ws://feed", testOptions(d))
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sub.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second start err = %v", err)
	}

	waitFor(t, "connection", func() bool { return sub.State() == StateConnected })
	sub.Close()

	frames := conn.closeFrames()
	want := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if len(frames) != 1 || string(frames[0]) != string(want) {
		t.Errorf("close frames = %v", frames)
	}
	if sub.State() != StateDisconnected {
		t.Errorf("state = %s", sub.State())
	}
	if d.dials.Load() != 1 {
		t.Errorf("dials = %d, Close must not reconnect", d.dials.Load())
	}
}

func TestSubscriber_Heartbeat(t *testing.T) {
	conn := newFakeConn()
	d := &scriptedDialer{conns: []*fakeConn{conn}}
	opts := testOptions(d)
	opts.HeartbeatInterval = 10 * time.Millisecond
	sub := New("ws://feed", opts)
	if err := sub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	waitFor(t, "two pings", func() bool { return len(conn.writes()) >= 2 })
	for i, w := range conn.writes()[:2] {
		var msg struct {
			Type string `json:"type"`
			ID   int64  `json:"id"`
		}
		if err := json.Unmarshal(w, &msg); err != nil {
			t.Fatalf("decode ping: %v", err)
		}
		if msg.Type != "ping" || msg.ID != int64(i+1) {
			t.Errorf("ping %d = %+v", i, msg)
		}
	}
}

func TestState_String(t *testing.T) {
	for st, want := range map[State]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateReconnecting: "reconnecting",
		State(9):          "state(9)",
	} {
		if got := st.String(); got != want {
			t.Errorf("%d.String() = %s", st, got)
		}
	}
}
