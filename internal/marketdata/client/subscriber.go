// Package client 行情推送的客户端：断线自动重连的订阅者
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
)

// State 订阅者连接状态
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Conn 订阅者使用的连接能力，*websocket.Conn 满足该接口
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer 建立连接
type Dialer func(ctx context.Context, url string) (Conn, error)

// GorillaDialer 基于 gorilla/websocket 的默认拨号器
func GorillaDialer(header http.Header) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// Options 重连与心跳参数
type Options struct {
	// MaxAttempts 连续重连的最大次数，成功连接后清零。
	// 0 取默认值，负数表示断开后不重连
	MaxAttempts int
	// Backoff 每次重连前的固定等待
	Backoff           time.Duration
	HeartbeatInterval time.Duration
	// IdleTimeout 超过该时长没有任何入站消息视为异常断开
	IdleTimeout time.Duration
	Dialer      Dialer
	// OnSnapshot 每次收到快照后回调，在读协程中执行
	OnSnapshot func(*domain.PriceSnapshot)
	Logger     *slog.Logger
}

// DefaultOptions 默认参数：最多 5 次重连，间隔 5 秒
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       5,
		Backoff:           5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}
}

// ErrAlreadyRunning Start 在运行期间重复调用
var ErrAlreadyRunning = errors.New("subscriber already running")

const closeWriteWait = time.Second

// Subscriber 连接行情推送并维护本地价格。
// 非 1000 的关闭码或网络错误触发重连，主动 Close 不重连
type Subscriber struct {
	url  string
	opts Options

	state  atomic.Int32
	prices atomic.Pointer[domain.PriceSnapshot]

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	attempts int
	done     chan struct{}
	pingSeq  int64
}

func New(url string, opts Options) *Subscriber {
	def := DefaultOptions()
	switch {
	case opts.MaxAttempts == 0:
		opts.MaxAttempts = def.MaxAttempts
	case opts.MaxAttempts < 0:
		opts.MaxAttempts = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = def.Backoff
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = def.IdleTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = GorillaDialer(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Subscriber{url: url, opts: opts}
	s.prices.Store(domain.EmptySnapshot(""))
	return s
}

// State 当前状态
func (s *Subscriber) State() State {
	return State(s.state.Load())
}

// Prices 最近收到的快照
func (s *Subscriber) Prices() *domain.PriceSnapshot {
	return s.prices.Load()
}

// Attempts 当前连续重连次数
func (s *Subscriber) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Start 启动连接循环。重连次数耗尽后停在 Disconnected，可再次 Start
func (s *Subscriber) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.attempts = 0
	s.done = make(chan struct{})
	s.setState(StateConnecting)

	go s.run(runCtx, s.done)
	return nil
}

// Close 主动关闭：取消定时器，以 1000 关闭当前连接，并等待后台协程退出
func (s *Subscriber) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Wait 阻塞直到连接循环退出（主动关闭或重连耗尽）
func (s *Subscriber) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Subscriber) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Subscriber) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel()
		s.cancel = nil
		s.setState(StateDisconnected)
		s.mu.Unlock()
		close(done)
	}()

	log := s.opts.Logger.With("url", s.url)
	for {
		conn, err := s.opts.Dialer(ctx, s.url)
		if err == nil {
			s.mu.Lock()
			s.attempts = 0
			s.mu.Unlock()
			s.setState(StateConnected)
			log.Info("price feed connected")

			err = s.serve(ctx, conn)
			if err == nil {
				log.Info("price feed closed normally")
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		s.mu.Lock()
		if s.attempts >= s.opts.MaxAttempts {
			s.mu.Unlock()
			log.Warn("price feed reconnect attempts exhausted", "attempts", s.opts.MaxAttempts, "error", err)
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		s.setState(StateReconnecting)
		log.Warn("price feed disconnected, reconnecting", "attempt", attempt, "max_attempts", s.opts.MaxAttempts, "backoff", s.opts.Backoff, "error", err)

		timer := time.NewTimer(s.opts.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		s.setState(StateConnecting)
	}
}

// serve 运行一个已建立的连接，正常关闭（1000 或主动取消）返回 nil
func (s *Subscriber) serve(ctx context.Context, conn Conn) error {
	readErr := make(chan error, 1)
	go func() {
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			s.handleMessage(data)
		}
	}()

	heartbeat := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
			_ = conn.Close()
			<-readErr
			return nil

		case err := <-readErr:
			_ = conn.Close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err

		case <-heartbeat.C:
			s.pingSeq++
			data, _ := json.Marshal(map[string]any{"type": "ping", "id": s.pingSeq})
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = conn.Close()
				<-readErr
				return err
			}
		}
	}
}

type envelope struct {
	Type string `json:"type"`
}

func (s *Subscriber) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.opts.Logger.Warn("discarding malformed price feed message", "error", err)
		return
	}

	switch env.Type {
	case domain.MessageTypePrices:
		var snap domain.PriceSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			s.opts.Logger.Warn("discarding malformed price snapshot", "error", err)
			return
		}
		s.prices.Store(&snap)
		if s.opts.OnSnapshot != nil {
			s.opts.OnSnapshot(&snap)
		}
	case "pong":
	default:
		s.opts.Logger.Debug("ignoring price feed message", "type", env.Type)
	}
}
