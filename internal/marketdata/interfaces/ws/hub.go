// Package ws 行情推送：订阅者集合与 WebSocket 接入
package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wyfcoding/papertrading/internal/marketdata/domain"
	"github.com/wyfcoding/papertrading/pkg/metrics"
)

var errSlowConsumer = errors.New("send buffer full")

// Conn 推送所需的连接能力，*websocket.Conn 满足该接口
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SnapshotReader 读取当前快照
type SnapshotReader interface {
	Read() *domain.PriceSnapshot
}

// HubConfig 推送配置
type HubConfig struct {
	SendBuffer int
	WriteWait  time.Duration
}

// Hub 维护所有在线订阅者，向每个订阅者推送最新快照。
// 每个订阅者有独立的发送队列和写协程，慢连接不会阻塞其他连接。
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool

	cache   SnapshotReader
	cfg     HubConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHub(cache SnapshotReader, cfg HubConfig, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 16
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &Hub{
		subs:    make(map[*Subscription]struct{}),
		cache:   cache,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
	}
}

type outbound struct {
	snapshot *domain.PriceSnapshot
	data     []byte
}

// Subscription 一个订阅者连接
type Subscription struct {
	hub  *Hub
	conn Conn
	send chan outbound
	done chan struct{}

	mu         sync.Mutex
	lastQueued *domain.PriceSnapshot
	stopped    bool

	closeOnce sync.Once
}

// Done 订阅被移除后关闭
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Subscribe 注册连接。当前快照在订阅对 Publish 可见之前入队，新连接不会错过任何一次更新
func (h *Hub) Subscribe(conn Conn) *Subscription {
	sub := &Subscription{
		hub:  h,
		conn: conn,
		send: make(chan outbound, h.cfg.SendBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.stop()
		return sub
	}
	current := h.cache.Read()
	if data, err := json.Marshal(current); err == nil {
		sub.enqueue(outbound{snapshot: current, data: data})
	}
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	// 在锁内更新，保证与并发的 remove 有序
	h.metrics.FeedSubscribers.Set(float64(n))
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "subscribers", n)

	go sub.writePump()
	return sub
}

// Unsubscribe 移除订阅并关闭连接，可重复调用
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.remove(sub, nil)
}

// Publish 向所有订阅者投递快照，不阻塞，队列已满的订阅者被移除
func (h *Hub) Publish(snapshot *domain.PriceSnapshot) {
	if snapshot == nil {
		return
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		h.logger.Error("failed to encode price snapshot", "error", err)
		return
	}
	msg := outbound{snapshot: snapshot, data: data}

	var slow []*Subscription
	h.mu.RLock()
	for sub := range h.subs {
		if !sub.enqueue(msg) {
			slow = append(slow, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range slow {
		h.remove(sub, errSlowConsumer)
	}
}

// Len 当前订阅者数量
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close 移除全部订阅者，之后的 Subscribe 立即关闭连接
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		h.remove(sub, nil)
	}
}

func (h *Hub) remove(sub *Subscription, cause error) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	n := len(h.subs)
	if ok {
		h.metrics.FeedSubscribers.Set(float64(n))
	}
	h.mu.Unlock()

	sub.stop()
	if !ok {
		return
	}

	if cause != nil {
		h.metrics.FeedDropped.Inc()
		h.logger.Info("subscriber dropped", "reason", cause, "subscribers", n)
	}
}

// pong 通过订阅者自己的队列回复心跳，保证单写者
func (s *Subscription) pong(id json.RawMessage) {
	data, err := json.Marshal(pongMessage{Type: "pong", ID: id})
	if err != nil {
		return
	}
	if !s.enqueue(outbound{data: data}) {
		s.hub.remove(s, errSlowConsumer)
	}
}

// enqueue 非阻塞入队；同一快照不会重复入队。队列满时返回 false
func (s *Subscription) enqueue(msg outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return true
	}
	if msg.snapshot != nil && msg.snapshot == s.lastQueued {
		return true
	}
	select {
	case s.send <- msg:
		if msg.snapshot != nil {
			s.lastQueued = msg.snapshot
		}
		return true
	default:
		return false
	}
}

func (s *Subscription) stop() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		close(s.done)
		_ = s.conn.Close()
	})
}

func (s *Subscription) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			// 移除后不再投递
			select {
			case <-s.done:
				return
			default:
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(s.hub.cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				s.hub.remove(s, err)
				return
			}
		}
	}
}
