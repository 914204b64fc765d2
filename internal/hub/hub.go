// Package hub 维护“房间 -> 在线会话”的进程内注册表。
//
// 每个房间有自己独立的锁域，A 房间的操作不会和 B 房间竞争。注册表只记录
// 当前活跃的连接，进程重启后从零重建；持久化的成员关系在数据库里。
package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/ogkauann/comunidade-beta/internal/metrics"
)

// Session 表示一条已认证的实时连接在注册表中的身份。出站事件写入有界的
// send 队列；队列写满说明消费端太慢，该会话会被整体踢掉，而不是阻塞广播。
type Session struct {
	ID       string
	UserID   uint
	Username string

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func NewSession(userID uint, username string, queueSize int) *Session {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		Username: username,
		send:     make(chan []byte, queueSize),
	}
}

// Outbound 是写泵消费的出站队列；通道关闭即会话终止。
func (s *Session) Outbound() <-chan []byte { return s.send }

// Send 直接向该会话投递事件（错误提示、历史页等定向消息）。
// 队列满返回 false，调用方应视作慢消费者处理。
func (s *Session) Send(b []byte) bool { return s.push(b) }

// Close 关闭出站队列，幂等。
func (s *Session) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
	s.mu.Unlock()
}

// push 尝试非阻塞入队，队列满返回 false。已关闭的会话直接丢弃，
// 不同房间的广播可能并发触碰同一个会话，所以入队和关闭共用会话锁。
func (s *Session) push(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.send <- b:
		return true
	default:
		return false
	}
}

// Hub 管理房间级别的子注册表，实现延迟创建与并发安全。
type Hub struct {
	mu    sync.RWMutex
	rooms map[uint]*roomHub
}

type roomHub struct {
	mu       sync.RWMutex
	sessions map[*Session]struct{}
}

func NewHub() *Hub { return &Hub{rooms: make(map[uint]*roomHub)} }

func (h *Hub) room(roomID uint, create bool) *roomHub {
	h.mu.RLock()
	rh := h.rooms[roomID]
	h.mu.RUnlock()
	if rh != nil || !create {
		return rh
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if rh = h.rooms[roomID]; rh != nil {
		return rh
	}
	rh = &roomHub{sessions: make(map[*Session]struct{})}
	h.rooms[roomID] = rh
	return rh
}

// Register 将会话登记到房间，重复登记是 no-op。
func (h *Hub) Register(roomID uint, s *Session) {
	rh := h.room(roomID, true)
	rh.mu.Lock()
	if _, ok := rh.sessions[s]; !ok {
		rh.sessions[s] = struct{}{}
		metrics.WsConnections.Inc()
	}
	rh.mu.Unlock()
}

// Deregister 将会话从房间移除，非成员时是 no-op。
func (h *Hub) Deregister(roomID uint, s *Session) {
	rh := h.room(roomID, false)
	if rh == nil {
		return
	}
	rh.mu.Lock()
	if _, ok := rh.sessions[s]; ok {
		delete(rh.sessions, s)
		metrics.WsConnections.Dec()
	}
	rh.mu.Unlock()
}

// Registered 报告会话当前是否登记在房间中。
func (h *Hub) Registered(roomID uint, s *Session) bool {
	rh := h.room(roomID, false)
	if rh == nil {
		return false
	}
	rh.mu.RLock()
	_, ok := rh.sessions[s]
	rh.mu.RUnlock()
	return ok
}

// Online 返回房间在线会话数量，供 REST 接口复用。
func (h *Hub) Online(roomID uint) int {
	rh := h.room(roomID, false)
	if rh == nil {
		return 0
	}
	rh.mu.RLock()
	n := len(rh.sessions)
	rh.mu.RUnlock()
	return n
}

// OnlineUsers 返回房间当前在线的用户 ID 集合，通知扇出用它求离线差集。
func (h *Hub) OnlineUsers(roomID uint) map[uint]struct{} {
	rh := h.room(roomID, false)
	if rh == nil {
		return nil
	}
	rh.mu.RLock()
	out := make(map[uint]struct{}, len(rh.sessions))
	for s := range rh.sessions {
		out[s.UserID] = struct{}{}
	}
	rh.mu.RUnlock()
	return out
}

// Broadcast 把 payload 投递给房间内除 exceptUser 之外的所有会话
// （exceptUser 为 0 表示不排除任何人）。对空房间广播是 no-op。
// 慢消费者的队列溢出后会被关闭并从所有房间摘除，绝不阻塞其他会话的投递。
func (h *Hub) Broadcast(roomID uint, payload []byte, exceptUser uint) {
	rh := h.room(roomID, false)
	if rh == nil {
		return
	}
	// 拿写锁：同一房间的并发广播在这里串行化，保证所有会话
	// 看到一致的相对顺序。入队是非阻塞的，锁内不会停留。
	var overflowed []*Session
	rh.mu.Lock()
	for s := range rh.sessions {
		if exceptUser != 0 && s.UserID == exceptUser {
			continue
		}
		if !s.push(payload) {
			overflowed = append(overflowed, s)
		}
	}
	rh.mu.Unlock()
	for _, s := range overflowed {
		h.Kick(s)
	}
}

// Kick 把过慢的会话从所有房间摘除并关闭其出站队列。
func (h *Hub) Kick(s *Session) {
	h.DeregisterAll(s)
	s.Close()
	metrics.SessionsKickedTotal.Inc()
}

// DeregisterAll 将会话从每个房间摘除，返回它之前所在的房间列表。
// 断连清理用它实现“对每个已加入房间的隐式 leave”。
func (h *Hub) DeregisterAll(s *Session) []uint {
	h.mu.RLock()
	ids := make([]uint, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	h.mu.RUnlock()

	var left []uint
	for _, id := range ids {
		rh := h.room(id, false)
		if rh == nil {
			continue
		}
		rh.mu.Lock()
		if _, ok := rh.sessions[s]; ok {
			delete(rh.sessions, s)
			metrics.WsConnections.Dec()
			left = append(left, id)
		}
		rh.mu.Unlock()
	}
	return left
}
