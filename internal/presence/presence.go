// Package presence 维护“正在输入”的瞬时状态，只存在于进程内存。
package presence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ogkauann/comunidade-beta/internal/hub"
)

// TypingEvent 是 user_typing 广播的载荷。
type TypingEvent struct {
	Type     string `json:"type"`
	RoomID   uint   `json:"room_id"`
	UserID   uint   `json:"user_id"`
	Username string `json:"username"`
	IsTyping bool   `json:"is_typing"`
}

type entry struct {
	username string
	expiry   time.Time
}

type roomTyping struct {
	mu      sync.Mutex
	entries map[uint]*entry
}

// Tracker 按房间分片记录输入状态。条目带过期时间，后台扫描兜底清理，
// 覆盖客户端崩溃、没有发显式 stop 信号的情况。
type Tracker struct {
	hub *hub.Hub
	ttl time.Duration

	mu    sync.RWMutex
	rooms map[uint]*roomTyping
}

func NewTracker(h *hub.Hub, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &Tracker{hub: h, ttl: ttl, rooms: make(map[uint]*roomTyping)}
}

func (t *Tracker) room(roomID uint, create bool) *roomTyping {
	t.mu.RLock()
	rt := t.rooms[roomID]
	t.mu.RUnlock()
	if rt != nil || !create {
		return rt
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if rt = t.rooms[roomID]; rt != nil {
		return rt
	}
	rt = &roomTyping{entries: make(map[uint]*entry)}
	t.rooms[roomID] = rt
	return rt
}

// SetTyping 插入或刷新输入条目。只在“未输入 -> 输入”的状态翻转时广播，
// 重复信号只顺延过期时间，控制事件量。
func (t *Tracker) SetTyping(roomID, userID uint, username string) {
	rt := t.room(roomID, true)
	rt.mu.Lock()
	e, existed := rt.entries[userID]
	if existed {
		e.expiry = time.Now().Add(t.ttl)
	} else {
		rt.entries[userID] = &entry{username: username, expiry: time.Now().Add(t.ttl)}
	}
	rt.mu.Unlock()
	if !existed {
		t.broadcast(roomID, userID, username, true)
	}
}

// ClearTyping 移除输入条目并广播停止事件；条目不存在时是 no-op。
func (t *Tracker) ClearTyping(roomID, userID uint) {
	rt := t.room(roomID, false)
	if rt == nil {
		return
	}
	rt.mu.Lock()
	e, existed := rt.entries[userID]
	if existed {
		delete(rt.entries, userID)
	}
	rt.mu.Unlock()
	if existed {
		t.broadcast(roomID, userID, e.username, false)
	}
}

// ClearUser 清掉该用户在所有房间的输入条目，断连清理用。
func (t *Tracker) ClearUser(userID uint) {
	t.mu.RLock()
	ids := make([]uint, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	for _, id := range ids {
		t.ClearTyping(id, userID)
	}
}

// Typing 返回房间当前正在输入的用户 ID，测试与诊断用。
func (t *Tracker) Typing(roomID uint) []uint {
	rt := t.room(roomID, false)
	if rt == nil {
		return nil
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]uint, 0, len(rt.entries))
	for id := range rt.entries {
		out = append(out, id)
	}
	return out
}

// Run 周期性扫描过期条目，对每条过期记录合成 isTyping:false 广播。
// ctx 取消后退出。
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *Tracker) sweep(now time.Time) {
	t.mu.RLock()
	ids := make([]uint, 0, len(t.rooms))
	for id := range t.rooms {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	for _, roomID := range ids {
		rt := t.room(roomID, false)
		if rt == nil {
			continue
		}
		type expired struct {
			userID   uint
			username string
		}
		var gone []expired
		rt.mu.Lock()
		for userID, e := range rt.entries {
			if now.After(e.expiry) {
				gone = append(gone, expired{userID, e.username})
				delete(rt.entries, userID)
			}
		}
		rt.mu.Unlock()
		for _, g := range gone {
			t.broadcast(roomID, g.userID, g.username, false)
		}
	}
}

func (t *Tracker) broadcast(roomID, userID uint, username string, isTyping bool) {
	evt := TypingEvent{Type: "user_typing", RoomID: roomID, UserID: userID, Username: username, IsTyping: isTyping}
	if b, err := json.Marshal(evt); err == nil {
		t.hub.Broadcast(roomID, b, userID)
	}
}
