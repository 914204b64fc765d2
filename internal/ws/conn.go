// Package ws 是实时连接网关：握手认证、会话生命周期、入站事件路由、
// 出站事件投递。
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/ogkauann/comunidade-beta/internal/auth"
	"github.com/ogkauann/comunidade-beta/internal/config"
	"github.com/ogkauann/comunidade-beta/internal/history"
	"github.com/ogkauann/comunidade-beta/internal/hub"
	"github.com/ogkauann/comunidade-beta/internal/models"
	"github.com/ogkauann/comunidade-beta/internal/moderation"
	"github.com/ogkauann/comunidade-beta/internal/pipeline"
	"github.com/ogkauann/comunidade-beta/internal/presence"
	"github.com/ogkauann/comunidade-beta/internal/service"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Gateway 聚合网关依赖：注册表、输入状态、消息管道、历史分页、举报。
type Gateway struct {
	cfg      config.Config
	db       *gorm.DB
	hub      *hub.Hub
	presence *presence.Tracker
	pipe     *pipeline.Pipeline
	rooms    *service.RoomService
	pager    *history.Pager
	reporter *moderation.Reporter
}

func NewGateway(cfg config.Config, db *gorm.DB, h *hub.Hub, tracker *presence.Tracker, pipe *pipeline.Pipeline, rooms *service.RoomService, pager *history.Pager, reporter *moderation.Reporter) *Gateway {
	return &Gateway{cfg: cfg, db: db, hub: h, presence: tracker, pipe: pipe, rooms: rooms, pager: pager, reporter: reporter}
}

// inboundEvent 是客户端事件的统一信封，按 type 路由。
type inboundEvent struct {
	Type          string `json:"type"`
	Room          string `json:"room"` // join_room/leave_room：ID 或名称
	RoomID        uint   `json:"room_id"`
	Body          string `json:"body"`
	Kind          string `json:"kind"`
	AttachmentURL string `json:"attachment_url"`
	ReplyTo       *uint  `json:"reply_to"`
	IsTyping      bool   `json:"is_typing"`
	MessageID     uint   `json:"message_id"`
	Emoji         string `json:"emoji"`
	Reason        string `json:"reason"`
}

type errorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type historyEvent struct {
	Type     string               `json:"type"`
	RoomID   uint                 `json:"room_id"`
	Messages []service.MessageDTO `json:"messages"`
	HasMore  bool                 `json:"has_more"`
}

// Client 对应一条活跃连接。joined 只在 readPump goroutine 里读写。
type Client struct {
	g      *Gateway
	sess   *hub.Session
	conn   *websocket.Conn
	joined map[uint]struct{}
}

// Serve 处理 WebSocket 升级。认证在握手阶段完成：没有有效凭证的连接
// 直接被拒绝，任何业务事件都不可能在认证之前到达。
func (g *Gateway) Serve() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := auth.BearerToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}
		user, err := auth.ResolveUser(g.db, token, g.cfg.JWTSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			g:      g,
			sess:   hub.NewSession(user.ID, user.Username, g.cfg.SendQueueSize),
			conn:   conn,
			joined: make(map[uint]struct{}),
		}
		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer c.cleanup()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var ev inboundEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.sendError("invalid_event", "malformed event")
			continue
		}
		c.route(ev)
	}
}

func (c *Client) route(ev inboundEvent) {
	switch ev.Type {
	case "join_room":
		c.handleJoin(ev)
	case "leave_room":
		c.handleLeave(ev)
	case "send_message":
		c.handleSend(ev)
	case "typing":
		c.handleTyping(ev)
	case "reaction":
		c.handleReaction(ev)
	case "report_message":
		c.handleReport(ev)
	default:
		c.sendError("invalid_event", "unknown event type")
	}
}

// handleJoin 解析房间、核对私有房间成员资格、登记会话，然后
// 先向其他人广播加入提示，再把首页历史交还给加入者。
// 这个顺序保证加入者不会看到关于自己的加入提示，而其他人看到提示时
// 加入者已经在注册表里。
func (c *Client) handleJoin(ev inboundEvent) {
	room, err := c.g.rooms.Resolve(c.roomRef(ev))
	if err != nil {
		c.sendError("room_not_found", "room not found")
		return
	}
	ok, err := c.g.rooms.CanAccess(room, c.sess.UserID)
	if err != nil {
		c.sendError("internal", "failed to join room")
		return
	}
	if !ok {
		c.sendError("forbidden", "not a member of this room")
		return
	}

	rejoin := c.g.hub.Registered(room.ID, c.sess)
	c.g.hub.Register(room.ID, c.sess)
	c.joined[room.ID] = struct{}{}

	// 公开房间首次进入即落成员表，离线通知才找得到人。
	if !room.Private {
		if err := c.g.rooms.Join(room.ID, c.sess.UserID); err != nil {
			log.Error().Err(err).Uint("room_id", room.ID).Uint("user_id", c.sess.UserID).Msg("join persist membership")
		}
	}
	if !rejoin {
		c.g.pipe.EmitSystem(room.ID, c.sess.Username+" joined", c.sess.UserID)
	}

	page, err := c.g.pager.FetchPage(room.ID, 1, 0)
	if err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Msg("join fetch history")
		c.sendError("internal", "failed to load history")
		return
	}
	c.sendJSON(historyEvent{Type: "historical_messages", RoomID: room.ID, Messages: page.Messages, HasMore: page.HasMore})
}

func (c *Client) handleLeave(ev inboundEvent) {
	room, err := c.g.rooms.Resolve(c.roomRef(ev))
	if err != nil {
		c.sendError("room_not_found", "room not found")
		return
	}
	if _, ok := c.joined[room.ID]; !ok {
		return
	}
	delete(c.joined, room.ID)
	c.g.hub.Deregister(room.ID, c.sess)
	c.g.presence.ClearTyping(room.ID, c.sess.UserID)
	c.g.pipe.EmitSystem(room.ID, c.sess.Username+" left", c.sess.UserID)
}

func (c *Client) handleSend(ev inboundEvent) {
	if _, ok := c.joined[ev.RoomID]; !ok {
		c.sendError("forbidden", "join the room before sending")
		return
	}
	kind := models.MessageKind(ev.Kind)
	if ev.Kind == "" {
		kind = models.KindText
	}
	in := pipeline.Inbound{
		RoomID:        ev.RoomID,
		UserID:        c.sess.UserID,
		Username:      c.sess.Username,
		Body:          ev.Body,
		Kind:          kind,
		AttachmentURL: ev.AttachmentURL,
		ReplyTo:       ev.ReplyTo,
	}
	if _, err := c.g.pipe.Submit(context.Background(), in); err != nil {
		c.sendPipelineError(err)
		return
	}
	// 发出输入状态的用户显然已经停止输入了。
	c.g.presence.ClearTyping(ev.RoomID, c.sess.UserID)
}

func (c *Client) handleTyping(ev inboundEvent) {
	if _, ok := c.joined[ev.RoomID]; !ok {
		return
	}
	if ev.IsTyping {
		c.g.presence.SetTyping(ev.RoomID, c.sess.UserID, c.sess.Username)
	} else {
		c.g.presence.ClearTyping(ev.RoomID, c.sess.UserID)
	}
}

func (c *Client) handleReaction(ev inboundEvent) {
	if ev.MessageID == 0 || ev.Emoji == "" {
		c.sendError("invalid_event", "message_id and emoji required")
		return
	}
	if _, err := c.g.pipe.AddReaction(ev.MessageID, c.sess.UserID, ev.Emoji); err != nil {
		c.sendPipelineError(err)
	}
}

func (c *Client) handleReport(ev inboundEvent) {
	if ev.MessageID == 0 || ev.Reason == "" {
		c.sendError("invalid_event", "message_id and reason required")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.g.reporter.Report(ctx, ev.MessageID, c.sess.UserID, ev.Reason); err != nil {
		c.sendError("internal", "failed to file report")
		return
	}
	c.sendJSON(map[string]string{"type": "report_success", "message": "report filed"})
}

// cleanup 把断连当作对每个已加入房间的隐式 leave 处理。
func (c *Client) cleanup() {
	for roomID := range c.joined {
		c.g.hub.Deregister(roomID, c.sess)
		c.g.pipe.EmitSystem(roomID, c.sess.Username+" left", c.sess.UserID)
	}
	c.g.presence.ClearUser(c.sess.UserID)
	c.sess.Close()
	_ = c.conn.Close()
}

func (c *Client) roomRef(ev inboundEvent) string {
	if ev.Room != "" {
		return ev.Room
	}
	return strconv.FormatUint(uint64(ev.RoomID), 10)
}

func (c *Client) sendError(code, msg string) {
	c.sendJSON(errorEvent{Type: "error", Code: code, Message: msg})
}

func (c *Client) sendPipelineError(err error) {
	switch {
	case errors.Is(err, service.ErrInvalidMessage):
		c.sendError("invalid_message", "message failed validation")
	case errors.Is(err, service.ErrContentRejected):
		c.sendError("content_rejected", "message blocked by moderation")
	case errors.Is(err, service.ErrDuplicateReaction):
		c.sendError("duplicate_reaction", "reaction already exists")
	case errors.Is(err, service.ErrMessageNotFound):
		c.sendError("message_not_found", "message not found")
	case errors.Is(err, service.ErrRoomNotFound):
		c.sendError("room_not_found", "room not found")
	case errors.Is(err, service.ErrForbidden):
		c.sendError("forbidden", "not allowed")
	case errors.Is(err, service.ErrAdapterUnavailable):
		c.sendError("adapter_unavailable", "temporarily unavailable")
	default:
		log.Error().Err(err).Uint("user_id", c.sess.UserID).Msg("pipeline")
		c.sendError("internal", "failed to process message")
	}
}

func (c *Client) sendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if !c.sess.Send(b) {
		c.g.hub.Kick(c.sess)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.sess.Outbound():
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
