package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/ogkauann/comunidade-beta/internal/auth"
	"github.com/ogkauann/comunidade-beta/internal/history"
	"github.com/ogkauann/comunidade-beta/internal/models"
	"github.com/ogkauann/comunidade-beta/internal/pipeline"
	"github.com/ogkauann/comunidade-beta/internal/service"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层和消息管道。
type Handler struct {
	userSvc *service.UserService
	roomSvc *service.RoomService
	pipe    *pipeline.Pipeline
	pager   *history.Pager
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, pipe *pipeline.Pipeline, pager *history.Pager) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, pipe: pipe, pager: pager}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrUsernameTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "username taken"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "username": result.Username})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "username": result.User.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// CreateRoom 处理创建房间请求。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Name    string `json:"name"`
		Private bool   `json:"private"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room name"})
		return
	}
	room, err := h.roomSvc.Create(req.Name, auth.GetUserID(c), req.Private)
	if err != nil {
		log.Error().Err(err).Uint("owner_id", auth.GetUserID(c)).Str("name", req.Name).Msg("create room")
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to create room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": room})
}

// ListRooms 返回当前用户可见的房间列表。
func (h *Handler) ListRooms(c *gin.Context) {
	rooms, err := h.roomSvc.List(auth.GetUserID(c), 100)
	if err != nil {
		log.Error().Err(err).Msg("list rooms")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list rooms"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// JoinRoom 把当前用户写入持久化成员表。
func (h *Handler) JoinRoom(c *gin.Context) {
	room, err := h.roomSvc.Resolve(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	userID := auth.GetUserID(c)
	if room.Private {
		ok, err := h.roomSvc.IsMember(room.ID, userID)
		if err != nil || !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this room"})
			return
		}
	}
	if err := h.roomSvc.Join(room.ID, userID); err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Msg("join room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to join room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID})
}

// LeaveRoom 把当前用户从持久化成员表移除，幂等。
func (h *Handler) LeaveRoom(c *gin.Context) {
	room, err := h.roomSvc.Resolve(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	if err := h.roomSvc.Leave(room.ID, auth.GetUserID(c)); err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Msg("leave room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to leave room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": room.ID})
}

// DirectRoom 查找或创建与目标用户的私聊房间。
func (h *Handler) DirectRoom(c *gin.Context) {
	var req struct {
		UserID uint `json:"user_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	me := auth.GetUserID(c)
	if req.UserID == me {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot direct-message yourself"})
		return
	}
	room, err := h.roomSvc.FindOrCreateDirect(me, req.UserID)
	if err != nil {
		log.Error().Err(err).Uint("target", req.UserID).Msg("direct room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open direct room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": gin.H{"id": room.ID, "name": room.Name, "direct": room.Direct}})
}

// ListMessages 分页返回房间历史，:id 可以是房间 ID 或名称。
func (h *Handler) ListMessages(c *gin.Context) {
	room, ok := h.accessibleRoom(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	result, err := h.pager.FetchPage(room.ID, page, limit)
	if err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Msg("list messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"messages": result.Messages,
		"pagination": gin.H{
			"total": result.Total,
			"page":  result.Page,
			"pages": result.Pages,
		},
	})
}

// SearchMessages 在房间历史上做子串检索。
func (h *Handler) SearchMessages(c *gin.Context) {
	room, ok := h.accessibleRoom(c)
	if !ok {
		return
	}
	msgs, err := h.pager.Search(room.ID, c.Query("q"))
	if err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Msg("search messages")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to search messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// CreateMessage 通过管道投递一条消息（REST 入口，和 WS 共用同一条管道）。
func (h *Handler) CreateMessage(c *gin.Context) {
	var req struct {
		RoomID        uint   `json:"room_id"`
		Body          string `json:"body"`
		Kind          string `json:"kind"`
		AttachmentURL string `json:"attachment_url"`
		ReplyTo       *uint  `json:"reply_to"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RoomID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	user := auth.GetUser(c)
	kind := models.MessageKind(req.Kind)
	if req.Kind == "" {
		kind = models.KindText
	}
	dto, err := h.pipe.Submit(c.Request.Context(), pipeline.Inbound{
		RoomID:        req.RoomID,
		UserID:        user.ID,
		Username:      user.Username,
		Body:          req.Body,
		Kind:          kind,
		AttachmentURL: req.AttachmentURL,
		ReplyTo:       req.ReplyTo,
	})
	if err != nil {
		h.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusCreated, dto)
}

// EditMessage 编辑消息正文（仅发送者本人）。
func (h *Handler) EditMessage(c *gin.Context) {
	id := h.messageID(c)
	if id == 0 {
		return
	}
	var req struct {
		Body string `json:"body"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	dto, err := h.pipe.Edit(id, auth.GetUserID(c), req.Body)
	if err != nil {
		h.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

// AddReaction 给消息添加反应。
func (h *Handler) AddReaction(c *gin.Context) {
	id := h.messageID(c)
	if id == 0 {
		return
	}
	var req struct {
		Emoji string `json:"emoji"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Emoji == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	dto, err := h.pipe.AddReaction(id, auth.GetUserID(c), req.Emoji)
	if err != nil {
		h.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

// RemoveReaction 移除反应，幂等。
func (h *Handler) RemoveReaction(c *gin.Context) {
	id := h.messageID(c)
	if id == 0 {
		return
	}
	dto, err := h.pipe.RemoveReaction(id, auth.GetUserID(c), c.Param("emoji"))
	if err != nil {
		h.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

// DeleteMessage 软删除消息（发送者本人或版主）。
func (h *Handler) DeleteMessage(c *gin.Context) {
	id := h.messageID(c)
	if id == 0 {
		return
	}
	user := auth.GetUser(c)
	dto, err := h.pipe.Delete(id, user.ID, user.Role == models.RoleModerator)
	if err != nil {
		h.pipelineError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto)
}

func (h *Handler) accessibleRoom(c *gin.Context) (*models.Room, bool) {
	room, err := h.roomSvc.Resolve(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return nil, false
	}
	ok, err := h.roomSvc.CanAccess(room, auth.GetUserID(c))
	if err != nil {
		log.Error().Err(err).Uint("room_id", room.ID).Msg("room access check")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to check access"})
		return nil, false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a member of this room"})
		return nil, false
	}
	return room, true
}

func (h *Handler) messageID(c *gin.Context) uint {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return 0
	}
	return uint(id)
}

func (h *Handler) pipelineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message"})
	case errors.Is(err, service.ErrContentRejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "content rejected"})
	case errors.Is(err, service.ErrRoomNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
	case errors.Is(err, service.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
	case errors.Is(err, service.ErrDuplicateReaction):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate reaction"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrAdapterUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	default:
		log.Error().Err(err).Msg("pipeline")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
