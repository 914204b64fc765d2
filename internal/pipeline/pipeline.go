// Package pipeline 实现消息从接收到投递的全流程：
// 校验 -> 审核 -> 持久化 -> 广播 -> 通知。
//
// 同一房间的消息由一个专属 worker 顺序处理（单活跃写者），保证房间内
// 顺序一致；不同房间完全并行。审核、持久化、通知都是可能阻塞的 I/O，
// 全程不持有任何房间锁。
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ogkauann/comunidade-beta/internal/hub"
	"github.com/ogkauann/comunidade-beta/internal/metrics"
	"github.com/ogkauann/comunidade-beta/internal/models"
	"github.com/ogkauann/comunidade-beta/internal/moderation"
	"github.com/ogkauann/comunidade-beta/internal/notify"
	"github.com/ogkauann/comunidade-beta/internal/service"
	"github.com/rs/zerolog/log"
)

const maxBodyLen = 1000

// Inbound 是一条待处理的入站消息。发送者身份由网关解析，客户端给的
// 时间戳和 ID 一律不信。
type Inbound struct {
	RoomID        uint
	UserID        uint
	Username      string
	Body          string
	Kind          models.MessageKind
	AttachmentURL string
	ReplyTo       *uint
}

type job struct {
	ctx  context.Context
	in   Inbound
	done chan result
}

type result struct {
	dto *service.MessageDTO
	err error
}

// Pipeline 串起房间注册表和三个外部协作方（审核、存储、通知）。
type Pipeline struct {
	msgs     *service.MessageService
	rooms    *service.RoomService
	checker  moderation.Checker
	notifier notify.Notifier
	hub      *hub.Hub
	timeout  time.Duration

	mu      sync.Mutex
	workers map[uint]chan job
}

func New(msgs *service.MessageService, rooms *service.RoomService, checker moderation.Checker, notifier notify.Notifier, h *hub.Hub, adapterTimeout time.Duration) *Pipeline {
	if adapterTimeout <= 0 {
		adapterTimeout = 5 * time.Second
	}
	return &Pipeline{
		msgs:     msgs,
		rooms:    rooms,
		checker:  checker,
		notifier: notifier,
		hub:      h,
		timeout:  adapterTimeout,
		workers:  make(map[uint]chan job),
	}
}

func (p *Pipeline) queue(roomID uint) chan job {
	p.mu.Lock()
	defer p.mu.Unlock()
	q, ok := p.workers[roomID]
	if !ok {
		q = make(chan job, 64)
		p.workers[roomID] = q
		go p.run(q)
	}
	return q
}

func (p *Pipeline) run(q chan job) {
	for j := range q {
		dto, err := p.process(j.ctx, j.in)
		j.done <- result{dto: dto, err: err}
	}
}

// Submit 将消息排入所属房间的队列并等待处理结果。校验或审核失败会同步
// 返回给发送方；成功时返回带服务端 ID 与时间戳的规范消息。
func (p *Pipeline) Submit(ctx context.Context, in Inbound) (*service.MessageDTO, error) {
	j := job{ctx: ctx, in: in, done: make(chan result, 1)}
	select {
	case p.queue(in.RoomID) <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// 一旦入队，消息就已被接纳：即使发送方在这之后断连，
	// 处理和对其他会话的投递照常进行，只是没人等待结果。
	select {
	case r := <-j.done:
		return r.dto, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipeline) process(ctx context.Context, in Inbound) (*service.MessageDTO, error) {
	// Received -> Validated
	if err := p.validate(in); err != nil {
		metrics.MessagesRejectedTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	// Validated -> Moderated
	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	blocked, err := p.checker.Check(mctx, in.Body)
	cancel()
	if err != nil {
		metrics.MessagesRejectedTotal.WithLabelValues("adapter").Inc()
		return nil, fmt.Errorf("%w: moderation: %v", service.ErrAdapterUnavailable, err)
	}
	if blocked {
		metrics.MessagesRejectedTotal.WithLabelValues("moderated").Inc()
		return nil, service.ErrContentRejected
	}

	// Moderated -> Persisted。持久化失败时中止，其他订阅者绝不会看到
	// 未落库的消息。
	dto, err := p.msgs.Create(in.RoomID, in.UserID, in.Username, in.Body, in.Kind, in.AttachmentURL, in.ReplyTo)
	if err != nil {
		metrics.MessagesRejectedTotal.WithLabelValues("persist").Inc()
		return nil, fmt.Errorf("%w: persist: %v", service.ErrAdapterUnavailable, err)
	}

	// Persisted -> Broadcast
	p.broadcast(in.RoomID, *dto, 0)
	metrics.WsMessagesTotal.Inc()

	// Broadcast -> Notified，异步且不回滚。
	go p.notifyOffline(in.RoomID, dto.ID, in.Body)

	return dto, nil
}

func (p *Pipeline) validate(in Inbound) error {
	if n := utf8.RuneCountInString(in.Body); n == 0 || n > maxBodyLen {
		return service.ErrInvalidMessage
	}
	if !models.ValidKind(in.Kind) {
		return service.ErrInvalidMessage
	}
	if in.Kind.NeedsAttachment() && in.AttachmentURL == "" {
		return service.ErrInvalidMessage
	}
	return p.requireAccess(in.RoomID, in.UserID)
}

// requireAccess 校验发送者对房间的访问权：房间要存在，私有房间还要求
// 持久化成员资格。REST 和 WS 入口共用这一处检查。
func (p *Pipeline) requireAccess(roomID, userID uint) error {
	room, err := p.rooms.Exists(roomID)
	if err != nil {
		return service.ErrRoomNotFound
	}
	ok, err := p.rooms.CanAccess(room, userID)
	if err != nil {
		return fmt.Errorf("%w: access check: %v", service.ErrAdapterUnavailable, err)
	}
	if !ok {
		return service.ErrForbidden
	}
	return nil
}

func (p *Pipeline) broadcast(roomID uint, dto service.MessageDTO, exceptUser uint) {
	b, err := json.Marshal(dto)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("marshal broadcast")
		return
	}
	p.hub.Broadcast(roomID, b, exceptUser)
}

// notifyOffline 对持久化成员里当前不在线的用户触发通知适配器。
// 失败只记日志，不重试，不影响已投递的广播。
func (p *Pipeline) notifyOffline(roomID, messageID uint, preview string) {
	members, err := p.rooms.Members(roomID)
	if err != nil {
		log.Error().Err(err).Uint("room_id", roomID).Msg("notify list members")
		return
	}
	online := p.hub.OnlineUsers(roomID)
	offline := make([]uint, 0, len(members))
	for _, id := range members {
		if _, ok := online[id]; !ok {
			offline = append(offline, id)
		}
	}
	if len(offline) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.notifier.MessageCreated(ctx, roomID, messageID, preview, offline); err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		log.Error().Err(err).Uint("room_id", roomID).Uint("message_id", messageID).Msg("notify message created")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("ok").Inc()
}

// EmitSystem 通过广播阶段发出系统消息（加入/离开提示）。系统消息不审核、
// 不落库，但和普通消息走同一条投递路径，顺序契约一致。
func (p *Pipeline) EmitSystem(roomID uint, body string, exceptUser uint) {
	dto := service.MessageDTO{
		Type:      "receive_message",
		RoomID:    roomID,
		Kind:      models.KindSystem,
		Body:      body,
		Reactions: []service.ReactionDTO{},
		CreatedAt: time.Now(),
	}
	p.broadcast(roomID, dto, exceptUser)
}

// Edit 修改既有消息并向房间重新广播 message_updated 事件。
func (p *Pipeline) Edit(messageID, userID uint, newBody string) (*service.MessageDTO, error) {
	if n := utf8.RuneCountInString(newBody); n == 0 || n > maxBodyLen {
		return nil, service.ErrInvalidMessage
	}
	msg, err := p.msgs.Edit(messageID, userID, newBody)
	if err != nil {
		return nil, err
	}
	return p.rebroadcast(msg), nil
}

// AddReaction 添加反应并重新广播；操作者必须能访问消息所在房间，
// 重复的 (user, emoji) 返回 ErrDuplicateReaction。
func (p *Pipeline) AddReaction(messageID, userID uint, emoji string) (*service.MessageDTO, error) {
	target, err := p.msgs.Get(messageID)
	if err != nil {
		return nil, err
	}
	if err := p.requireAccess(target.RoomID, userID); err != nil {
		return nil, err
	}
	msg, err := p.msgs.AddReaction(messageID, userID, emoji)
	if err != nil {
		return nil, err
	}
	dto := p.rebroadcast(msg)
	if msg.UserID != userID {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
			defer cancel()
			if err := p.notifier.ReactionAdded(ctx, messageID, emoji, msg.UserID); err != nil {
				log.Error().Err(err).Uint("message_id", messageID).Msg("notify reaction")
			}
		}()
	}
	return dto, nil
}

// RemoveReaction 移除反应并重新广播，幂等。访问权要求与 AddReaction 相同。
func (p *Pipeline) RemoveReaction(messageID, userID uint, emoji string) (*service.MessageDTO, error) {
	target, err := p.msgs.Get(messageID)
	if err != nil {
		return nil, err
	}
	if err := p.requireAccess(target.RoomID, userID); err != nil {
		return nil, err
	}
	msg, err := p.msgs.RemoveReaction(messageID, userID, emoji)
	if err != nil {
		return nil, err
	}
	return p.rebroadcast(msg), nil
}

// Delete 软删除消息并重新广播占位版本。
func (p *Pipeline) Delete(messageID, userID uint, moderator bool) (*service.MessageDTO, error) {
	msg, err := p.msgs.SoftDelete(messageID, userID, moderator)
	if err != nil {
		return nil, err
	}
	return p.rebroadcast(msg), nil
}

func (p *Pipeline) rebroadcast(msg *models.Message) *service.MessageDTO {
	dto := service.MessageToDTO(*msg, p.msgs.Username(msg.UserID))
	dto.Type = "message_updated"
	p.broadcast(msg.RoomID, dto, 0)
	return &dto
}
