package service

import (
	"errors"
	"strings"

	"github.com/ogkauann/comunidade-beta/internal/models"
	"gorm.io/gorm"
)

// MessageService 封装消息的持久化操作：创建、编辑、反应、软删除。
// 消息 ID 和创建时间由服务端（数据库）生成，客户端时钟不可信。
type MessageService struct {
	db *gorm.DB
}

func NewMessageService(db *gorm.DB) *MessageService {
	return &MessageService{db: db}
}

// Create 持久化一条新消息并返回带服务端 ID 与时间戳的 DTO。
func (s *MessageService) Create(roomID, userID uint, username, body string, kind models.MessageKind, attachmentURL string, replyTo *uint) (*MessageDTO, error) {
	msg := models.Message{
		RoomID:        roomID,
		UserID:        userID,
		Body:          body,
		Kind:          kind,
		AttachmentURL: attachmentURL,
		ReplyToID:     replyTo,
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	dto := MessageToDTO(msg, username)
	return &dto, nil
}

// Get 按 ID 加载消息（含反应）。
func (s *MessageService) Get(messageID uint) (*models.Message, error) {
	var msg models.Message
	if err := s.db.Preload("Reactions").First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	return &msg, nil
}

// Edit 修改消息正文并置位 edited 标记，仅原发送者可以编辑。
func (s *MessageService) Edit(messageID, userID uint, newBody string) (*models.Message, error) {
	msg, err := s.Get(messageID)
	if err != nil {
		return nil, err
	}
	if msg.UserID != userID {
		return nil, ErrForbidden
	}
	if err := s.db.Model(msg).Updates(map[string]interface{}{"body": newBody, "edited": true}).Error; err != nil {
		return nil, err
	}
	msg.Body = newBody
	msg.Edited = true
	return msg, nil
}

// AddReaction 为消息添加 (user, emoji) 反应，重复添加返回 ErrDuplicateReaction。
func (s *MessageService) AddReaction(messageID, userID uint, emoji string) (*models.Message, error) {
	msg, err := s.Get(messageID)
	if err != nil {
		return nil, err
	}
	for _, r := range msg.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return nil, ErrDuplicateReaction
		}
	}
	reaction := models.Reaction{MessageID: messageID, UserID: userID, Emoji: emoji}
	if err := s.db.Create(&reaction).Error; err != nil {
		// 并发添加时唯一索引兜底；其它数据库错误原样上抛。
		if isUniqueViolation(err) {
			return nil, ErrDuplicateReaction
		}
		return nil, err
	}
	msg.Reactions = append(msg.Reactions, reaction)
	return msg, nil
}

// isUniqueViolation 识别唯一索引冲突。gorm 开启错误翻译时返回
// ErrDuplicatedKey，否则按 postgres/sqlite 的报错文本匹配。
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

// RemoveReaction 移除反应；不存在时也算成功，保持幂等。
func (s *MessageService) RemoveReaction(messageID, userID uint, emoji string) (*models.Message, error) {
	msg, err := s.Get(messageID)
	if err != nil {
		return nil, err
	}
	if err := s.db.Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).Delete(&models.Reaction{}).Error; err != nil {
		return nil, err
	}
	kept := msg.Reactions[:0]
	for _, r := range msg.Reactions {
		if !(r.UserID == userID && r.Emoji == emoji) {
			kept = append(kept, r)
		}
	}
	msg.Reactions = kept
	return msg, nil
}

// SoftDelete 只打删除标记，不物理删除，避免破坏被回复消息的引用与排序。
func (s *MessageService) SoftDelete(messageID, userID uint, moderator bool) (*models.Message, error) {
	msg, err := s.Get(messageID)
	if err != nil {
		return nil, err
	}
	if msg.UserID != userID && !moderator {
		return nil, ErrForbidden
	}
	if err := s.db.Model(msg).Update("deleted", true).Error; err != nil {
		return nil, err
	}
	msg.Deleted = true
	return msg, nil
}

// Username 查询单个用户的用户名，消息更新事件的展示名解析用。
func (s *MessageService) Username(userID uint) string {
	var user models.User
	if err := s.db.Select("id", "username").First(&user, userID).Error; err != nil {
		return ""
	}
	return user.Username
}
