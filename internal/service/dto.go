package service

import (
	"time"

	"github.com/ogkauann/comunidade-beta/internal/models"
	"gorm.io/gorm"
)

// ReactionDTO 是对外输出的单条反应。
type ReactionDTO struct {
	UserID uint   `json:"user_id"`
	Emoji  string `json:"emoji"`
}

// MessageDTO 是对外输出的消息数据，REST 和 WebSocket 共用一种形状。
type MessageDTO struct {
	Type          string             `json:"type"`
	ID            uint               `json:"id"`
	RoomID        uint               `json:"room_id"`
	UserID        uint               `json:"user_id"`
	Username      string             `json:"username"`
	Body          string             `json:"body"`
	Kind          models.MessageKind `json:"kind"`
	AttachmentURL string             `json:"attachment_url,omitempty"`
	ReplyToID     *uint              `json:"reply_to,omitempty"`
	Edited        bool               `json:"edited"`
	Reactions     []ReactionDTO      `json:"reactions"`
	CreatedAt     time.Time          `json:"created_at"`
}

// MessageToDTO 将持久化消息转换为输出形状。软删除的消息保留 ID 占位但隐藏正文。
func MessageToDTO(m models.Message, username string) MessageDTO {
	body := m.Body
	if m.Deleted {
		body = ""
	}
	reactions := make([]ReactionDTO, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, ReactionDTO{UserID: r.UserID, Emoji: r.Emoji})
	}
	return MessageDTO{
		Type:          "receive_message",
		ID:            m.ID,
		RoomID:        m.RoomID,
		UserID:        m.UserID,
		Username:      username,
		Body:          body,
		Kind:          m.Kind,
		AttachmentURL: m.AttachmentURL,
		ReplyToID:     m.ReplyToID,
		Edited:        m.Edited,
		Reactions:     reactions,
		CreatedAt:     m.CreatedAt,
	}
}

// ResolveUsernames 批量获取消息涉及的用户名。
func ResolveUsernames(db *gorm.DB, msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.UserID]; ok {
			continue
		}
		seen[m.UserID] = struct{}{}
		userIDs = append(userIDs, m.UserID)
	}

	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := db.Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
