package models

import "time"

// MessageKind 是消息类型的封闭集合，管道校验阶段做穷举检查。
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindFile   MessageKind = "file"
	KindImage  MessageKind = "image"
	KindCode   MessageKind = "code"
	KindSystem MessageKind = "system"
)

// ValidKind 判断 kind 是否属于客户端可发送的消息类型（system 仅由服务端生成，不落库）。
func ValidKind(k MessageKind) bool {
	switch k {
	case KindText, KindFile, KindImage, KindCode:
		return true
	}
	return false
}

// NeedsAttachment 判断该类型消息是否必须携带附件引用。
func (k MessageKind) NeedsAttachment() bool {
	return k == KindFile || k == KindImage
}

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"size:32;not null;default:member"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const RoleModerator = "moderator"

type Room struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128;not null"`
	OwnerID   uint   `gorm:"not null"`
	Private   bool   `gorm:"not null;default:false"`
	Direct    bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoomMember 是持久化的房间成员关系，和“当前在线连接集合”是两回事。
type RoomMember struct {
	ID        uint `gorm:"primaryKey"`
	RoomID    uint `gorm:"uniqueIndex:idx_room_user;not null"`
	UserID    uint `gorm:"uniqueIndex:idx_room_user;not null"`
	CreatedAt time.Time
}

type Message struct {
	ID            uint        `gorm:"primaryKey"`
	RoomID        uint        `gorm:"index:idx_msg_room_id;not null"`
	UserID        uint        `gorm:"index;not null"`
	Body          string      `gorm:"type:text;not null"`
	Kind          MessageKind `gorm:"size:16;not null;default:text"`
	AttachmentURL string      `gorm:"size:512"`
	ReplyToID     *uint       `gorm:"index"`
	Edited        bool        `gorm:"not null;default:false"`
	Deleted       bool        `gorm:"not null;default:false"`
	Reactions     []Reaction  `gorm:"foreignKey:MessageID"`
	CreatedAt     time.Time   `gorm:"index:idx_msg_created"`
}

// Reaction 以 (message, user, emoji) 唯一，重复添加在业务层拒绝。
type Reaction struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"uniqueIndex:idx_react_unique;not null"`
	UserID    uint   `gorm:"uniqueIndex:idx_react_unique;not null"`
	Emoji     string `gorm:"uniqueIndex:idx_react_unique;size:32;not null"`
	CreatedAt time.Time
}

// Report 记录对消息的举报，供版主处理。
type Report struct {
	ID        uint   `gorm:"primaryKey"`
	MessageID uint   `gorm:"index;not null"`
	UserID    uint   `gorm:"not null"`
	Reason    string `gorm:"size:512;not null"`
	CreatedAt time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
