// Package history 提供房间消息的分页读取与检索，独立于实时连接。
package history

import (
	"strings"

	"github.com/ogkauann/comunidade-beta/internal/models"
	"github.com/ogkauann/comunidade-beta/internal/service"
	"gorm.io/gorm"
)

// Store 是历史消息存储的读取抽象。
type Store interface {
	PageByRoom(roomID uint, page, pageSize int) (msgs []models.Message, total int64, err error)
	SearchByRoom(roomID uint, query string, limit int) ([]models.Message, error)
	Usernames(msgs []models.Message) (map[uint]string, error)
}

// Page 是一次分页读取的结果。排序键为 (created_at, id)，并发写入下
// 不保证跨页快照一致，调用方按消息 ID 去重。
type Page struct {
	Messages []service.MessageDTO `json:"messages"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	Pages    int                  `json:"pages"`
	HasMore  bool                 `json:"has_more"`
}

// Pager 基于 Store 提供面向调用方的分页接口。
type Pager struct {
	store    Store
	pageSize int
}

func NewPager(store Store, defaultPageSize int) *Pager {
	if defaultPageSize <= 0 {
		defaultPageSize = 50
	}
	return &Pager{store: store, pageSize: defaultPageSize}
}

// FetchPage 返回第 page 页（从 1 开始）的消息，页内按新到旧排序。
// hasMore 以“取满一页”为判据。
func (p *Pager) FetchPage(roomID uint, page, pageSize int) (*Page, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = p.pageSize
	}
	msgs, total, err := p.store.PageByRoom(roomID, page, pageSize)
	if err != nil {
		return nil, err
	}
	dtos, err := p.toDTOs(msgs)
	if err != nil {
		return nil, err
	}
	pages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return &Page{
		Messages: dtos,
		Total:    total,
		Page:     page,
		Pages:    pages,
		HasMore:  len(msgs) == pageSize,
	}, nil
}

// Search 在房间消息正文上做大小写不敏感的子串匹配，新消息在前。
func (p *Pager) Search(roomID uint, query string) ([]service.MessageDTO, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []service.MessageDTO{}, nil
	}
	msgs, err := p.store.SearchByRoom(roomID, query, 20)
	if err != nil {
		return nil, err
	}
	return p.toDTOs(msgs)
}

func (p *Pager) toDTOs(msgs []models.Message) ([]service.MessageDTO, error) {
	usernames, err := p.store.Usernames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]service.MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, service.MessageToDTO(m, usernames[m.UserID]))
	}
	return out, nil
}

// GormStore 是基于 gorm 的 Store 实现。
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

// PageByRoom 按 (created_at desc, id desc) 取第 page 页，同时返回总数。
func (s *GormStore) PageByRoom(roomID uint, page, pageSize int) ([]models.Message, int64, error) {
	var total int64
	if err := s.db.Model(&models.Message{}).Where("room_id = ?", roomID).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var msgs []models.Message
	err := s.db.Preload("Reactions").
		Where("room_id = ?", roomID).
		Order("created_at desc, id desc").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&msgs).Error
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// SearchByRoom 用 LOWER(body) LIKE 做子串匹配，跳过软删除的消息。
func (s *GormStore) SearchByRoom(roomID uint, query string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	pattern := "%" + strings.ToLower(query) + "%"
	err := s.db.Preload("Reactions").
		Where("room_id = ? AND deleted = ? AND LOWER(body) LIKE ?", roomID, false, pattern).
		Order("created_at desc, id desc").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *GormStore) Usernames(msgs []models.Message) (map[uint]string, error) {
	return service.ResolveUsernames(s.db, msgs)
}
