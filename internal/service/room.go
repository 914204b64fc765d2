package service

import (
	"errors"
	"strconv"
	"strings"

	"github.com/ogkauann/comunidade-beta/internal/hub"
	"github.com/ogkauann/comunidade-beta/internal/models"
	"gorm.io/gorm"
)

// RoomService 封装房间相关的业务逻辑：创建、解析、持久化成员关系。
type RoomService struct {
	db  *gorm.DB
	hub *hub.Hub
}

func NewRoomService(db *gorm.DB, h *hub.Hub) *RoomService {
	return &RoomService{db: db, hub: h}
}

// RoomDTO 是对外输出的房间数据。
type RoomDTO struct {
	ID      uint   `json:"id"`
	Name    string `json:"name"`
	Private bool   `json:"private"`
	Direct  bool   `json:"direct"`
	Online  int    `json:"online"`
}

// Create 创建新房间，创建者自动成为成员。
func (s *RoomService) Create(name string, ownerID uint, private bool) (*RoomDTO, error) {
	var dto RoomDTO
	err := s.db.Transaction(func(tx *gorm.DB) error {
		room := models.Room{Name: name, OwnerID: ownerID, Private: private}
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		if err := tx.Create(&models.RoomMember{RoomID: room.ID, UserID: ownerID}).Error; err != nil {
			return err
		}
		dto = RoomDTO{ID: room.ID, Name: room.Name, Private: room.Private}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &dto, nil
}

// FindOrCreateDirect 查找或创建两名用户之间的私聊房间。房间名由两个用户 ID
// 排序拼接，保证同一对用户总是命中同一条记录。
func (s *RoomService) FindOrCreateDirect(userA, userB uint) (*models.Room, error) {
	lo, hi := userA, userB
	if lo > hi {
		lo, hi = hi, lo
	}
	name := "dm:" + strconv.FormatUint(uint64(lo), 10) + ":" + strconv.FormatUint(uint64(hi), 10)

	var room models.Room
	err := s.db.Where("name = ? AND direct = ?", name, true).First(&room).Error
	if err == nil {
		return &room, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	err = s.db.Transaction(func(tx *gorm.DB) error {
		room = models.Room{Name: name, OwnerID: userA, Private: true, Direct: true}
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		members := []models.RoomMember{
			{RoomID: room.ID, UserID: userA},
			{RoomID: room.ID, UserID: userB},
		}
		return tx.Create(&members).Error
	})
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// List 返回对该用户可见的房间：公开房间加上其为成员的私有房间。
func (s *RoomService) List(userID uint, limit int) ([]RoomDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var rooms []models.Room
	sub := s.db.Model(&models.RoomMember{}).Select("room_id").Where("user_id = ?", userID)
	if err := s.db.Where("private = ? OR id IN (?)", false, sub).Order("id desc").Limit(limit).Find(&rooms).Error; err != nil {
		return nil, err
	}
	out := make([]RoomDTO, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomDTO{ID: r.ID, Name: r.Name, Private: r.Private, Direct: r.Direct, Online: s.hub.Online(r.ID)})
	}
	return out, nil
}

// Resolve 按标识符解析房间：先尝试按数字 ID 查找，失败则按名称回退。
func (s *RoomService) Resolve(idOrName string) (*models.Room, error) {
	idOrName = strings.TrimSpace(idOrName)
	if idOrName == "" {
		return nil, ErrRoomNotFound
	}
	var room models.Room
	if id, err := strconv.ParseUint(idOrName, 10, 64); err == nil && id > 0 {
		if err := s.db.First(&room, uint(id)).Error; err == nil {
			return &room, nil
		}
	}
	if err := s.db.Where("name = ?", idOrName).First(&room).Error; err != nil {
		return nil, ErrRoomNotFound
	}
	return &room, nil
}

// Exists 检查房间是否存在。
func (s *RoomService) Exists(roomID uint) (*models.Room, error) {
	var room models.Room
	if err := s.db.First(&room, roomID).Error; err != nil {
		return nil, ErrRoomNotFound
	}
	return &room, nil
}

// IsMember 查询持久化成员关系。
func (s *RoomService) IsMember(roomID, userID uint) (bool, error) {
	var count int64
	if err := s.db.Model(&models.RoomMember{}).Where("room_id = ? AND user_id = ?", roomID, userID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CanAccess 判断用户能否进入房间：公开房间任何人可进，私有房间仅限成员。
func (s *RoomService) CanAccess(room *models.Room, userID uint) (bool, error) {
	if !room.Private {
		return true, nil
	}
	return s.IsMember(room.ID, userID)
}

// Join 将用户写入持久化成员表，已是成员时是 no-op。
func (s *RoomService) Join(roomID, userID uint) error {
	ok, err := s.IsMember(roomID, userID)
	if err != nil || ok {
		return err
	}
	return s.db.Create(&models.RoomMember{RoomID: roomID, UserID: userID}).Error
}

// Leave 将用户从持久化成员表移除，幂等。
func (s *RoomService) Leave(roomID, userID uint) error {
	return s.db.Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&models.RoomMember{}).Error
}

// Members 返回房间全部持久化成员的用户 ID。
func (s *RoomService) Members(roomID uint) ([]uint, error) {
	var ids []uint
	if err := s.db.Model(&models.RoomMember{}).Where("room_id = ?", roomID).Pluck("user_id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
