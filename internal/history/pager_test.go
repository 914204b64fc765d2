package history

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/ogkauann/comunidade-beta/internal/db"
	"github.com/ogkauann/comunidade-beta/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func seedMessages(t *testing.T, gdb *gorm.DB, roomID uint, n int) {
	t.Helper()
	if err := gdb.Create(&models.User{Username: "alice", PasswordHash: "x"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		msg := models.Message{
			RoomID:    roomID,
			UserID:    1,
			Body:      fmt.Sprintf("message %d", i+1),
			Kind:      models.KindText,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := gdb.Create(&msg).Error; err != nil {
			t.Fatalf("seed message %d: %v", i, err)
		}
	}
}

func TestPager_FetchPage_25Messages(t *testing.T) {
	gdb := openTestDB(t)
	seedMessages(t, gdb, 1, 25)
	pager := NewPager(NewGormStore(gdb), 50)

	p1, err := pager.FetchPage(1, 1, 20)
	if err != nil {
		t.Fatalf("FetchPage(1): %v", err)
	}
	if len(p1.Messages) != 20 {
		t.Errorf("page 1 = %d messages, want 20", len(p1.Messages))
	}
	if !p1.HasMore {
		t.Error("page 1 HasMore = false, want true")
	}
	if p1.Total != 25 || p1.Pages != 2 {
		t.Errorf("pagination = total %d pages %d, want 25/2", p1.Total, p1.Pages)
	}

	p2, err := pager.FetchPage(1, 2, 20)
	if err != nil {
		t.Fatalf("FetchPage(2): %v", err)
	}
	if len(p2.Messages) != 5 {
		t.Errorf("page 2 = %d messages, want 5", len(p2.Messages))
	}
	if p2.HasMore {
		t.Error("page 2 HasMore = true, want false")
	}

	// The union of both pages covers every message exactly once.
	seen := make(map[uint]struct{})
	for _, m := range append(p1.Messages, p2.Messages...) {
		if _, dup := seen[m.ID]; dup {
			t.Errorf("message %d appears twice across pages", m.ID)
		}
		seen[m.ID] = struct{}{}
	}
	if len(seen) != 25 {
		t.Errorf("union of pages = %d ids, want 25", len(seen))
	}
}

func TestPager_NewestFirst(t *testing.T) {
	gdb := openTestDB(t)
	seedMessages(t, gdb, 1, 5)
	pager := NewPager(NewGormStore(gdb), 50)

	p, err := pager.FetchPage(1, 1, 10)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(p.Messages) != 5 {
		t.Fatalf("got %d messages, want 5", len(p.Messages))
	}
	for i := 1; i < len(p.Messages); i++ {
		prev, cur := p.Messages[i-1], p.Messages[i]
		if cur.CreatedAt.After(prev.CreatedAt) {
			t.Errorf("messages not newest-first at index %d", i)
		}
	}
	if p.Messages[0].Body != "message 5" {
		t.Errorf("first message = %q, want latest", p.Messages[0].Body)
	}
	if p.Messages[0].Username != "alice" {
		t.Errorf("username = %q, want alice", p.Messages[0].Username)
	}
}

func TestPager_EmptyRoom(t *testing.T) {
	gdb := openTestDB(t)
	pager := NewPager(NewGormStore(gdb), 50)

	p, err := pager.FetchPage(99, 1, 20)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	if len(p.Messages) != 0 || p.HasMore || p.Total != 0 {
		t.Errorf("empty room page = %+v, want empty", p)
	}
}

func TestPager_Search(t *testing.T) {
	gdb := openTestDB(t)
	if err := gdb.Create(&models.User{Username: "alice", PasswordHash: "x"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	bodies := []string{"Hello World", "goodbye", "HELLO again", "unrelated"}
	for i, b := range bodies {
		msg := models.Message{RoomID: 1, UserID: 1, Body: b, Kind: models.KindText, CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}
		if err := gdb.Create(&msg).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	pager := NewPager(NewGormStore(gdb), 50)

	got, err := pager.Search(1, "hello")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Search() = %d results, want 2", len(got))
	}
	// Newest-first: "HELLO again" was created after "Hello World".
	if got[0].Body != "HELLO again" || got[1].Body != "Hello World" {
		t.Errorf("Search order = %q, %q", got[0].Body, got[1].Body)
	}

	if got, _ := pager.Search(1, "   "); len(got) != 0 {
		t.Error("blank query returned results")
	}
}

func TestPager_SearchSkipsDeleted(t *testing.T) {
	gdb := openTestDB(t)
	if err := gdb.Create(&models.User{Username: "alice", PasswordHash: "x"}).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	msg := models.Message{RoomID: 1, UserID: 1, Body: "secret stuff", Kind: models.KindText, Deleted: true}
	if err := gdb.Create(&msg).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	pager := NewPager(NewGormStore(gdb), 50)

	got, err := pager.Search(1, "secret")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Error("search returned soft-deleted message")
	}
}
