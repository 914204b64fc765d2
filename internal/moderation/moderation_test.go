package moderation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/ogkauann/comunidade-beta/internal/db"
	"github.com/ogkauann/comunidade-beta/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestWordFilter(t *testing.T) {
	f := NewWordFilter([]string{"Palavrao1", " palavrao2 ", ""})

	cases := []struct {
		body    string
		blocked bool
	}{
		{"a friendly message", false},
		{"contains PALAVRAO1 loudly", true},
		{"embedded-palavrao2-inside", true},
		{"", false},
	}
	for _, tc := range cases {
		got, err := f.Check(context.Background(), tc.body)
		if err != nil {
			t.Fatalf("Check(%q): %v", tc.body, err)
		}
		if got != tc.blocked {
			t.Errorf("Check(%q) = %v, want %v", tc.body, got, tc.blocked)
		}
	}
}

func TestWordFilter_EmptyList(t *testing.T) {
	f := NewWordFilter(nil)
	if blocked, _ := f.Check(context.Background(), "anything at all"); blocked {
		t.Error("empty filter blocked a message")
	}
}

type captureNotifier struct {
	mu      sync.Mutex
	reports [][]uint
}

func (n *captureNotifier) MessageCreated(context.Context, uint, uint, string, []uint) error {
	return nil
}
func (n *captureNotifier) ReactionAdded(context.Context, uint, string, uint) error { return nil }
func (n *captureNotifier) ReportFiled(_ context.Context, _ uint, _ string, mods []uint) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.reports = append(n.reports, mods)
	return nil
}

func TestReporter_Report(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	msg := models.Message{RoomID: 1, UserID: 1, Body: "rude", Kind: models.KindText}
	if err := gdb.Create(&msg).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}

	notifier := &captureNotifier{}
	mods := func() ([]uint, error) { return []uint{9}, nil }
	r := NewReporter(gdb, notifier, mods)

	if err := r.Report(context.Background(), msg.ID, 2, "offensive"); err != nil {
		t.Fatalf("Report: %v", err)
	}

	var count int64
	gdb.Model(&models.Report{}).Where("message_id = ?", msg.ID).Count(&count)
	if count != 1 {
		t.Errorf("report rows = %d, want 1", count)
	}
	if len(notifier.reports) != 1 || len(notifier.reports[0]) != 1 || notifier.reports[0][0] != 9 {
		t.Errorf("moderator notifications = %v, want [[9]]", notifier.reports)
	}
}

func TestReporter_UnknownMessage(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := NewReporter(gdb, &captureNotifier{}, func() ([]uint, error) { return nil, nil })
	if err := r.Report(context.Background(), 999, 2, "x"); err == nil {
		t.Error("Report accepted unknown message")
	}
}
