// Package moderation 定义内容审核的外部协作接口，以及一个词表实现。
// 真正的分类器是外部黑盒，这里只约定契约。
package moderation

import (
	"context"
	"strings"

	"github.com/ogkauann/comunidade-beta/internal/models"
	"github.com/ogkauann/comunidade-beta/internal/notify"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Checker 判定消息正文是否应被拦截。blocked 为 true 表示内容不当。
type Checker interface {
	Check(ctx context.Context, body string) (blocked bool, err error)
}

// WordFilter 是基于词表的 Checker 实现，大小写不敏感的子串匹配。
type WordFilter struct {
	words []string
}

func NewWordFilter(words []string) *WordFilter {
	lowered := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			lowered = append(lowered, w)
		}
	}
	return &WordFilter{words: lowered}
}

func (f *WordFilter) Check(_ context.Context, body string) (bool, error) {
	lowered := strings.ToLower(body)
	for _, w := range f.words {
		if strings.Contains(lowered, w) {
			return true, nil
		}
	}
	return false, nil
}

// Reporter 处理用户对消息的举报：落库并通知版主。
type Reporter struct {
	db       *gorm.DB
	notifier notify.Notifier
	mods     func() ([]uint, error)
}

func NewReporter(db *gorm.DB, notifier notify.Notifier, moderators func() ([]uint, error)) *Reporter {
	return &Reporter{db: db, notifier: notifier, mods: moderators}
}

// Report 记录一条举报。版主通知失败只记日志，不影响举报本身。
func (r *Reporter) Report(ctx context.Context, messageID, userID uint, reason string) error {
	var msg models.Message
	if err := r.db.First(&msg, messageID).Error; err != nil {
		return err
	}
	rep := models.Report{MessageID: messageID, UserID: userID, Reason: reason}
	if err := r.db.Create(&rep).Error; err != nil {
		return err
	}
	mods, err := r.mods()
	if err != nil {
		log.Error().Err(err).Uint("message_id", messageID).Msg("report list moderators")
		return nil
	}
	if len(mods) > 0 {
		if err := r.notifier.ReportFiled(ctx, messageID, reason, mods); err != nil {
			log.Error().Err(err).Uint("message_id", messageID).Msg("report notify moderators")
		}
	}
	return nil
}
