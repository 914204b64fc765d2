// Package notify 定义离线成员通知的外部协作接口。投递通道（邮件、推送）
// 在进程外，这里只有契约和一个记日志的实现；失败由调用方记录后吞掉，
// 绝不回滚已广播的消息。
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Notifier 是异步通知的出口。
type Notifier interface {
	// MessageCreated 通知不在线的房间成员有新消息。
	MessageCreated(ctx context.Context, roomID, messageID uint, preview string, recipients []uint) error
	// ReactionAdded 通知消息作者收到了反应。
	ReactionAdded(ctx context.Context, messageID uint, emoji string, recipient uint) error
	// ReportFiled 通知版主有新的消息举报。
	ReportFiled(ctx context.Context, messageID uint, reason string, moderators []uint) error
}

// LogNotifier 把通知写进结构化日志，代替真实的投递后端。
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) MessageCreated(_ context.Context, roomID, messageID uint, preview string, recipients []uint) error {
	log.Info().
		Uint("room_id", roomID).
		Uint("message_id", messageID).
		Ints("recipients", toInts(recipients)).
		Str("preview", truncate(preview, 64)).
		Msg("notify message created")
	return nil
}

func (n *LogNotifier) ReactionAdded(_ context.Context, messageID uint, emoji string, recipient uint) error {
	log.Info().
		Uint("message_id", messageID).
		Str("emoji", emoji).
		Uint("recipient", recipient).
		Msg("notify reaction added")
	return nil
}

func (n *LogNotifier) ReportFiled(_ context.Context, messageID uint, reason string, moderators []uint) error {
	log.Info().
		Uint("message_id", messageID).
		Str("reason", reason).
		Ints("moderators", toInts(moderators)).
		Msg("notify report filed")
	return nil
}

func toInts(ids []uint) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
