package chatadapter

import (
	"context"
	"log/slog"
)

// LoggingAdapter is a transport-less Adapter that logs every call instead
// of delivering it anywhere. It exists so a standalone host (no chat
// channel wired in) still has something to hand Serializer; embedding
// processes that do wire a real channel (Telegram, Discord, a dashboard)
// provide their own Adapter instead.
type LoggingAdapter struct{}

func (LoggingAdapter) SendText(ctx context.Context, userID, body string) error {
	slog.Info("chatadapter: send_text", "user_id", userID, "body", body)
	return nil
}

func (LoggingAdapter) SendFile(ctx context.Context, userID, path, caption string) error {
	slog.Info("chatadapter: send_file", "user_id", userID, "path", path, "caption", caption)
	return nil
}

func (LoggingAdapter) React(ctx context.Context, userID, messageRef, emoji string) error {
	slog.Info("chatadapter: react", "user_id", userID, "message_ref", messageRef, "emoji", emoji)
	return nil
}

func (LoggingAdapter) SetTyping(ctx context.Context, userID string) error {
	slog.Debug("chatadapter: set_typing", "user_id", userID)
	return nil
}

func (LoggingAdapter) NotifyMenuCommandSet(ctx context.Context, userID string, commands []string) error {
	slog.Info("chatadapter: notify_menu_command_set", "user_id", userID, "commands", commands)
	return nil
}

var _ Adapter = LoggingAdapter{}
