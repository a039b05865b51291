package botqueue

import (
	"context"
	"fmt"
)

// SendOptions tune a single outgoing message.
type SendOptions struct {
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
}

// Message is a message accepted by the chat platform.
type Message struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text,omitempty"`
}

// File describes a file stored by the chat platform. URL is set when the
// sink can build a direct download link.
type File struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Sink delivers pipeline output back to the originating conversation.
type Sink interface {
	SendMessage(ctx context.Context, chatID int64, text string, opts *SendOptions) (*Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string, opts *SendOptions) (*Message, error)
	GetFile(ctx context.Context, fileID string) (*File, error)
}

// DeliverQuietly sends text and only logs a failure. It reports whether the
// message was accepted. Used for error reports, where a failure to report a
// failure must not cascade.
func DeliverQuietly(ctx context.Context, s Sink, log Logger, chatID int64, text string, opts *SendOptions) (ok bool) {
	if s == nil || chatID == 0 {
		return false
	}
	if log == nil {
		log = noopLogger{}
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("sink panic: chat=%d err=%v", chatID, r)
			ok = false
		}
	}()
	if _, err := s.SendMessage(ctx, chatID, text, opts); err != nil {
		log.Warnf("delivery failed: chat=%d err=%v", chatID, err)
		return false
	}
	return true
}

// DeliveryError wraps a sink failure with the delivery kind.
func DeliveryError(op string, chatID int64, err error) *JobError {
	return NewError(KindDelivery, op, fmt.Errorf("chat %d: %w", chatID, err))
}
