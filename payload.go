package botqueue

import (
	"errors"
	"slices"
	"time"
)

// Payload is the tagged union of job payloads. Each variant belongs to exactly
// one queue and is validated before it is stored.
type Payload interface {
	Queue() QueueName
	Validate() error
	// IsTest reports a synthetic job: it runs normally but never talks to users.
	IsTest() bool
	basePriority() int
}

// TextPayload is the payload of the text-generation queue.
type TextPayload struct {
	UserID      int64  `json:"user_id"`
	ChatID      int64  `json:"chat_id"`
	Text        string `json:"text"`
	MessageType string `json:"message_type,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	Test        bool   `json:"test,omitempty"`
}

func (TextPayload) Queue() QueueName    { return QueueText }
func (p TextPayload) IsTest() bool      { return p.Test }
func (p TextPayload) basePriority() int { return p.Priority }

func (p TextPayload) Validate() error {
	switch {
	case p.Text == "":
		return invalid("text is required")
	case p.ChatID == 0 && !p.Test:
		return invalid("chat_id is required")
	}
	return nil
}

// PhotoSize describes one resolution of a photo as the chat platform sends it.
type PhotoSize struct {
	FileID       string `json:"file_id"`
	FileUniqueID string `json:"file_unique_id,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	FileSize     int64  `json:"file_size,omitempty"`
}

// ImageRef is a pre-resolved reference to image bytes. One of Data, URL or FileID is set.
type ImageRef struct {
	FileID   string `json:"file_id,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// MessageRef points to a message already sent to a chat.
type MessageRef struct {
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
}

// ImagePayload is the payload of the image-processing queue.
type ImagePayload struct {
	UserID         int64             `json:"user_id"`
	ChatID         int64             `json:"chat_id"`
	Photos         []PhotoSize       `json:"photos,omitempty"`
	Image          *ImageRef         `json:"image,omitempty"`
	ProcessingType string            `json:"processing_type,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
	StatusMessage  *MessageRef       `json:"status_message,omitempty"`
	Priority       int               `json:"priority,omitempty"`
	Test           bool              `json:"test,omitempty"`
}

func (ImagePayload) Queue() QueueName    { return QueueImage }
func (p ImagePayload) IsTest() bool      { return p.Test }
func (p ImagePayload) basePriority() int { return p.Priority }

func (p ImagePayload) Validate() error {
	if p.ChatID == 0 && !p.Test {
		return invalid("chat_id is required")
	}
	if p.Image != nil {
		if len(p.Image.Data) == 0 && p.Image.URL == "" && p.Image.FileID == "" {
			return invalid("image reference has no source")
		}
		return nil
	}
	if len(p.Photos) == 0 {
		return invalid("photos or image is required")
	}
	if p.Largest().FileID == "" {
		return invalid("photo file_id is required")
	}
	return nil
}

// Largest returns the photo with the most pixels. The chat platform sends
// sizes in ascending order, so ties go to the later entry.
func (p ImagePayload) Largest() PhotoSize {
	var best PhotoSize
	for _, ph := range p.Photos {
		if ph.Width*ph.Height >= best.Width*best.Height {
			best = ph
		}
	}
	return best
}

// NotificationType selects the delivery strategy of a notification.
type NotificationType string

const (
	NotifyImmediate        NotificationType = "immediate"
	NotifyBroadcast        NotificationType = "broadcast"
	NotifyScheduled        NotificationType = "scheduled"
	NotifyStatusUpdate     NotificationType = "status_update"
	NotifyErrorAlert       NotificationType = "error_alert"
	NotifyCompletionNotice NotificationType = "completion_notice"
	NotifyQueueStatus      NotificationType = "queue_status"
)

// NotificationTypes lists every accepted notification type.
var NotificationTypes = []NotificationType{
	NotifyImmediate, NotifyBroadcast, NotifyScheduled, NotifyStatusUpdate,
	NotifyErrorAlert, NotifyCompletionNotice, NotifyQueueStatus,
}

// NotificationOptions tune delivery.
type NotificationOptions struct {
	ParseMode             string `json:"parse_mode,omitempty"`
	Silent                bool   `json:"silent,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
	// BatchSize and BatchDelayMs override the broadcast pacing.
	BatchSize    int   `json:"batch_size,omitempty"`
	BatchDelayMs int64 `json:"batch_delay_ms,omitempty"`
}

// NotificationPayload is the payload of the notification queue.
type NotificationPayload struct {
	Type         NotificationType    `json:"type"`
	Recipients   []int64             `json:"recipients"`
	Message      string              `json:"message,omitempty"`
	Options      NotificationOptions `json:"options,omitempty"`
	ScheduledFor *time.Time          `json:"scheduled_for,omitempty"`
	// ReplyTo is the chat told about a failed notification job, if any.
	ReplyTo  int64 `json:"reply_to,omitempty"`
	Priority int   `json:"priority,omitempty"`
	Test     bool  `json:"test,omitempty"`
}

func (NotificationPayload) Queue() QueueName    { return QueueNotification }
func (p NotificationPayload) IsTest() bool      { return p.Test }
func (p NotificationPayload) basePriority() int { return p.Priority }

func (p NotificationPayload) Validate() error {
	if !slices.Contains(NotificationTypes, p.Type) {
		return invalid("unknown notification type %q", p.Type)
	}
	if len(p.Recipients) == 0 {
		return invalid("at least one recipient is required")
	}
	if p.Message == "" && p.Type != NotifyQueueStatus {
		return invalid("message is required")
	}
	if p.Type == NotifyScheduled {
		if p.ScheduledFor == nil || p.ScheduledFor.IsZero() {
			return invalid("scheduled_for is required")
		}
		if !p.ScheduledFor.After(time.Now()) {
			return NewError(KindValidation, "validate", ErrScheduledInPast)
		}
	}
	return nil
}

// notBefore returns the earliest time the job may be claimed.
func (p NotificationPayload) notBefore() time.Time {
	if p.ScheduledFor == nil {
		return time.Time{}
	}
	return *p.ScheduledFor
}

func invalid(format string, args ...any) error {
	return Errorf(KindValidation, "validate", format, args...)
}

// IsValidation reports whether err rejected a payload.
func IsValidation(err error) bool {
	var je *JobError
	return errors.As(err, &je) && je.Kind == KindValidation
}
