package sink

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/UniQw/botqueue"
)

// Log is a dry-run sink: every message is logged instead of sent.
type Log struct {
	log Logger
	// FileBase, when set, is used to build download URLs for GetFile as FileBase/<file_id>.
	FileBase string
	next     atomic.Int64
}

// Logger is the subset of botqueue.Logger the sink writes to.
type Logger interface {
	Infof(format string, args ...any)
}

var _ botqueue.Sink = (*Log)(nil)

// NewLog creates a dry-run sink writing to l.
func NewLog(l Logger) *Log {
	if l == nil {
		l = botqueue.NopLogger()
	}
	return &Log{log: l}
}

func (s *Log) SendMessage(_ context.Context, chatID int64, text string, _ *botqueue.SendOptions) (*botqueue.Message, error) {
	id := s.next.Add(1)
	s.log.Infof("sink: send chat=%d message=%d text=%q", chatID, id, oneLine(text))
	return &botqueue.Message{ChatID: chatID, MessageID: id, Text: text}, nil
}

func (s *Log) EditMessageText(_ context.Context, chatID, messageID int64, text string, _ *botqueue.SendOptions) (*botqueue.Message, error) {
	s.log.Infof("sink: edit chat=%d message=%d text=%q", chatID, messageID, oneLine(text))
	return &botqueue.Message{ChatID: chatID, MessageID: messageID, Text: text}, nil
}

func (s *Log) GetFile(_ context.Context, fileID string) (*botqueue.File, error) {
	if s.FileBase == "" {
		return nil, fmt.Errorf("dry-run sink cannot resolve file %q", fileID)
	}
	return &botqueue.File{FileID: fileID, FilePath: fileID, URL: strings.TrimRight(s.FileBase, "/") + "/" + fileID}, nil
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
