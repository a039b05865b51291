// Package sink provides implementations of botqueue.Sink.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/UniQw/botqueue"
	"github.com/bytedance/sonic"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// APIError is a request the Bot API answered with ok=false.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// TelegramConfig holds configuration for the Bot API client.
type TelegramConfig struct {
	// Token is the bot token issued by BotFather.
	Token string
	// APIBase overrides DefaultAPIBase, mainly for tests.
	APIBase string
	// Timeout is the HTTP request timeout (default: 15s).
	Timeout time.Duration
}

// Telegram is a thin Bot API client covering the calls the pipelines make.
type Telegram struct {
	base       string
	token      string
	httpClient *http.Client
}

var _ botqueue.Sink = (*Telegram)(nil)

// NewTelegram creates a Bot API client.
func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Telegram{
		base:       strings.TrimRight(cfg.APIBase, "/"),
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type apiMessage struct {
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}

type sendRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id,omitempty"`
	Text      string `json:"text"`
	*botqueue.SendOptions
}

func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string, opts *botqueue.SendOptions) (*botqueue.Message, error) {
	var m apiMessage
	if err := t.call(ctx, "sendMessage", sendRequest{ChatID: chatID, Text: text, SendOptions: opts}, &m); err != nil {
		return nil, err
	}
	return &botqueue.Message{ChatID: m.Chat.ID, MessageID: m.MessageID, Text: m.Text}, nil
}

func (t *Telegram) EditMessageText(ctx context.Context, chatID, messageID int64, text string, opts *botqueue.SendOptions) (*botqueue.Message, error) {
	if opts != nil {
		// editMessageText has no notification flag
		o := *opts
		o.DisableNotification = false
		opts = &o
	}
	var m apiMessage
	req := sendRequest{ChatID: chatID, MessageID: messageID, Text: text, SendOptions: opts}
	if err := t.call(ctx, "editMessageText", req, &m); err != nil {
		return nil, err
	}
	return &botqueue.Message{ChatID: m.Chat.ID, MessageID: m.MessageID, Text: m.Text}, nil
}

// GetFile resolves a file id; the returned URL is valid for about an hour.
func (t *Telegram) GetFile(ctx context.Context, fileID string) (*botqueue.File, error) {
	var f botqueue.File
	if err := t.call(ctx, "getFile", map[string]string{"file_id": fileID}, &f); err != nil {
		return nil, err
	}
	if f.FilePath != "" {
		f.URL = fmt.Sprintf("%s/file/bot%s/%s", t.base, t.token, f.FilePath)
	}
	return &f, nil
}

func (t *Telegram) call(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/%s", t.base, t.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// the URL carries the token; keep it out of logs
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	var ar apiResponse
	if err := sonic.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("decode %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !ar.OK {
		return &APIError{Method: method, Code: ar.ErrorCode, Description: ar.Description, RetryAfter: ar.Parameters.RetryAfter}
	}
	if out == nil || len(ar.Result) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(ar.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
