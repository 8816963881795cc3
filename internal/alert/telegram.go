package alert

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
)

const maxTelegramText = 4096

// RateLimitedError is returned when the Bot API answers 429. RetryAfter is
// zero when the response did not say.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("telegram rate limited, retry after %s", e.RetryAfter)
}

type TelegramOptions struct {
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
	// Silent delivers messages without a notification sound.
	Silent bool
}

// TelegramNotifier posts alerts through the Bot API sendMessage method.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	silent   bool
	client   *http.Client
}

func NewTelegramNotifier(opts TelegramOptions) (*TelegramNotifier, error) {
	if strings.TrimSpace(opts.BotToken) == "" || strings.TrimSpace(opts.ChatID) == "" {
		return nil, errors.New("telegram bot token and chat id required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}
	return &TelegramNotifier{
		botToken: strings.TrimSpace(opts.BotToken),
		chatID:   strings.TrimSpace(opts.ChatID),
		baseURL:  baseURL,
		silent:   opts.Silent,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil {
		return nil
	}
	if len(msg) > maxTelegramText {
		msg = msg[:maxTelegramText-3] + "..."
	}
	body, err := json.Marshal(telegramSendMessageRequest{
		ChatID:                t.chatID,
		Text:                  msg,
		DisableWebPagePreview: true,
		DisableNotification:   t.silent,
	})
	if err != nil {
		return err
	}
	endpoint := t.baseURL + "/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// the token is part of the URL; keep it out of logs
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return fmt.Errorf("telegram send: %w", uerr.Err)
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed telegramSendMessageResponse
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitedError{RetryAfter: time.Duration(parsed.Parameters.RetryAfter) * time.Second}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if parsed.Description != "" {
			return fmt.Errorf("telegram status=%d: %s", resp.StatusCode, strings.TrimSpace(parsed.Description))
		}
		return fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if len(respBody) > 0 && !parsed.OK && parsed.Description != "" {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

type telegramSendMessageRequest struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
	DisableNotification   bool   `json:"disable_notification,omitempty"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}
