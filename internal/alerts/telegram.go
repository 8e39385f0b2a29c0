package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"bybit-carry-bot/internal/config"

	"go.uber.org/zap"
)

const telegramBaseURL = "https://api.telegram.org"

// Telegram limits message text to 4096 characters; truncate with headroom.
const maxMessageLen = 4000

// Prefixes that mark a message as critical. Critical messages ignore the
// daytime window.
var criticalPrefixes = []string{"❗", "⛔"}

type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger

	tz       *time.Location
	dayStart int
	dayEnd   int
	nowFn    func() time.Time
}

func NewTelegram(cfg config.TelegramConfig, rep config.ReportConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, rep, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, rep config.ReportConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		enabled:  cfg.Enabled,
		token:    strings.TrimSpace(cfg.Token),
		chatID:   strings.TrimSpace(cfg.ChatID),
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   client,
		log:      log,
		tz:       time.FixedZone("report", rep.TZOffsetHours*3600),
		dayStart: rep.DaytimeStartHour,
		dayEnd:   rep.DaytimeEndHour,
		nowFn:    time.Now,
	}
}

// Critical reports whether a message bypasses the daytime window.
func Critical(message string) bool {
	for _, p := range criticalPrefixes {
		if strings.HasPrefix(message, p) {
			return true
		}
	}
	return false
}

func (t *Telegram) inDaytime(now time.Time) bool {
	h := now.In(t.tz).Hour()
	return h >= t.dayStart && h < t.dayEnd
}

// Notify delivers routine messages only during the configured daytime window
// in the report timezone; critical messages go out regardless. A suppressed
// message is dropped, not queued.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	if !Critical(message) && !t.inDaytime(t.nowFn()) {
		t.log.Debug("telegram message suppressed outside daytime window")
		return nil
	}
	return t.Send(ctx, message)
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	if runes := []rune(message); len(runes) > maxMessageLen {
		message = string(runes[:maxMessageLen])
	}
	payload := map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			desc := strings.TrimSpace(result.Description)
			if desc == "" {
				desc = "unknown telegram error"
			}
			return fmt.Errorf("telegram send failed: %s", desc)
		}
	}
	return nil
}
