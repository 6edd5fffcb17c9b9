package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	telegramAPI = "https://api.telegram.org"
	// Telegram rejects messages longer than this.
	telegramMaxText = 4096
)

// TelegramNotifier sends alerts via Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiURL   string
	client   *http.Client
	limiter  *rate.Limiter
}

// NewTelegramNotifier creates a Telegram notifier.
// botToken: Bot API token from @BotFather
// chatID: Target chat/group/channel ID
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		apiURL:   telegramAPI,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		// one message per second per chat, small burst
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram: rate limit: %w", err)
	}

	body, err := json.Marshal(map[string]interface{}{
		"chat_id":                  t.chatID,
		"text":                     formatHTML(alert),
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram: unexpected status %d", resp.StatusCode)
	}

	log.Printf("[telegram] sent alert: %s", alert.Title)
	return nil
}

func formatHTML(alert Alert) string {
	emoji := "ℹ️"
	switch alert.Level {
	case AlertWarning:
		emoji = "⚠️"
	case AlertCritical:
		emoji = "🚨"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n", emoji, html.EscapeString(alert.Title))
	// leave room for the header and tags
	msg := truncateEscaped(html.EscapeString(alert.Message), telegramMaxText-b.Len()-16)
	if alert.Preformatted {
		b.WriteString("<pre>")
		b.WriteString(msg)
		b.WriteString("</pre>")
	} else {
		b.WriteString(msg)
	}
	return b.String()
}

// truncateEscaped cuts escaped HTML to at most limit bytes without splitting
// a rune or an entity such as &amp;.
func truncateEscaped(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	s = strings.ToValidUTF8(s[:limit], "")
	if amp := strings.LastIndexByte(s, '&'); amp >= 0 && !strings.Contains(s[amp:], ";") {
		s = s[:amp]
	}
	return s
}
