package notify

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Func delivers one line of text to the operator. Fire-and-forget: failures
// are logged and dropped, never surfaced to the caller.
type Func func(text string)

// Noop is used when no credentials are configured.
func Noop(string) {}

// Notifier posts alerts through a Telegram-style bot API.
type Notifier struct {
	Token  string
	ChatID string
	Log    *zap.Logger

	BaseURL string
	Client  *http.Client
}

func New(token string, chatID string, log *zap.Logger) *Notifier {
	return &Notifier{
		Token:   token,
		ChatID:  chatID,
		Log:     log,
		BaseURL: "https://api.telegram.org",
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends asynchronously; the tick loop must never block on the network.
func (n *Notifier) Notify(text string) {
	if strings.TrimSpace(n.Token) == "" || strings.TrimSpace(n.ChatID) == "" {
		return
	}
	go n.send(text)
}

func (n *Notifier) send(text string) {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", n.BaseURL, n.Token)
	form := url.Values{
		"chat_id": {n.ChatID},
		"text":    {text},
	}
	resp, err := n.Client.PostForm(endpoint, form)
	if err != nil {
		n.Log.Warn("notify failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		n.Log.Warn("notify rejected", zap.Int("status", resp.StatusCode))
	}
}
