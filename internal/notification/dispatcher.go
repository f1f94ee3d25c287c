package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Notifier is one delivery channel for alert messages.
type Notifier interface {
	Send(subject, body string) error
	Name() string
	IsEnabled() bool
}

// Dispatcher fans one message out to every enabled channel. A failing
// channel never blocks the others.
type Dispatcher struct {
	notifiers []Notifier
	logger    zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger: logger.With().Str("component", "notification_dispatcher").Logger(),
	}
}

// Add registers a channel.
func (d *Dispatcher) Add(n Notifier) {
	d.notifiers = append(d.notifiers, n)
}

// Send delivers to all enabled channels and returns the last error, if any.
func (d *Dispatcher) Send(subject, body string) error {
	var lastErr error
	for _, n := range d.notifiers {
		if !n.IsEnabled() {
			continue
		}
		if err := n.Send(subject, body); err != nil {
			d.logger.Error().Err(err).Str("channel", n.Name()).Msg("notification failed")
			lastErr = err
		}
	}
	return lastErr
}

// HasChannels reports whether any enabled channel is registered.
func (d *Dispatcher) HasChannels() bool {
	for _, n := range d.notifiers {
		if n.IsEnabled() {
			return true
		}
	}
	return false
}

// TelegramNotifier posts messages through the Telegram bot API.
type TelegramNotifier struct {
	botToken string
	chatId   string
	client   *http.Client
}

// NewTelegramNotifier creates a Telegram channel. Empty credentials leave
// it disabled.
func NewTelegramNotifier(botToken, chatId string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatId:   chatId,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string { return "telegram" }

func (t *TelegramNotifier) IsEnabled() bool {
	return t.botToken != "" && t.chatId != ""
}

// Send posts subject and body as one message.
func (t *TelegramNotifier) Send(subject, body string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	payload := map[string]interface{}{
		"chat_id": t.chatId,
		"text":    subject + "\n\n" + body,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned status %d", resp.StatusCode)
	}
	return nil
}
