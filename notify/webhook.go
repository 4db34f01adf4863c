package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/hivepool/payoutd/config"
)

// Webhook posts plain-text messages to a Discord-compatible webhook. It is
// strictly best effort: delivery failures are logged and never block or
// fail a run. A webhook with no URL swallows everything, so callers never
// need to nil-check.
type Webhook struct {
	URL    string
	Client http.Client
}

// NewWebhook builds the notification sink from the viper config.
func NewWebhook(conf *viper.Viper) *Webhook {
	return &Webhook{
		URL:    conf.GetString(config.WebhookURL),
		Client: http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers one message, fire and forget.
func (w *Webhook) Send(message string) {
	if w.URL == "" {
		return
	}

	body, err := json.Marshal(map[string]string{"content": message})
	if err != nil {
		log.WithError(err).Warn("failed to encode webhook message")
		return
	}

	resp, err := w.Client.Post(w.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		log.WithError(err).Warn("webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.WithField("status", resp.StatusCode).Warn("webhook delivery rejected")
	}
}

// Sendf is Send with formatting.
func (w *Webhook) Sendf(format string, args ...interface{}) {
	w.Send(fmt.Sprintf(format, args...))
}
