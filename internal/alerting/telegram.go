// Package alerting dispatches scan notifications to Telegram. Sending is
// best-effort: a delivery failure is the caller's to log, never to fail a
// scan over.
package alerting

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/devtint/NUCLEI-CNM-sub000/internal/config"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram sends messages through the Bot API. Credentials are read fresh
// from the settings store on every send so operator changes apply without a
// restart.
type Telegram struct {
	settings config.SettingsReader
	client   *http.Client
	apiBase  string
}

func NewTelegram(settings config.SettingsReader) *Telegram {
	return &Telegram{
		settings: settings,
		client:   &http.Client{Timeout: 30 * time.Second},
		apiBase:  defaultAPIBase,
	}
}

// Send delivers a plain text message
func (t *Telegram) Send(message string) error {
	return t.send(message, "")
}

// SendFile delivers a document with the message as its caption. An empty or
// missing file degrades to a plain text message.
func (t *Telegram) SendFile(message, filePath string) error {
	if filePath != "" {
		if info, err := os.Stat(filePath); err != nil || info.Size() == 0 {
			filePath = ""
		}
	}
	return t.send(message, filePath)
}

func (t *Telegram) send(message, filePath string) error {
	notify := config.LoadNotifySettings(t.settings)
	if !notify.Enabled {
		return nil
	}
	if notify.BotToken == "" || notify.ChatID == "" {
		return fmt.Errorf("telegram credentials not configured")
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	w.WriteField("chat_id", notify.ChatID)
	w.WriteField("parse_mode", "Markdown")

	method := "sendMessage"
	if filePath != "" {
		method = "sendDocument"
		w.WriteField("caption", message)

		f, err := os.Open(filePath)
		if err != nil {
			return fmt.Errorf("failed to open attachment: %w", err)
		}
		part, err := w.CreateFormFile("document", filepath.Base(filePath))
		if err != nil {
			f.Close()
			return err
		}
		if _, err := io.Copy(part, f); err != nil {
			f.Close()
			return fmt.Errorf("failed to read attachment: %w", err)
		}
		f.Close()
	} else {
		w.WriteField("text", message)
	}

	if err := w.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, notify.BotToken, method)
	req, err := http.NewRequest(http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram API returned %d: %s", resp.StatusCode, data)
	}
	return nil
}
