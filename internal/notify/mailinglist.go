package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/icarus-drones/storefront-api/internal/events"
	"github.com/icarus-drones/storefront-api/internal/resilience"
)

// MailingList subscribes settled customers to a Mailchimp-style audience.
// Strictly fire-and-forget: any failure is logged and swallowed.
type MailingList struct {
	APIKey  string
	ListID  string
	BaseURL string
	HTTP    resilience.HTTPClient
	Logger  zerolog.Logger
}

// Notify implements events.Notifier, subscribing the customer on settlement.
func (m MailingList) Notify(ctx context.Context, event events.Event) error {
	if event.Topic != events.TopicOrderSettled {
		return nil
	}
	if m.APIKey == "" || m.ListID == "" {
		return nil
	}
	payload := map[string]any{}
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil
		}
	}
	email := extractRecipient(payload)
	if email == "" {
		return nil
	}
	if err := m.subscribe(ctx, email); err != nil {
		m.Logger.Warn().Err(err).Str("email", email).Msg("mailing_list_subscribe_failed")
	}
	return nil
}

func (m MailingList) subscribe(ctx context.Context, email string) error {
	body, err := json.Marshal(map[string]any{
		"email_address": email,
		"status":        "subscribed",
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/3.0/lists/%s/members", strings.TrimRight(m.baseURL(), "/"), m.ListID)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth("anystring", m.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.HTTP.Do(ctx, req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		return nil
	}
	data, _ := io.ReadAll(resp.Body)
	var failure struct {
		Title string `json:"title"`
	}
	_ = json.Unmarshal(data, &failure)
	if failure.Title == "Member Exists" {
		// already subscribed, nothing to do
		return nil
	}
	return errors.New("mailing list: " + resp.Status)
}

func (m MailingList) baseURL() string {
	if strings.TrimSpace(m.BaseURL) != "" {
		return m.BaseURL
	}
	// the datacenter suffix of the API key selects the host
	if idx := strings.LastIndex(m.APIKey, "-"); idx > 0 {
		return fmt.Sprintf("https://%s.api.mailchimp.com", m.APIKey[idx+1:])
	}
	return "https://us1.api.mailchimp.com"
}
