// Package alert posts operator notifications to a Slack webhook.
package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type Manager struct {
	enabled      bool
	slackWebhook string
	httpClient   HTTPClient
}

type slackMessage struct {
	Text        string            `json:"text"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

type slackAttachment struct {
	Color  string       `json:"color"`
	Title  string       `json:"title"`
	Fields []slackField `json:"fields"`
	Footer string       `json:"footer"`
	Ts     int64        `json:"ts"`
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewManager(enabled bool, slackWebhook string) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

func NewManagerWithClient(enabled bool, slackWebhook string, client HTTPClient) *Manager {
	return &Manager{
		enabled:      enabled,
		slackWebhook: slackWebhook,
		httpClient:   client,
	}
}

// Enabled reports whether alerts will actually be sent.
func (m *Manager) Enabled() bool {
	return m != nil && m.enabled && m.slackWebhook != ""
}

// SendReplicationFailureAlert reports a fetch that was abandoned after
// retries. The replica stays consistent but is behind its peers.
func (m *Manager) SendReplicationFailureAlert(address, hash string, attempts int, cause string) error {
	if !m.Enabled() {
		return nil
	}

	msg := slackMessage{
		Text: "⚠️ *REPLICATION FAILED*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Causal Fetch Abandoned",
				Fields: []slackField{
					{Title: "Database", Value: address, Short: false},
					{Title: "Entry", Value: hash, Short: false},
					{Title: "Attempts", Value: fmt.Sprintf("%d", attempts), Short: true},
					{Title: "Cause", Value: cause, Short: false},
				},
				Footer: "driftdb replication",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

// SendIntegrityAlert reports a block whose content does not match its
// address.
func (m *Manager) SendIntegrityAlert(hash, details string) error {
	if !m.Enabled() {
		return nil
	}

	msg := slackMessage{
		Text: "🚨 *BLOCK INTEGRITY VIOLATION*",
		Attachments: []slackAttachment{
			{
				Color: "danger",
				Title: "Corrupted Block",
				Fields: []slackField{
					{Title: "Block", Value: hash, Short: false},
					{Title: "Details", Value: details, Short: false},
				},
				Footer: "driftdb verify",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) SendSystemAlert(title, message, severity string) error {
	if !m.Enabled() {
		return nil
	}

	color := "danger"
	if severity == "warning" {
		color = "warning"
	} else if severity == "good" {
		color = "good"
	}

	msg := slackMessage{
		Text: fmt.Sprintf("🚨 *SYSTEM ALERT: %s*", title),
		Attachments: []slackAttachment{
			{
				Color: color,
				Title: title,
				Fields: []slackField{
					{Title: "Message", Value: message, Short: false},
				},
				Footer: "driftdb",
				Ts:     time.Now().Unix(),
			},
		},
	}

	return m.sendSlackMessage(msg)
}

func (m *Manager) sendSlackMessage(msg slackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal slack message: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.slackWebhook, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned non-200 status: %d", resp.StatusCode)
	}

	return nil
}
