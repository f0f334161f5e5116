package alert

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type mockHTTPClient struct {
	statusCode int
	err        error
	lastReq    *http.Request
	lastBody   []byte
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if req.Body != nil {
		m.lastBody, _ = io.ReadAll(req.Body)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Body:       http.NoBody,
	}, nil
}

func TestNewManager(t *testing.T) {
	m := NewManager(true, "https://hooks.slack.com/test")
	if m == nil {
		t.Fatal("expected non-nil manager")
	}
	if !m.Enabled() {
		t.Error("expected manager to be enabled")
	}
	if m.slackWebhook != "https://hooks.slack.com/test" {
		t.Error("expected slack webhook to be set")
	}

	var nilManager *Manager
	if nilManager.Enabled() {
		t.Error("expected nil manager to be disabled")
	}
}

func TestSendReplicationFailureAlert_Disabled(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(false, "https://hooks.slack.com/test", mock)
	err := m.SendReplicationFailureAlert("/driftdb/keyvalue/users", "abc", 5, "not found")
	if err != nil {
		t.Errorf("expected nil error when disabled, got: %v", err)
	}
	if mock.lastReq != nil {
		t.Error("expected no request when disabled")
	}
}

func TestSendReplicationFailureAlert_EmptyWebhook(t *testing.T) {
	m := NewManager(true, "")
	err := m.SendReplicationFailureAlert("/driftdb/keyvalue/users", "abc", 5, "not found")
	if err != nil {
		t.Errorf("expected nil error with empty webhook, got: %v", err)
	}
}

func TestSendReplicationFailureAlert_Success(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	err := m.SendReplicationFailureAlert("/driftdb/eventlog/audit", "deadbeef", 3, "block not found")
	if err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}
	if mock.lastReq == nil {
		t.Fatal("expected request to be made")
	}
	if mock.lastReq.Method != http.MethodPost {
		t.Errorf("expected POST method, got: %s", mock.lastReq.Method)
	}
	if mock.lastReq.Header.Get("Content-Type") != "application/json" {
		t.Error("expected Content-Type to be application/json")
	}

	var msg slackMessage
	if err := json.Unmarshal(mock.lastBody, &msg); err != nil {
		t.Fatalf("failed to decode request body: %v", err)
	}
	if len(msg.Attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %d", len(msg.Attachments))
	}
	fields := msg.Attachments[0].Fields
	if fields[0].Value != "/driftdb/eventlog/audit" || fields[2].Value != "3" {
		t.Errorf("unexpected fields: %+v", fields)
	}
}

func TestSendReplicationFailureAlert_SlackError(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusInternalServerError}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	err := m.SendReplicationFailureAlert("/driftdb/eventlog/audit", "deadbeef", 3, "block not found")
	if err == nil {
		t.Error("expected error for non-200 response")
	}
}

func TestSendIntegrityAlert(t *testing.T) {
	mock := &mockHTTPClient{err: errors.New("connection refused")}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	err := m.SendIntegrityAlert("deadbeef", "hash mismatch")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("expected transport error, got: %v", err)
	}
}

func TestSendSystemAlert(t *testing.T) {
	mock := &mockHTTPClient{statusCode: http.StatusOK}
	m := NewManagerWithClient(true, "https://hooks.slack.com/test", mock)

	if err := m.SendSystemAlert("Relay down", "no peers connected", "warning"); err != nil {
		t.Errorf("expected nil error, got: %v", err)
	}

	var msg slackMessage
	if err := json.Unmarshal(mock.lastBody, &msg); err != nil {
		t.Fatalf("failed to decode request body: %v", err)
	}
	if msg.Attachments[0].Color != "warning" {
		t.Errorf("expected warning color, got %s", msg.Attachments[0].Color)
	}
}
