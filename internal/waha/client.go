// Package waha talks to a WAHA-style WhatsApp HTTP gateway.
//
// Everything here is a thin passthrough: session lifecycle, QR pairing,
// and single text sends. Retry and recovery policy live in the delivery
// engine, not in this client.
package waha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aqinotify/pkg/logx"
)

// Session states reported by the gateway.
const (
	StatusWorking         = "WORKING"
	StatusStarting        = "STARTING"
	StatusScanQRCode      = "SCAN_QR_CODE"
	StatusFailed          = "FAILED"
	StatusStopped         = "STOPPED"
	StatusError           = "ERROR"
	StatusConnectionError = "CONNECTION_ERROR"
)

// Config configures the gateway client.
type Config struct {
	BaseURL string
	APIKey  string
	Session string
	Timeout time.Duration
}

func (c *Config) normalize() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if strings.TrimSpace(c.Session) == "" {
		c.Session = "default"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// SessionInfo is the session status snapshot.
// Ready is derived: the session accepts sends only in WORKING state.
type SessionInfo struct {
	Name       string          `json:"name"`
	Status     string          `json:"status"`
	Ready      bool            `json:"ready"`
	Error      string          `json:"error,omitempty"`
	HTTPStatus int             `json:"http_status,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// SendResult is the outcome of one send call. A transport-level failure
// is returned as an error instead; a non-2xx gateway response lands here
// with Success=false.
type SendResult struct {
	Success    bool
	MessageID  string
	HTTPStatus int
	ErrorBody  string
	Raw        json.RawMessage
}

// QRCode carries the base64 pairing image payload.
type QRCode struct {
	Mimetype string `json:"mimetype"`
	Data     string `json:"data"`
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	cfg.normalize()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// SessionName returns the configured gateway session.
func (c *Client) SessionName() string { return c.cfg.Session }

func (c *Client) do(ctx context.Context, method, path string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, b, nil
}

// SessionStatus fetches the current session state. Transport failures are
// folded into a CONNECTION_ERROR snapshot so callers always get a status.
func (c *Client) SessionStatus(ctx context.Context) SessionInfo {
	status, body, err := c.do(ctx, http.MethodGet, "/api/sessions/"+c.cfg.Session, nil)
	if err != nil {
		c.log.Error("failed to get session status",
			logx.String("session", c.cfg.Session), logx.Err(err))
		return SessionInfo{
			Name:   c.cfg.Session,
			Status: StatusConnectionError,
			Error:  err.Error(),
		}
	}
	if status < 200 || status >= 300 {
		return SessionInfo{
			Name:       c.cfg.Session,
			Status:     StatusError,
			Error:      string(body),
			HTTPStatus: status,
		}
	}

	var data struct {
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return SessionInfo{
			Name:       c.cfg.Session,
			Status:     StatusError,
			Error:      fmt.Sprintf("decode status: %v", err),
			HTTPStatus: status,
		}
	}

	name := data.Name
	if name == "" {
		name = c.cfg.Session
	}
	return SessionInfo{
		Name:       name,
		Status:     data.Status,
		Ready:      data.Status == StatusWorking,
		HTTPStatus: status,
		Raw:        append(json.RawMessage(nil), body...),
	}
}

// Ready reports whether the session can send messages right now.
func (c *Client) Ready(ctx context.Context) bool {
	return c.SessionStatus(ctx).Ready
}

// StartSession asks the gateway to start the session.
func (c *Client) StartSession(ctx context.Context) error {
	c.log.Info("starting channel session", logx.String("session", c.cfg.Session))
	status, body, err := c.do(ctx, http.MethodPost, "/api/sessions/"+c.cfg.Session+"/start", nil)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("start session: status %d: %s", status, string(body))
	}
	return nil
}

// StopSession asks the gateway to stop the session.
func (c *Client) StopSession(ctx context.Context) error {
	c.log.Info("stopping channel session", logx.String("session", c.cfg.Session))
	status, body, err := c.do(ctx, http.MethodPost, "/api/sessions/"+c.cfg.Session+"/stop", nil)
	if err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("stop session: status %d: %s", status, string(body))
	}
	return nil
}

// QR fetches the base64 pairing image for an unpaired session.
func (c *Client) QR(ctx context.Context) (*QRCode, error) {
	status, body, err := c.do(ctx, http.MethodGet, "/api/"+c.cfg.Session+"/auth/qr?format=image", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch qr: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("fetch qr: status %d: %s", status, string(body))
	}
	var qr QRCode
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("fetch qr: decode: %w", err)
	}
	return &qr, nil
}

// SendText sends one text message to a chat id. The recipient should
// already be normalized via FormatRecipient.
func (c *Client) SendText(ctx context.Context, chatID, text string) (*SendResult, error) {
	payload := map[string]any{
		"chatId":  chatID,
		"text":    text,
		"session": c.cfg.Session,
	}

	status, body, err := c.do(ctx, http.MethodPost, "/api/sendText", payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return &SendResult{
			Success:    false,
			HTTPStatus: status,
			ErrorBody:  string(body),
		}, nil
	}

	var data struct {
		ID json.RawMessage `json:"id"`
	}
	_ = json.Unmarshal(body, &data)

	return &SendResult{
		Success:    true,
		MessageID:  decodeMessageID(data.ID),
		HTTPStatus: status,
		Raw:        append(json.RawMessage(nil), body...),
	}, nil
}

// decodeMessageID tolerates both string ids and structured id objects
// ({"_serialized": "..."}), which differ across gateway versions.
func decodeMessageID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Serialized string `json:"_serialized"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Serialized != "" {
		return obj.Serialized
	}
	return strings.TrimSpace(string(raw))
}
