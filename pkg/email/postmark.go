package email

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
)

const (
	postmarkTokenHeader = "X-Postmark-Server-Token"
	maxErrorBody        = 512
)

// HTTPTransport posts messages to a Postmark-compatible `/email` endpoint.
type HTTPTransport struct {
	baseURL string
	token   string
	sender  string
	client  *http.Client
}

type postmarkRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody,omitempty"`
	TextBody string `json:"TextBody,omitempty"`
}

func NewHTTPTransport(baseURL, token, sender string, timeout time.Duration) (*HTTPTransport, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("email base url is required")
	}
	if sender == "" {
		return nil, errors.New("email sender is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		baseURL: baseURL,
		token:   token,
		sender:  sender,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

func (t *HTTPTransport) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(postmarkRequest{
		From:     t.sender,
		To:       msg.To,
		Subject:  msg.Subject,
		HtmlBody: msg.HTML,
		TextBody: msg.Text,
	})
	if err != nil {
		return Permanent(fmt.Errorf("encode email: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/email", bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(postmarkTokenHeader, t.token)

	resp, err := t.client.Do(req)
	if err != nil {
		return Transient(fmt.Errorf("post email: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := fmt.Errorf("email provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	return classifyStatus(resp.StatusCode, statusErr)
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return Transient(err)
	case status >= 400 && status < 500:
		return Permanent(err)
	default:
		return Transient(err)
	}
}
