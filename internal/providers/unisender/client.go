package unisender

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"mailrelay/internal/domain"
)

const sendPath = "/ru/transactional/api/v1/email/send.json"

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

type SendRequest struct {
	APIKey      string
	Username    string
	Subject     string
	BodyHTML    string
	FromEmail   string
	FromName    string
	Recipients  []string
	Attachments []domain.Attachment
	Inline      []domain.Attachment
}

type SendResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type wireAttachment struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type wireRecipient struct {
	Email string `json:"email"`
}

type wireMessage struct {
	Subject       string            `json:"subject"`
	Body          map[string]string `json:"body"`
	FromEmail     string            `json:"from_email"`
	FromName      string            `json:"from_name,omitempty"`
	IsTransaction int               `json:"is_transaction"`
	TrackLinks    int               `json:"track_links"`
	TrackRead     int               `json:"track_read"`
	Recipients    []wireRecipient   `json:"recipients"`
	Attachments   []wireAttachment  `json:"attachments"`
	Inline        []wireAttachment  `json:"inline_attachments"`
}

type wireEnvelope struct {
	APIKey   string      `json:"api_key"`
	Username string      `json:"username"`
	Message  wireMessage `json:"message"`
}

// Send posts one transactional message. It returns the decoded response, the
// HTTP status, and the raw body so callers can persist the provider's exact
// representation on the audit record.
func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, int, []byte, error) {
	if c.BaseURL == "" {
		return SendResponse{}, 0, nil, &domain.ConfigurationError{Reason: "transactional api base url is not configured"}
	}
	if req.FromEmail == "" {
		return SendResponse{}, 0, nil, &domain.ConfigurationError{Reason: "transactional api from address is not configured"}
	}

	recipients := make([]wireRecipient, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		recipients = append(recipients, wireRecipient{Email: r})
	}
	env := wireEnvelope{
		APIKey:   req.APIKey,
		Username: req.Username,
		Message: wireMessage{
			Subject:       req.Subject,
			Body:          map[string]string{"html": req.BodyHTML},
			FromEmail:     req.FromEmail,
			FromName:      req.FromName,
			IsTransaction: 1,
			Recipients:    recipients,
			Attachments:   prepareAttachments(req.Attachments),
			Inline:        prepareAttachments(req.Inline),
		},
	}

	body, err := json.Marshal(env)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + sendPath
	httpReq, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return SendResponse{}, 0, nil, err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	var out SendResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if out.Message != "" {
			return out, resp.StatusCode, raw, errors.New(out.Message)
		}
		return out, resp.StatusCode, raw, errors.New("transactional api send failed")
	}
	return out, resp.StatusCode, raw, nil
}

func prepareAttachments(atts []domain.Attachment) []wireAttachment {
	out := make([]wireAttachment, 0, len(atts))
	for _, a := range atts {
		content := a.Encoded
		if content == "" {
			content = base64.StdEncoding.EncodeToString(a.Content)
		}
		out = append(out, wireAttachment{Type: a.MimeType, Name: a.Filename, Content: content})
	}
	return out
}

// Retry decision for transient errors
func ShouldRetry(err error, httpStatus int) bool {
	if domain.IsConfigurationError(err) {
		return false
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
		if httpStatus == 0 {
			// connection-level failure without a response
			return true
		}
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	if httpStatus >= 500 && httpStatus <= 599 {
		return true
	}
	return false
}
