package sms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const twilioDefaultBaseURL = "https://api.twilio.com"

// TwilioProvider sends SMS and fetches delivery status via the Twilio REST API.
type TwilioProvider struct {
	accountSID string
	authToken  string
	fromNumber string
	baseURL    string
	client     http.Client
}

// NewTwilioProvider creates a TwilioProvider. If baseURL is empty, the Twilio
// production API is used (useful for tests that pass an httptest server URL).
func NewTwilioProvider(accountSID, authToken, fromNumber, baseURL string) *TwilioProvider {
	if baseURL == "" {
		baseURL = twilioDefaultBaseURL
	}
	return &TwilioProvider{
		accountSID: accountSID,
		authToken:  authToken,
		fromNumber: fromNumber,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SetTimeout bounds every request made by the provider. Zero means no timeout.
func (p *TwilioProvider) SetTimeout(d time.Duration) {
	p.client.Timeout = d
}

func (p *TwilioProvider) Send(ctx context.Context, to, body string) (*SendResult, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", p.baseURL, url.PathEscape(p.accountSID))

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", p.fromNumber)
	form.Set("Body", body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("twilio: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return p.do(req, "send")
}

func (p *TwilioProvider) Status(ctx context.Context, messageID string) (*SendResult, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages/%s.json",
		p.baseURL, url.PathEscape(p.accountSID), url.PathEscape(messageID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("twilio: build request: %w", err)
	}
	return p.do(req, "status")
}

func (p *TwilioProvider) do(req *http.Request, op string) (*SendResult, error) {
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(p.accountSID, p.authToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio: %s request: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("twilio: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var errResp struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Message != "" {
			return nil, fmt.Errorf("twilio: error %d: %s", errResp.Code, errResp.Message)
		}
		return nil, fmt.Errorf("twilio: error %d: %s", resp.StatusCode, string(respBody))
	}

	var fields map[string]any
	if err := json.Unmarshal(respBody, &fields); err != nil {
		return nil, fmt.Errorf("twilio: parse response: %w", err)
	}
	sid, _ := fields["sid"].(string)
	status, _ := fields["status"].(string)
	if sid == "" || status == "" {
		return nil, fmt.Errorf("twilio: %w: missing sid or status", ErrMalformedResponse)
	}

	return &SendResult{
		MessageID: sid,
		Status:    status,
		Fields:    fields,
	}, nil
}
