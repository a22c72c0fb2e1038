package sms

import (
	"context"
	"fmt"
	"sync"
)

// CaptureProvider records SMS sends and status queries for use in tests.
// Status answers follow Script per message; the last entry repeats.
type CaptureProvider struct {
	mu          sync.Mutex
	Calls       []CaptureCall
	StatusCalls []string

	// AckStatus is returned by Send. Defaults to "queued".
	AckStatus string
	// Script is the sequence of statuses returned by successive Status calls
	// for one message. Defaults to a single "delivered".
	Script []string
	// SendErrors fails Send for the given recipients.
	SendErrors map[string]error
	// StatusErr, when set, fails every Status call.
	StatusErr error

	polls map[string]int
}

// CaptureCall records a single Send invocation.
type CaptureCall struct {
	To   string
	Body string
}

func (c *CaptureProvider) Send(_ context.Context, to, body string) (*SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, CaptureCall{To: to, Body: body})
	if err := c.SendErrors[to]; err != nil {
		return nil, err
	}
	status := c.AckStatus
	if status == "" {
		status = "queued"
	}
	id := fmt.Sprintf("SM%04d", len(c.Calls))
	return &SendResult{
		MessageID: id,
		Status:    status,
		Fields:    map[string]any{"sid": id, "to": to, "status": status},
	}, nil
}

func (c *CaptureProvider) Status(_ context.Context, messageID string) (*SendResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StatusCalls = append(c.StatusCalls, messageID)
	if c.StatusErr != nil {
		return nil, c.StatusErr
	}
	if c.polls == nil {
		c.polls = make(map[string]int)
	}
	n := c.polls[messageID]
	c.polls[messageID] = n + 1

	status := StatusDelivered
	if len(c.Script) > 0 {
		status = c.Script[min(n, len(c.Script)-1)]
	}
	return &SendResult{
		MessageID: messageID,
		Status:    status,
		Fields:    map[string]any{"sid": messageID, "status": status},
	}, nil
}

// SendCount returns the number of recorded Send calls.
func (c *CaptureProvider) SendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// StatusCount returns the number of recorded Status calls.
func (c *CaptureProvider) StatusCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.StatusCalls)
}

// Reset clears all recorded calls.
func (c *CaptureProvider) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = nil
	c.StatusCalls = nil
	c.polls = nil
}
