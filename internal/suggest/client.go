// Package suggest talks to the learning service that proposes reminder
// wording. The contract is two POST endpoints: /get-reminder returns the
// recommended action for a state label, /update-qlearning feeds an outcome
// back.
package suggest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type Service interface {
	// Recommend returns the action text to embed in the reminder for the
	// given state label.
	Recommend(ctx context.Context, state string) (string, error)
	// Record reports a (state, action) outcome for learning.
	Record(ctx context.Context, state, action string) error
}

type Client struct {
	BaseURL string
	HTTP    *http.Client

	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:    "suggestion-service",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

func (c *Client) Recommend(ctx context.Context, state string) (string, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		var resp struct {
			Reminder string `json:"reminder"`
		}
		if err := c.post(ctx, "/get-reminder", map[string]string{"state": state}, &resp); err != nil {
			return nil, err
		}
		if resp.Reminder == "" {
			return nil, fmt.Errorf("empty reminder for state %q", state)
		}
		return resp.Reminder, nil
	})
	if err != nil {
		c.log.Warn("suggestion recommend failed", zap.String("state", state), zap.Error(err))
		return "", fmt.Errorf("suggest: %w", err)
	}
	return out.(string), nil
}

func (c *Client) Record(ctx context.Context, state, action string) error {
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.post(ctx, "/update-qlearning", map[string]string{"state": state, "action": action}, nil)
	})
	if err != nil {
		c.log.Warn("suggestion record failed",
			zap.String("state", state), zap.String("action", action), zap.Error(err))
		return fmt.Errorf("suggest: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer func() { _, _ = io.Copy(io.Discard, resp.Body); _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
