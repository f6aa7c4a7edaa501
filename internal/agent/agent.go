// Package agent drives the external TagSee reader agent that produces the
// raw frame feed. Starting or stopping acquisition is a plain GET on the
// TagSee service:
//
//	{tagsee}/service/agent/{agent}/start
//	{tagsee}/service/agent/{agent}/stop
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/tagbeat/internal/httputil"
	"github.com/banshee-data/tagbeat/internal/monitoring"
)

// ErrMissingAddress is returned when either address is empty.
var ErrMissingAddress = errors.New("TagSee IP or agent IP cannot be empty")

// StatusError is a non-200 answer from TagSee.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("TagSee answered %d: %s", e.StatusCode, e.Body)
}

// Target names a TagSee service and the agent behind it.
type Target struct {
	TagSeeIP string `json:"tagseeIP"`
	AgentIP  string `json:"agentIP"`
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.TagSeeIP) == "" || strings.TrimSpace(t.AgentIP) == "" {
		return ErrMissingAddress
	}
	return nil
}

// Client calls the TagSee agent service.
type Client struct {
	http httputil.HTTPClient
	logf func(format string, v ...interface{})
}

func NewClient(c httputil.HTTPClient) *Client {
	return &Client{http: c, logf: monitoring.Component("Agent")}
}

// Start asks the agent to begin streaming and returns TagSee's reply.
func (c *Client) Start(ctx context.Context, t Target) (string, error) {
	return c.call(ctx, t, "start")
}

// Stop asks the agent to stop streaming.
func (c *Client) Stop(ctx context.Context, t Target) (string, error) {
	return c.call(ctx, t, "stop")
}

func (c *Client) call(ctx context.Context, t Target, action string) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	endpoint := agentURL(t, action)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("invalid TagSee address %q: %w", t.TagSeeIP, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach TagSee at %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("failed to read TagSee response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	c.logf("Agent %s %s via %s", t.AgentIP, action, t.TagSeeIP)
	return string(body), nil
}

// agentURL builds the agent endpoint. A TagSee address without a scheme is
// taken to be plain http.
func agentURL(t Target, action string) string {
	base := strings.TrimRight(strings.TrimSpace(t.TagSeeIP), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return base + "/service/agent/" + url.PathEscape(strings.TrimSpace(t.AgentIP)) + "/" + action
}
