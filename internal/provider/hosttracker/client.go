// Package hosttracker implements the uptime-monitoring client for the
// HostTracker web API. Authentication exchanges login/password for a
// short-lived ticket that every task call carries as a bearer token.
package hosttracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/investblog/spintax-domain-manager-sub000/internal/provider"
)

const providerName = "hosttracker"

// DefaultBaseURL is the production API endpoint.
const DefaultBaseURL = "https://www.host-tracker.com/api/web/v1"

// Task types supported by the monitoring provider.
const (
	TaskTypeHTTP = "Http"
	TaskTypeRKN  = "Rkn"
)

// Task is a monitoring check registered with the provider.
type Task struct {
	ID       string `json:"id"`
	Type     string `json:"taskType"`
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	Interval int    `json:"interval,omitempty"`
	Enabled  bool   `json:"enabled"`
}

// HTTPTaskSpec describes an HTTP uptime check.
type HTTPTaskSpec struct {
	URL      string
	Keyword  string
	Regions  []string
	Interval int
}

// Client talks to the HostTracker API for one account. A fetched ticket is
// cached until shortly before its expiration.
type Client struct {
	baseURL  string
	login    string
	password string
	http     *http.Client
	log      *slog.Logger

	mu           sync.Mutex
	ticket       string
	ticketExpiry time.Time
}

func New(baseURL, login, password string, timeout time.Duration, log *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:  baseURL,
		login:    login,
		password: password,
		http:     &http.Client{Timeout: timeout},
		log:      log.With("provider", providerName),
	}
}

// GetToken returns a valid auth ticket, reusing the cached one when fresh.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ticket != "" && time.Now().Before(c.ticketExpiry) {
		return c.ticket, nil
	}

	payload := map[string]string{"login": c.login, "password": c.password}
	var resp struct {
		Ticket         string `json:"ticket"`
		ExpirationTime string `json:"expirationTime"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/users/token", "", payload, &resp); err != nil {
		return "", err
	}
	if resp.Ticket == "" {
		return "", &provider.Error{
			Provider: providerName,
			Kind:     provider.KindAuth,
			Code:     "no_ticket",
			Message:  "token endpoint returned no ticket",
		}
	}
	c.ticket = resp.Ticket
	c.ticketExpiry = time.Now().Add(20 * time.Minute)
	if expiry, err := time.Parse(time.RFC3339, resp.ExpirationTime); err == nil {
		c.ticketExpiry = expiry.Add(-time.Minute)
	}
	return c.ticket, nil
}

// CreateHTTPTask registers an HTTP uptime check and returns its task id.
func (c *Client) CreateHTTPTask(ctx context.Context, spec HTTPTaskSpec) (string, error) {
	ticket, err := c.GetToken(ctx)
	if err != nil {
		return "", err
	}
	interval := spec.Interval
	if interval <= 0 {
		interval = 15
	}
	payload := map[string]any{
		"url":      spec.URL,
		"interval": interval,
		"enabled":  true,
	}
	if spec.Keyword != "" {
		payload["keywords"] = []string{spec.Keyword}
		payload["keywordMode"] = "AnyPresent"
	}
	if len(spec.Regions) > 0 {
		payload["agentPools"] = spec.Regions
	}
	var created Task
	if err := c.doJSON(ctx, http.MethodPost, "/tasks/http", ticket, payload, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// CreateRKNTask registers a legal-blocklist check and returns its task id.
func (c *Client) CreateRKNTask(ctx context.Context, taskURL string) (string, error) {
	ticket, err := c.GetToken(ctx)
	if err != nil {
		return "", err
	}
	payload := map[string]any{
		"url":     taskURL,
		"enabled": true,
	}
	var created Task
	if err := c.doJSON(ctx, http.MethodPost, "/tasks/rkn", ticket, payload, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// DeleteTask removes a monitoring task by id.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	ticket, err := c.GetToken(ctx)
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodDelete, "/tasks/"+taskID, ticket, nil, nil)
}

// ListTasks returns every task on the account. Callers filter by URL and
// type; the API has no server-side filter worth relying on.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	ticket, err := c.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	var tasks []Task
	if err := c.doJSON(ctx, http.MethodGet, "/tasks", ticket, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, ticket string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return provider.Wrap(providerName, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return provider.Wrap(providerName, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ticket != "" {
		req.Header.Set("Authorization", "bearer "+ticket)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return provider.Wrap(providerName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.Wrap(providerName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// An expired ticket comes back as 401; drop the cache so the next
		// call re-authenticates.
		if resp.StatusCode == http.StatusUnauthorized && ticket != "" {
			c.mu.Lock()
			if c.ticket == ticket {
				c.ticket = ""
			}
			c.mu.Unlock()
		}
		return provider.FromHTTP(providerName, resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &provider.Error{
			Provider: providerName,
			Kind:     provider.KindPermanent,
			Code:     "bad_json",
			Message:  fmt.Sprintf("unparseable response from %s", path),
			Detail:   err.Error(),
		}
	}
	return nil
}
