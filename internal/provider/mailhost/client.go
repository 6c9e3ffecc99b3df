// Package mailhost implements the mailbox-provisioning client. The mail
// host exposes a small admin API with HTTP basic auth and form-encoded
// bodies; responses are plain text.
package mailhost

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/investblog/spintax-domain-manager-sub000/internal/provider"
)

const providerName = "mailhost"

// Client provisions mailboxes on the mail host for one admin account.
type Client struct {
	baseURL  string
	login    string
	password string
	http     *http.Client
	log      *slog.Logger
}

func New(baseURL, login, password string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		login:    login,
		password: password,
		http:     &http.Client{Timeout: timeout},
		log:      log.With("provider", providerName),
	}
}

// CheckCredentials verifies the admin login by listing mail users.
func (c *Client) CheckCredentials(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/admin/mail/users?format=json", nil)
	if err != nil {
		return provider.Wrap(providerName, err)
	}
	req.SetBasicAuth(c.login, c.password)
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
		return provider.FromHTTP(providerName, resp.StatusCode, raw)
	}
	return nil
}

// AddUser creates a mailbox. Creating one that already exists is reported
// as success so callers can retry freely.
func (c *Client) AddUser(ctx context.Context, email, password string) error {
	form := url.Values{}
	form.Set("email", email)
	form.Set("password", password)
	body, err := c.postForm(ctx, "/admin/mail/users/add", form)
	if err != nil {
		if isAlreadyExists(err) {
			c.log.Debug("mailbox already exists", "email", email)
			return nil
		}
		return err
	}
	c.log.Info("mailbox created", "email", email, "response", strings.TrimSpace(body))
	return nil
}

// RemoveUser deletes a mailbox.
func (c *Client) RemoveUser(ctx context.Context, email string) error {
	form := url.Values{}
	form.Set("email", email)
	_, err := c.postForm(ctx, "/admin/mail/users/remove", form)
	return err
}

// SetAdminPrivilege grants or revokes the admin privilege for a mailbox.
func (c *Client) SetAdminPrivilege(ctx context.Context, email string, admin bool) error {
	path := "/admin/mail/users/privileges/add"
	if !admin {
		path = "/admin/mail/users/privileges/remove"
	}
	form := url.Values{}
	form.Set("email", email)
	form.Set("privilege", "admin")
	_, err := c.postForm(ctx, path, form)
	return err
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", provider.Wrap(providerName, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(c.login, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", provider.Wrap(providerName, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.Wrap(providerName, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", provider.FromHTTP(providerName, resp.StatusCode, raw)
	}
	return string(raw), nil
}

func isAlreadyExists(err error) bool {
	var perr *provider.Error
	if !errors.As(err, &perr) {
		return false
	}
	return strings.Contains(strings.ToLower(perr.Detail), "already exists")
}
