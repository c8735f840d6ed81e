// Package client reads projects, branches and history from a depot server.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"depot/internal/checkout"
	derrors "depot/internal/errors"
	"depot/internal/graph"
	"depot/shared/types"
)

type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Second * 10,
		},
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

func (c *Client) Health(ctx context.Context) error {
	var body map[string]string
	return c.get(ctx, "/health", &body)
}

func (c *Client) Projects(ctx context.Context) ([]*graph.Project, error) {
	var out []*graph.Project
	return out, c.get(ctx, "/api/projects", &out)
}

func (c *Client) Project(ctx context.Context, name string) (*graph.Project, error) {
	var out graph.Project
	if err := c.get(ctx, "/api/projects/"+url.PathEscape(name), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Branches(ctx context.Context, project string) ([]*graph.Branch, error) {
	var out []*graph.Branch
	return out, c.get(ctx, fmt.Sprintf("/api/projects/%s/branches", url.PathEscape(project)), &out)
}

func (c *Client) Branch(ctx context.Context, project, branch string) (*graph.Branch, error) {
	var out graph.Branch
	path := fmt.Sprintf("/api/projects/%s/branches/%s", url.PathEscape(project), url.PathEscape(branch))
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Log returns up to n commits of a branch, newest first. n <= 0 returns the
// whole history.
func (c *Client) Log(ctx context.Context, project, branch string, n int) ([]*graph.Commit, error) {
	if n < 0 {
		n = 0
	}
	var out []*graph.Commit
	path := fmt.Sprintf("/api/projects/%s/branches/%s/log?n=%s", url.PathEscape(project), url.PathEscape(branch), strconv.Itoa(n))
	return out, c.get(ctx, path, &out)
}

func (c *Client) Commit(ctx context.Context, id string) (*graph.Commit, error) {
	var out graph.Commit
	if err := c.get(ctx, "/api/commits/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Files returns the file states of a commit ordered by path.
func (c *Client) Files(ctx context.Context, id string) ([]shared.FileState, error) {
	var out []shared.FileState
	return out, c.get(ctx, "/api/commits/"+url.PathEscape(id)+"/files", &out)
}

func (c *Client) Checkouts(ctx context.Context, project string) ([]*checkout.Checkout, error) {
	var out []*checkout.Checkout
	return out, c.get(ctx, fmt.Sprintf("/api/projects/%s/checkouts", url.PathEscape(project)), &out)
}

// get decodes a JSON response into out. Error responses come back as
// *errors.Error so callers can match them with errors.Is.
func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr derrors.Error
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Type == "" {
			return fmt.Errorf("unexpected status: %s", resp.Status)
		}
		return &apiErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s: %w", path, err)
	}
	return nil
}
