// Package couch is a thin client for the CouchDB administrative HTTP API.
// Only the handful of endpoints needed to drive dump/load is covered.
package couch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// WelcomeMarker is the substring of the root endpoint body that signals the
// server is up and serving requests.
const WelcomeMarker = `"couchdb":"Welcome"`

// Client issues requests against a single CouchDB base URL. The base URL is
// expected to carry admin credentials in its userinfo part.
type Client struct {
	base string
	http *http.Client
}

// New returns a client for baseURL. A trailing slash is stripped so joined
// paths stay canonical.
func New(baseURL string) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{},
	}
}

// Base returns the normalized base URL, credentials included.
func (c *Client) Base() string { return c.base }

// IsLocal reports whether the client's host is a loopback address.
func (c *Client) IsLocal() bool {
	u, err := url.Parse(c.base)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

type welcome struct {
	Version string `json:"version"`
}

// Ping fetches the root endpoint and returns (body, version). The caller
// checks the body for WelcomeMarker; version is best-effort parsed from the
// same response.
func (c *Client) Ping(ctx context.Context) (string, string, error) {
	body, err := c.request(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return "", "", err
	}
	var w welcome
	_ = json.Unmarshal(body, &w)
	return string(body), w.Version, nil
}

// AllDBs lists every database on the server, including system databases.
func (c *Client) AllDBs(ctx context.Context) ([]string, error) {
	body, err := c.request(ctx, http.MethodGet, "/_all_dbs", nil)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	var names []string
	if err := json.Unmarshal(body, &names); err != nil {
		return nil, fmt.Errorf("decode _all_dbs: %w", err)
	}
	return names, nil
}

// CreateDB creates an empty database. A database that already exists is not
// an error; replication into it overwrites as needed.
func (c *Client) CreateDB(ctx context.Context, name string) error {
	_, err := c.request(ctx, http.MethodPut, "/"+url.PathEscape(name), nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusPreconditionFailed {
			return nil
		}
		return fmt.Errorf("create database %s: %w", name, err)
	}
	return nil
}

// Security fetches the security object of a database as raw JSON.
func (c *Client) Security(ctx context.Context, name string) (json.RawMessage, error) {
	body, err := c.request(ctx, http.MethodGet, "/"+url.PathEscape(name)+"/_security", nil)
	if err != nil {
		return nil, fmt.Errorf("get security for %s: %w", name, err)
	}
	return body, nil
}

// SetSecurity replaces the security object of a database. The document is
// written verbatim, not merged.
func (c *Client) SetSecurity(ctx context.Context, name string, doc json.RawMessage) error {
	if _, err := c.request(ctx, http.MethodPut, "/"+url.PathEscape(name)+"/_security", doc); err != nil {
		return fmt.Errorf("set security for %s: %w", name, err)
	}
	return nil
}

// Replicate triggers a one-shot replication job on this server and blocks
// until the server reports the job finished. source and target are full
// database URLs, credentials included.
func (c *Client) Replicate(ctx context.Context, source, target string) error {
	req, err := json.Marshal(map[string]string{"source": source, "target": target})
	if err != nil {
		return err
	}
	if _, err := c.request(ctx, http.MethodPost, "/_replicate", req); err != nil {
		return fmt.Errorf("replicate: %w", err)
	}
	return nil
}

type dbInfo struct {
	DocCount int64 `json:"doc_count"`
}

// DocCount returns the document count of a database.
func (c *Client) DocCount(ctx context.Context, name string) (int64, error) {
	body, err := c.request(ctx, http.MethodGet, "/"+url.PathEscape(name), nil)
	if err != nil {
		return 0, fmt.Errorf("info for %s: %w", name, err)
	}
	var info dbInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return 0, fmt.Errorf("decode info for %s: %w", name, err)
	}
	return info.DocCount, nil
}

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, strings.TrimSpace(e.Body))
}

func (c *Client) request(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
