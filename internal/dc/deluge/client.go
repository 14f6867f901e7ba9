package deluge

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/torrent"
)

const sessionCookie = "_session_id"

var errNotAuthenticated = errors.New("not authenticated")

var torrentFields = []string{
	"name",
	"hash",
	"progress",
	"is_finished",
	"label",
	"save_path",
	"total_size",
	"completed_time",
	"time_added",
	"files",
	"file_priorities",
}

// Client talks to the Deluge Web JSON-RPC API.
type Client struct {
	BaseURL    string
	APIPath    string
	Password   string
	Insecure   bool // skip TLS verification if true
	httpClient *http.Client

	mu     sync.Mutex
	cookie string // session cookie
	nextID atomic.Int64
}

var _ torrent.Client = (*Client)(nil)

func NewClient(baseURL, apiPath, password string, insecure bool) *Client {
	client := &Client{
		BaseURL:    baseURL,
		APIPath:    apiPath,
		Password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}

	if insecure {
		client.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for self-signed seedboxes
		}
		client.Insecure = true
	}

	return client
}

type rpcError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int64           `json:"id"`
}

type torrentFile struct {
	Index int    `json:"index"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
}

type torrentStatus struct {
	Name           string        `json:"name"`
	Hash           string        `json:"hash"`
	Progress       float64       `json:"progress"`
	IsFinished     bool          `json:"is_finished"`
	Label          string        `json:"label"`
	SavePath       string        `json:"save_path"`
	TotalSize      int64         `json:"total_size"`
	CompletedTime  float64       `json:"completed_time"`
	TimeAdded      float64       `json:"time_added"`
	Files          []torrentFile `json:"files"`
	FilePriorities []int         `json:"file_priorities"`
}

func (t *torrentStatus) toDownload(id string) *torrent.Download {
	if t.Hash != "" {
		id = t.Hash
	}

	dl := &torrent.Download{
		ID:       id,
		Name:     t.Name,
		Complete: t.IsFinished || t.Progress >= 100,
		Size:     t.TotalSize,
		Dir:      t.SavePath,
	}

	if t.Label != "" {
		dl.Labels = []string{t.Label}
	}

	if t.TimeAdded > 0 {
		dl.AddedAt = unixFloat(t.TimeAdded)
	}

	// completed_time is 0 on daemons that predate it.
	switch {
	case t.CompletedTime > 0:
		dl.CompletedAt = unixFloat(t.CompletedTime)
	case dl.Complete:
		dl.CompletedAt = dl.AddedAt
	}

	// Priority 0 means the file was deselected and is never written to disk.
	for _, f := range t.Files {
		if f.Index >= 0 && f.Index < len(t.FilePriorities) && t.FilePriorities[f.Index] == 0 {
			continue
		}

		dl.Files = append(dl.Files, &torrent.File{Path: f.Path, Size: f.Size})
	}

	return dl
}

// Authenticate logs in and keeps the session cookie for later calls.
func (c *Client) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("method", "auth.login")

	var ok bool

	cookie, err := c.call(ctx, "auth.login", []any{c.Password}, &ok)
	if err != nil {
		return err
	}

	if !ok {
		return &torrent.AuthenticationError{Operation: "auth.login", Err: errors.New("deluge rejected the password")}
	}

	c.mu.Lock()
	c.cookie = cookie
	c.mu.Unlock()

	logger.Debug("authenticated with deluge")

	return nil
}

// List returns every torrent known to Deluge.
func (c *Client) List(ctx context.Context) ([]*torrent.Download, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", "core.get_torrents_status")

	var result map[string]torrentStatus
	if err := c.authenticatedCall(ctx, "core.get_torrents_status", []any{nil, torrentFields}, &result); err != nil {
		return nil, err
	}

	downloads := make([]*torrent.Download, 0, len(result))

	for id, status := range result {
		downloads = append(downloads, status.toDownload(id))
	}

	logger.Debug("listed torrents", "count", len(downloads))

	return downloads, nil
}

// Remove removes the torrent, optionally with its data.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	var removed bool
	if err := c.authenticatedCall(ctx, "core.remove_torrent", []any{id, deleteData}, &removed); err != nil {
		return err
	}

	if !removed {
		return &torrent.RPCError{Method: "core.remove_torrent", Result: "torrent was not removed"}
	}

	return nil
}

// authenticatedCall logs in when there is no session yet and once more when
// the daemon reports the session as expired.
func (c *Client) authenticatedCall(ctx context.Context, method string, params []any, out any) error {
	c.mu.Lock()
	loggedIn := c.cookie != ""
	c.mu.Unlock()

	if !loggedIn {
		if err := c.Authenticate(ctx); err != nil {
			return err
		}
	}

	_, err := c.call(ctx, method, params, out)
	if !errors.Is(err, errNotAuthenticated) {
		return err
	}

	logctx.LoggerFromContext(ctx).Debug("deluge session expired, logging in again", "method", method)

	if err := c.Authenticate(ctx); err != nil {
		return err
	}

	_, err = c.call(ctx, method, params, out)

	return err
}

// call performs a JSON-RPC call and returns the session cookie set by the response, if any.
func (c *Client) call(ctx context.Context, method string, params []any, out any) (string, error) {
	url := fmt.Sprintf("%s%s", strings.TrimRight(c.BaseURL, "/"), c.APIPath)

	body, err := json.Marshal(map[string]any{
		"id":     c.nextID.Add(1),
		"method": method,
		"params": params,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create %s request: %w", method, err)
	}

	req.Header.Set("Content-Type", "application/json")

	c.mu.Lock()
	if c.cookie != "" {
		req.AddCookie(&http.Cookie{Name: sessionCookie, Value: c.cookie})
	}
	c.mu.Unlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &torrent.UnavailableError{Operation: method, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", &torrent.AuthenticationError{Operation: method, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return "", &torrent.UnavailableError{Operation: method, StatusCode: resp.StatusCode, Message: string(b)}
	}

	var cookie string

	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie {
			cookie = ck.Value
		}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", &torrent.UnavailableError{Operation: method, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}

	if rpcResp.Error != nil {
		if strings.Contains(strings.ToLower(rpcResp.Error.Message), "not authenticated") {
			return "", fmt.Errorf("deluge %s: %w", method, errNotAuthenticated)
		}

		return "", &torrent.RPCError{Method: method, Result: rpcResp.Error.Message}
	}

	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return "", errors.Join(&torrent.RPCError{Method: method, Result: "malformed result"}, err)
		}
	}

	return cookie, nil
}

func unixFloat(secs float64) time.Time {
	return time.Unix(0, int64(secs*float64(time.Second)))
}
