package transmission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/italolelis/seedbox_mirror/internal/logctx"
	"github.com/italolelis/seedbox_mirror/internal/torrent"
)

const (
	sessionHeader  = "X-Transmission-Session-Id"
	defaultTimeout = 30 * time.Second
	resultSuccess  = "success"
)

var torrentFields = []string{
	"hashString",
	"name",
	"percentDone",
	"leftUntilDone",
	"totalSize",
	"downloadDir",
	"doneDate",
	"addedDate",
	"files",
	"wanted",
	"labels",
}

// Client talks to the Transmission RPC endpoint.
type Client struct {
	URL        string
	Username   string
	Password   string
	httpClient *http.Client

	mu        sync.Mutex
	sessionID string
}

var _ torrent.Client = (*Client)(nil)

func NewClient(url, username, password string) *Client {
	return &Client{
		URL:        url,
		Username:   username,
		Password:   password,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
}

type rpcRequest struct {
	Method    string `json:"method"`
	Arguments any    `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

type torrentFile struct {
	Name   string `json:"name"`
	Length int64  `json:"length"`
}

// wanted decodes an entry of the "wanted" array, which older daemons send
// as 0/1 and newer ones as booleans.
type wanted bool

func (w *wanted) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "true", "1":
		*w = true
	case "false", "0":
		*w = false
	default:
		return fmt.Errorf("unexpected wanted value %s", b)
	}

	return nil
}

type rpcTorrent struct {
	HashString    string        `json:"hashString"`
	Name          string        `json:"name"`
	PercentDone   float64       `json:"percentDone"`
	LeftUntilDone int64         `json:"leftUntilDone"`
	TotalSize     int64         `json:"totalSize"`
	DownloadDir   string        `json:"downloadDir"`
	DoneDate      int64         `json:"doneDate"`
	AddedDate     int64         `json:"addedDate"`
	Files         []torrentFile `json:"files"`
	Wanted        []wanted      `json:"wanted"`
	Labels        []string      `json:"labels"`
}

func (t *rpcTorrent) toDownload() *torrent.Download {
	dl := &torrent.Download{
		ID:       t.HashString,
		Name:     t.Name,
		Complete: t.PercentDone >= 1 && t.LeftUntilDone == 0,
		Size:     t.TotalSize,
		Dir:      t.DownloadDir,
		Labels:   t.Labels,
	}

	if t.AddedDate > 0 {
		dl.AddedAt = time.Unix(t.AddedDate, 0)
	}

	// doneDate stays 0 for torrents that were added already complete.
	switch {
	case t.DoneDate > 0:
		dl.CompletedAt = time.Unix(t.DoneDate, 0)
	case dl.Complete:
		dl.CompletedAt = dl.AddedAt
	}

	// Deselected files are never written to disk.
	for i, f := range t.Files {
		if len(t.Wanted) == len(t.Files) && !t.Wanted[i] {
			continue
		}

		dl.Files = append(dl.Files, &torrent.File{Path: f.Name, Size: f.Length})
	}

	return dl
}

// List returns every torrent known to Transmission.
func (c *Client) List(ctx context.Context) ([]*torrent.Download, error) {
	logger := logctx.LoggerFromContext(ctx).With("method", "torrent-get")

	var args struct {
		Torrents []rpcTorrent `json:"torrents"`
	}

	if err := c.call(ctx, "torrent-get", map[string]any{"fields": torrentFields}, &args); err != nil {
		return nil, err
	}

	downloads := make([]*torrent.Download, 0, len(args.Torrents))

	for i := range args.Torrents {
		t := &args.Torrents[i]
		if t.HashString == "" {
			logger.Warn("skipping torrent without hash", "name", t.Name)

			continue
		}

		downloads = append(downloads, t.toDownload())
	}

	logger.Debug("listed torrents", "count", len(downloads))

	return downloads, nil
}

// Remove removes the torrent with the given hash, optionally deleting its data.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	args := map[string]any{
		"ids":               []string{id},
		"delete-local-data": deleteData,
	}

	return c.call(ctx, "torrent-remove", args, nil)
}

// call performs an RPC call, doing the session id handshake when Transmission asks for it.
func (c *Client) call(ctx context.Context, method string, args any, out any) error {
	logger := logctx.LoggerFromContext(ctx).With("method", method)

	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		resp, err := c.do(ctx, body)
		if err != nil {
			return &torrent.UnavailableError{Operation: method, Message: err.Error(), Err: err}
		}

		if resp.StatusCode == http.StatusConflict {
			resp.Body.Close()

			c.mu.Lock()
			c.sessionID = resp.Header.Get(sessionHeader)
			c.mu.Unlock()

			logger.Debug("refreshed transmission session id")

			continue
		}

		return decodeResponse(method, resp, out)
	}

	return &torrent.UnavailableError{
		Operation:  method,
		StatusCode: http.StatusConflict,
		Message:    "session id handshake did not settle",
	}
}

func (c *Client) do(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	c.mu.Lock()
	if c.sessionID != "" {
		req.Header.Set(sessionHeader, c.sessionID)
	}
	c.mu.Unlock()

	if c.Username != "" || c.Password != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	return c.httpClient.Do(req)
}

func decodeResponse(method string, resp *http.Response, out any) error {
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &torrent.AuthenticationError{Operation: method, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return &torrent.UnavailableError{Operation: method, StatusCode: resp.StatusCode, Message: string(b)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &torrent.UnavailableError{Operation: method, StatusCode: resp.StatusCode, Message: "malformed response", Err: err}
	}

	if rpcResp.Result != resultSuccess {
		return &torrent.RPCError{Method: method, Result: rpcResp.Result}
	}

	if out == nil || len(rpcResp.Arguments) == 0 {
		return nil
	}

	if err := json.Unmarshal(rpcResp.Arguments, out); err != nil {
		return errors.Join(&torrent.RPCError{Method: method, Result: "malformed arguments"}, err)
	}

	return nil
}
