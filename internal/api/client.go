// Package api holds the engine's external-interface adapters: historical
// load, durable write, blob upload and access resolution. All are plain JSON
// over HTTP; the engine treats the service behind them as opaque.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

// ErrAccessDenied is the resolver's denial. Fatal to session creation; the
// engine never retries it.
var ErrAccessDenied = errors.New("access denied")

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// History fetches one bounded page of messages, ascending by creation time.
func (c *Client) History(ctx context.Context, channelID string, limit int) ([]model.Message, error) {
	defer logger.DeferLogDuration("api.History", time.Now())()
	u := fmt.Sprintf("%s/api/channels/%s/messages?limit=%d", c.baseURL, url.PathEscape(channelID), limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("api.History: %w", err)
	}
	var msgs []model.Message
	if err := c.do(req, &msgs); err != nil {
		return nil, fmt.Errorf("api.History channel=%s: %w", channelID, err)
	}
	return msgs, nil
}

// SendRequest is the durable-write request body.
type SendRequest struct {
	ChannelID  string            `json:"channel_id"`
	AuthorID   string            `json:"author_id"`
	Content    string            `json:"content"`
	Kind       model.MessageKind `json:"kind"`
	Attachment *model.Attachment `json:"attachment,omitempty"`
	ParentID   string            `json:"parent_id,omitempty"`
	// Author carries the writer's display info so the service can denormalize
	// it onto the fan-out without a user lookup.
	Author *model.UserPublic `json:"author,omitempty"`
}

// Send issues the durable write and returns the confirmed message with its
// server-assigned identifier and timestamps.
func (c *Client) Send(ctx context.Context, sr SendRequest) (model.Message, error) {
	defer logger.DeferLogDuration("api.Send", time.Now())()
	body, err := json.Marshal(sr)
	if err != nil {
		return model.Message{}, fmt.Errorf("api.Send marshal: %w", err)
	}
	u := fmt.Sprintf("%s/api/channels/%s/messages", c.baseURL, url.PathEscape(sr.ChannelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return model.Message{}, fmt.Errorf("api.Send: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var confirmed model.Message
	if err := c.do(req, &confirmed); err != nil {
		return model.Message{}, fmt.Errorf("api.Send channel=%s: %w", sr.ChannelID, err)
	}
	return confirmed, nil
}

// Upload pushes a blob to the upload adapter and returns the descriptor the
// outgoing message embeds verbatim.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (model.Attachment, error) {
	defer logger.DeferLogDuration("api.Upload", time.Now())()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("api.Upload form: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return model.Attachment{}, fmt.Errorf("api.Upload copy: %w", err)
	}
	if err := mw.Close(); err != nil {
		return model.Attachment{}, fmt.Errorf("api.Upload close: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", &buf)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("api.Upload: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var att model.Attachment
	if err := c.do(req, &att); err != nil {
		return model.Attachment{}, fmt.Errorf("api.Upload name=%s: %w", name, err)
	}
	return att, nil
}

// ResolveAccess asks the membership resolver whether userID may open
// channelID. Denial is ErrAccessDenied; anything else is a transport error.
func (c *Client) ResolveAccess(ctx context.Context, userID, channelID string) error {
	defer logger.DeferLogDuration("api.ResolveAccess", time.Now())()
	u := fmt.Sprintf("%s/api/channels/%s/access?user=%s",
		c.baseURL, url.PathEscape(channelID), url.QueryEscape(userID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("api.ResolveAccess: %w", err)
	}
	var res struct {
		Granted bool `json:"granted"`
	}
	if err := c.do(req, &res); err != nil {
		return fmt.Errorf("api.ResolveAccess user=%s channel=%s: %w", userID, channelID, err)
	}
	if !res.Granted {
		return ErrAccessDenied
	}
	return nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var er struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&er); err == nil && er.Error != "" {
			return fmt.Errorf("status %d: %s", resp.StatusCode, er.Error)
		}
		return errors.New("status " + strconv.Itoa(resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
