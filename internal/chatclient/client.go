// Package chatclient is a small HTTP client for the conecta-chat API.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/joelkehle/conecta-chat/internal/chat"
)

type Client struct {
	baseURL  string
	identity string
	http     *http.Client
}

// NewClient returns a client acting as identity. Every request carries it in
// the X-Identity header.
func NewClient(baseURL, identity string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		identity: identity,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type errorBody struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Transient bool   `json:"transient"`
	} `json:"error"`
}

// DoJSON sends payload and returns the response body. Error responses are
// decoded into a *chat.Error so callers can use chat.CodeOf.
func (c *Client) DoJSON(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		blob, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "chatclient: encode request")
		}
		body = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity != "" {
		req.Header.Set("X-Identity", c.identity)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, chat.NewTransientError(method+" "+path, err)
	}
	defer resp.Body.Close()
	blob, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		var eb errorBody
		if json.Unmarshal(blob, &eb) == nil && eb.Error.Code != "" {
			return blob, &chat.Error{
				Code:      eb.Error.Code,
				Message:   eb.Error.Message,
				Transient: eb.Error.Transient,
				Status:    resp.StatusCode,
			}
		}
		return blob, fmt.Errorf("%s %s failed status=%d body=%s", method, path, resp.StatusCode, string(blob))
	}
	return blob, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (chat.Message, error) {
	out, err := c.DoJSON(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", map[string]any{"content": content})
	if err != nil {
		return chat.Message{}, err
	}
	var resp struct {
		Message chat.Message `json:"message"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return chat.Message{}, err
	}
	if strings.TrimSpace(resp.Message.ID) == "" {
		return chat.Message{}, fmt.Errorf("missing message id in response")
	}
	return resp.Message, nil
}

func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	out, err := c.DoJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Messages []chat.Message `json:"messages"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *Client) MarkAllRead(ctx context.Context, conversationID string) (int, error) {
	out, err := c.DoJSON(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/read", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Changed int `json:"changed"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, err
	}
	return resp.Changed, nil
}

func (c *Client) UnreadCount(ctx context.Context, conversationID string) (int, error) {
	out, err := c.DoJSON(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(conversationID)+"/unread", nil)
	if err != nil {
		return 0, err
	}
	var resp struct {
		Unread int `json:"unread"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, err
	}
	return resp.Unread, nil
}

func (c *Client) RegisterEndpoint(ctx context.Context, endpointID, platform string) error {
	_, err := c.DoJSON(ctx, http.MethodPut, "/v1/endpoints/"+url.PathEscape(endpointID), map[string]any{"platform": platform})
	return err
}

func (c *Client) RemoveEndpoint(ctx context.Context, endpointID string) (bool, error) {
	out, err := c.DoJSON(ctx, http.MethodDelete, "/v1/endpoints/"+url.PathEscape(endpointID), nil)
	if err != nil {
		return false, err
	}
	var resp struct {
		Removed bool `json:"removed"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return false, err
	}
	return resp.Removed, nil
}

func (c *Client) PendingNotifications(ctx context.Context, limit int) ([]chat.PendingNotification, error) {
	path := "/v1/notifications/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	out, err := c.DoJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Notifications []chat.PendingNotification `json:"notifications"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	return resp.Notifications, nil
}

// Claim flips the delivered flag of a pending notification and reports
// whether this call won it.
func (c *Client) Claim(ctx context.Context, notificationID string) (bool, error) {
	out, err := c.DoJSON(ctx, http.MethodPost, "/v1/notifications/"+url.PathEscape(notificationID)+"/claim", nil)
	if err != nil {
		return false, err
	}
	var resp struct {
		Claimed bool `json:"claimed"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return false, err
	}
	return resp.Claimed, nil
}

// ContractSummary is a listed contract with the caller's unread count.
type ContractSummary struct {
	chat.Contract
	Unread int `json:"unread"`
}

// ListContracts returns the caller's contracts, newest first. An empty status
// keeps every status.
func (c *Client) ListContracts(ctx context.Context, status chat.ContractStatus) ([]ContractSummary, error) {
	path := "/v1/contracts"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	out, err := c.DoJSON(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Contracts []ContractSummary `json:"contracts"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, err
	}
	return resp.Contracts, nil
}

func (c *Client) UpdateContractStatus(ctx context.Context, contractID string, status chat.ContractStatus, lineNumber, notes string) (chat.Contract, error) {
	out, err := c.DoJSON(ctx, http.MethodPost, "/v1/contracts/"+url.PathEscape(contractID)+"/status", map[string]any{
		"status":      status,
		"line_number": lineNumber,
		"notes":       notes,
	})
	if err != nil {
		return chat.Contract{}, err
	}
	var resp struct {
		Contract chat.Contract `json:"contract"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		return chat.Contract{}, err
	}
	return resp.Contract, nil
}
