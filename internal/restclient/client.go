// Package restclient is a client for the live chat REST API.
package restclient

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

	"github.com/eldtechnologies/livechat/internal/models"
)

// OperatorHeader attributes operator actions to an agent.
const OperatorHeader = models.OperatorHeader

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("livechat error %d: %s", e.Status, e.Message)
}

// Client is a live chat API client.
type Client struct {
	BaseURL    string
	Operator   string
	Locale     string
	HTTPClient *http.Client
}

// New creates a client for baseURL.
func New(baseURL, operator, locale string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Operator:   operator,
		Locale:     locale,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP request and decodes a JSON response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Operator != "" {
		req.Header.Set(OperatorHeader, c.Operator)
	}
	if c.Locale != "" {
		req.Header.Set("Accept-Language", c.Locale)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		json.Unmarshal(respBody, &errResp)
		if errResp.Error == "" {
			errResp.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	return json.Unmarshal(respBody, out)
}

// HistoryPage fetches one page of a room's history with its paging info.
func (c *Client) HistoryPage(ctx context.Context, roomID string, q models.HistoryQuery) (*models.HistoryPage, error) {
	q = q.Normalize()
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	v.Set("limit", strconv.Itoa(q.Limit))
	v.Set("sort", string(q.Order))

	var resp models.HistoryPage
	if err := c.doRequest(ctx, http.MethodGet, "/chat/"+url.PathEscape(roomID)+"?"+v.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History fetches one page of a room's messages.
func (c *Client) History(ctx context.Context, roomID string, q models.HistoryQuery) ([]models.Message, error) {
	page, err := c.HistoryPage(ctx, roomID, q)
	if err != nil {
		return nil, err
	}
	return page.Messages, nil
}

// MarkRead marks a room's visitor and bot messages read.
func (c *Client) MarkRead(ctx context.Context, roomID string) error {
	return c.doRequest(ctx, http.MethodPatch, "/chat/read/"+url.PathEscape(roomID), nil, nil)
}

// SendManual posts an operator message and returns the stored copy.
func (c *Client) SendManual(ctx context.Context, req models.ManualRequest) (*models.Message, error) {
	var m models.Message
	if err := c.doRequest(ctx, http.MethodPost, "/chat/manual", req, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage deletes one message.
func (c *Client) DeleteMessage(ctx context.Context, id string) error {
	return c.doRequest(ctx, http.MethodDelete, "/chat/message/"+url.PathEscape(id), nil, nil)
}

// DeleteMessages deletes messages in bulk. The server reports each id.
func (c *Client) DeleteMessages(ctx context.Context, ids []string) (*models.DeleteResult, error) {
	var res models.DeleteResult
	if err := c.doRequest(ctx, http.MethodDelete, "/chat/messages", models.DeleteRequest{IDs: ids}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ArchiveRoom closes a room and snapshots its last message.
func (c *Client) ArchiveRoom(ctx context.Context, roomID string) error {
	return c.doRequest(ctx, http.MethodPost, "/chat/archive/"+url.PathEscape(roomID), nil, nil)
}

// Sessions lists every non-archived room.
func (c *Client) Sessions(ctx context.Context) (*models.SessionList, error) {
	var resp models.SessionList
	if err := c.doRequest(ctx, http.MethodGet, "/chat/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ActiveSessions lists rooms an agent has taken over.
func (c *Client) ActiveSessions(ctx context.Context) (*models.SessionList, error) {
	var resp models.SessionList
	if err := c.doRequest(ctx, http.MethodGet, "/chat/sessions/active", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Archived lists archived snapshots.
func (c *Client) Archived(ctx context.Context) (*models.ArchivedList, error) {
	var resp models.ArchivedList
	if err := c.doRequest(ctx, http.MethodGet, "/chat/archived", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Escalations lists rooms waiting for an agent.
func (c *Client) Escalations(ctx context.Context) (*models.EscalationList, error) {
	var resp models.EscalationList
	if err := c.doRequest(ctx, http.MethodGet, "/chat/escalated", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HealthResponse is the response from the health endpoint.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    map[string]interface{} `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
