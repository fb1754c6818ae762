package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/plmops/eco-todo-sync/model"
)

const (
	defaultAPIBase  = "https://api.dingtalk.com"
	defaultOAPIBase = "https://oapi.dingtalk.com"
)

// Client talks to the DingTalk open platform: the v1.0 API for access
// tokens and todo tasks, and the legacy oapi endpoint for resolving user
// IDs to union IDs.
type Client struct {
	clientID     string
	clientSecret string
	apiBase      string
	oapiBase     string
	httpClient   *http.Client
}

func NewClient(clientID, clientSecret string) *Client {
	return NewClientWithBase(clientID, clientSecret, defaultAPIBase, defaultOAPIBase)
}

// NewClientWithBase creates a client against custom endpoints. Used by
// tests to point at a local server.
func NewClientWithBase(clientID, clientSecret, apiBase, oapiBase string) *Client {
	return &Client{
		clientID:     clientID,
		clientSecret: clientSecret,
		apiBase:      apiBase,
		oapiBase:     oapiBase,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// AccessToken exchanges the app key/secret pair for a short-lived app
// access token.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	payload := map[string]string{
		"appKey":    c.clientID,
		"appSecret": c.clientSecret,
	}

	var result struct {
		AccessToken string `json:"accessToken"`
		ExpireIn    int    `json:"expireIn"`
	}
	if err := c.postJSON(ctx, c.apiBase+"/v1.0/oauth2/accessToken", nil, payload, &result); err != nil {
		return "", fmt.Errorf("get access token: %w", err)
	}

	return result.AccessToken, nil
}

// UnionID resolves a DingTalk user ID to the union ID required by the
// todo API.
func (c *Client) UnionID(ctx context.Context, token, userID string) (string, error) {
	endpoint := c.oapiBase + "/topapi/v2/user/get?access_token=" + url.QueryEscape(token)
	payload := map[string]string{"userid": userID}

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
		Result  struct {
			UnionID string `json:"unionid"`
		} `json:"result"`
	}
	if err := c.postJSON(ctx, endpoint, nil, payload, &result); err != nil {
		return "", fmt.Errorf("get union id for %s: %w", userID, err)
	}
	if result.ErrCode != 0 {
		return "", fmt.Errorf("get union id for %s: errcode %d: %s", userID, result.ErrCode, result.ErrMsg)
	}
	if result.Result.UnionID == "" {
		return "", fmt.Errorf("get union id for %s: empty union id", userID)
	}

	return result.Result.UnionID, nil
}

// CreateTodo creates one todo task scoped to the request's recipient. The
// recipient is creator, executor and participant of their own copy.
func (c *Client) CreateTodo(ctx context.Context, token string, task model.TaskRequest) error {
	endpoint := c.apiBase + "/v1.0/todo/users/" + url.PathEscape(task.UnionID) + "/tasks"
	payload := map[string]any{
		"subject":        task.Subject,
		"description":    task.Description,
		"creatorId":      task.UnionID,
		"executorIds":    []string{task.UnionID},
		"participantIds": []string{task.UnionID},
		"dueTime":        task.DueMillis,
	}
	headers := map[string]string{"x-acs-dingtalk-access-token": token}

	var result struct {
		ID string `json:"id"`
	}
	if err := c.postJSON(ctx, endpoint, headers, payload, &result); err != nil {
		return fmt.Errorf("create todo for %s: %w", task.UnionID, err)
	}

	return nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, headers map[string]string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
