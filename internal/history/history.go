// Package history talks to the REST collaborator that serves a room's
// message history and the user's chat list.
package history

import (
	"chatsync/internal/models"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const tokenName = "token"

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New returns a client for baseURL. A nil httpClient uses http.DefaultClient.
func New(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// Fetch returns the history snapshot of chatID as served, oldest first.
func (c *Client) Fetch(ctx context.Context, chatID string) ([]models.Message, error) {
	var resp models.MessagesResponse
	if err := c.get(ctx, "/messages/"+url.PathEscape(chatID), &resp); err != nil {
		return nil, fmt.Errorf("fetch history of %s: %w", chatID, err)
	}
	return resp.Messages, nil
}

// Chats returns the chats the current user belongs to.
func (c *Client) Chats(ctx context.Context) ([]models.Chat, error) {
	var resp models.ChatsResponse
	if err := c.get(ctx, "/chats/myChats", &resp); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	return resp.Chats, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set(tokenName, c.token)
		req.AddCookie(&http.Cookie{Name: tokenName, Value: c.token})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
