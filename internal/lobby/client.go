// Package lobby is the thin HTTP layer for room creation and joining. It is
// outside the sync engine's core: its only job is producing the identity that
// seeds a session.
package lobby

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to the lobby REST endpoints.
type Client struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// NewClient creates a lobby client for the given server base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: map[string]string{"Content-Type": "application/json"},
	}
}

// SetTimeout overrides the request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

// RoomResponse is the identity returned by create/join.
type RoomResponse struct {
	RoomCode string `json:"room_code"`
	PlayerID string `json:"player_id"`
	Error    string `json:"error,omitempty"`
}

// CreateRoom opens a new session with the caller as host.
func (c *Client) CreateRoom(hostName string) (RoomResponse, error) {
	return c.roomRequest("/api/rooms/create", map[string]string{"host_name": hostName})
}

// JoinRoom joins an existing waiting session.
func (c *Client) JoinRoom(roomCode, playerName string) (RoomResponse, error) {
	return c.roomRequest("/api/rooms/join", map[string]string{
		"room_code":   roomCode,
		"player_name": playerName,
	})
}

func (c *Client) roomRequest(endpoint string, payload map[string]string) (RoomResponse, error) {
	body, err := c.post(endpoint, payload)
	if err != nil {
		return RoomResponse{}, err
	}

	var resp RoomResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return RoomResponse{}, fmt.Errorf("parse lobby response: %w", err)
	}
	if resp.Error != "" {
		return RoomResponse{}, fmt.Errorf("lobby: %s", resp.Error)
	}
	return resp, nil
}

func (c *Client) post(endpoint string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lobby request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read lobby response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lobby returned status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
