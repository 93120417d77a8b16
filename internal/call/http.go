package call

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPProvisioner talks to the room vendor's REST API. The vendor keys rooms
// by session id, so re-provisioning returns the existing room.
type HTTPProvisioner struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPProvisioner(baseURL, apiKey string, timeout time.Duration) *HTTPProvisioner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvisioner{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type provisionRequest struct {
	SessionID    string   `json:"session_id"`
	Participants []string `json:"participants"`
}

type provisionResponse struct {
	RoomID string `json:"room_id"`
}

func (p *HTTPProvisioner) Provision(ctx context.Context, sessionID string, participantRefs []string) (string, error) {
	body, err := json.Marshal(provisionRequest{SessionID: sessionID, Participants: participantRefs})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/rooms", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("room vendor returned %d", resp.StatusCode)
	}
	var out provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if out.RoomID == "" {
		return "", fmt.Errorf("room vendor returned empty room id")
	}
	return out.RoomID, nil
}

func (p *HTTPProvisioner) Destroy(ctx context.Context, callID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/v1/rooms/"+url.PathEscape(callID), nil)
	if err != nil {
		return err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("room vendor returned %d", resp.StatusCode)
	}
	return nil
}
