package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const playerHeader = "X-Player-ID"

type Client struct {
	BaseURL  string
	PlayerID string
	HTTP     *http.Client
}

func NewClient(baseURL, playerID string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		PlayerID: playerID,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from the upgrades API.
type APIError struct {
	Status     int
	Message    string
	Errors     []string
	RetryAfter string
}

func (e *APIError) Error() string {
	msg := e.Message
	if len(e.Errors) > 0 {
		msg = strings.Join(e.Errors, "; ")
	}
	if e.RetryAfter != "" {
		return fmt.Sprintf("api status %d: %s (retry after %ss)", e.Status, msg, e.RetryAfter)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, msg)
}

func (c *Client) Upgrades(ctx context.Context) ([]map[string]any, error) {
	var out []map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/upgrades", nil, &out)
	return out, err
}

func (c *Client) Effects(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, "/v1/effects", nil, &out)
	return out, err
}

// Recommendation asks for the best next upgrade. An empty budget means the current score.
func (c *Client) Recommendation(ctx context.Context, budget string) (map[string]any, error) {
	path := "/v1/recommendation"
	if budget != "" {
		path += "?budget=" + url.QueryEscape(budget)
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Preview(ctx context.Context, upgradeID string, levels int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/upgrades/"+url.PathEscape(upgradeID)+"/preview", map[string]any{
		"levels": levels,
	}, &out)
	return out, err
}

func (c *Client) Purchase(ctx context.Context, upgradeID string, levels int, maxSpend string) (map[string]any, error) {
	body := map[string]any{"levels": levels}
	if maxSpend != "" {
		body["max_spend"] = maxSpend
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/upgrades/"+url.PathEscape(upgradeID)+"/purchase", body, &out)
	return out, err
}

type BulkItem struct {
	UpgradeID string `json:"upgrade_id"`
	Levels    int    `json:"levels"`
}

func (c *Client) Bulk(ctx context.Context, items []BulkItem, maxTotalSpend string) (map[string]any, error) {
	body := map[string]any{"items": items}
	if maxTotalSpend != "" {
		body["max_total_spend"] = maxTotalSpend
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/upgrades/bulk", body, &out)
	return out, err
}

func (c *Client) Reset(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodDelete, "/v1/upgrades", nil, &out)
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.PlayerID != "" {
		req.Header.Set(playerHeader, c.PlayerID)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{Status: resp.StatusCode, RetryAfter: resp.Header.Get("Retry-After")}
		var payload struct {
			Error  string `json:"error"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		}
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			for _, e := range payload.Errors {
				apiErr.Errors = append(apiErr.Errors, e.Message)
			}
		} else {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
