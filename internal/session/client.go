package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"clickforge/internal/upgrade"
)

var _ upgrade.GameSession = (*Client)(nil)

// Client talks to the game session service that owns the live score. Calls
// are never retried: a timeout is reported as a failure because a deduction
// may or may not have happened.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// StatusError is a non-2xx answer from the game session.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("game session status %d: %s", e.Status, e.Body)
}

type scoreResponse struct {
	Score decimal.Decimal `json:"score"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type deductRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (c *Client) PlayerState(ctx context.Context, playerID string) (upgrade.PlayerState, error) {
	var out upgrade.PlayerState
	if err := c.do(ctx, http.MethodGet, playerPath(playerID, "state"), nil, &out); err != nil {
		return upgrade.PlayerState{}, err
	}
	return out, nil
}

func (c *Client) GetScore(ctx context.Context, playerID string) (decimal.Decimal, error) {
	var out scoreResponse
	if err := c.do(ctx, http.MethodGet, playerPath(playerID, "score"), nil, &out); err != nil {
		return decimal.Zero, err
	}
	return out.Score, nil
}

// DeductScore reports false when the session refuses the deduction (for
// example insufficient score, answered with 409).
func (c *Client) DeductScore(ctx context.Context, playerID string, amount decimal.Decimal, reason string) (bool, error) {
	var out okResponse
	err := c.do(ctx, http.MethodPost, playerPath(playerID, "score/deduct"), deductRequest{Amount: amount, Reason: reason}, &out)
	if isRefusal(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.OK, nil
}

func (c *Client) ApplyEffects(ctx context.Context, playerID string, effects upgrade.EffectPush) (bool, error) {
	var out okResponse
	err := c.do(ctx, http.MethodPost, playerPath(playerID, "effects"), effects, &out)
	if isRefusal(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.OK, nil
}

func (c *Client) ValidateSession(ctx context.Context, playerID string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodGet, playerPath(playerID, "session"), nil, &out)
	var se *StatusError
	if errors.As(err, &se) && (se.Status == http.StatusNotFound || se.Status == http.StatusUnauthorized) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}

func playerPath(playerID, suffix string) string {
	return "/v1/players/" + url.PathEscape(playerID) + "/" + suffix
}

func isRefusal(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Status == http.StatusConflict || se.Status == http.StatusUnprocessableEntity)
}

func (c *Client) do(ctx context.Context, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("game session request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode game session response: %w", err)
	}
	return nil
}
