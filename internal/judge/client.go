// Package judge talks to the external code execution service.
package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"codeduel-backend/internal/battle"
)

type Client struct {
	BaseURL string
	Client  *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client: &http.Client{
			Timeout: timeout,
		},
	}
}

type evaluateRequest struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	ProblemID string `json:"problem_id"`
}

// Evaluate runs code against the problem's test cases. Compile or runtime
// errors come back inside the verdict; only transport failures are errors.
func (c *Client) Evaluate(ctx context.Context, code, language, problemID string) (battle.Verdict, error) {
	url := fmt.Sprintf("%s/evaluate", c.BaseURL)

	body, err := json.Marshal(evaluateRequest{Code: code, Language: language, ProblemID: problemID})
	if err != nil {
		return battle.Verdict{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return battle.Verdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return battle.Verdict{}, battle.Infra(err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return battle.Verdict{}, battle.ErrProblemNotFound
	case resp.StatusCode >= 500:
		return battle.Verdict{}, battle.Infra(fmt.Errorf("judge returned %d: %s", resp.StatusCode, string(data)))
	case resp.StatusCode != http.StatusOK:
		return battle.Verdict{}, fmt.Errorf("judge rejected submission (%d): %s", resp.StatusCode, string(data))
	}

	var out battle.Verdict
	if err := json.Unmarshal(data, &out); err != nil {
		return battle.Verdict{}, fmt.Errorf("decode verdict: %w", err)
	}
	return out, nil
}
