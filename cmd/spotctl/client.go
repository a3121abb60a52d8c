package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// apiClient talks to the daemon's HTTP API.
type apiClient struct {
	baseURL string
	http    *http.Client
}

// apiError is the error body returned by the API.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
	Check   string `json:"check"`
	Reason  string `json:"reason"`
}

func (e *apiError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("%s (%d): %s [%s]", e.Code, e.Status, e.Reason, e.Check)
	case e.Message != "":
		return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
	default:
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// do sends body as JSON and decodes a 2xx response into out.
func (c *apiClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type trade struct {
	ID            int64    `json:"id"`
	Symbol        string   `json:"symbol"`
	AvgPrice      float64  `json:"avg_price"`
	Quantity      float64  `json:"quantity"`
	SpentNotional float64  `json:"spent_notional"`
	TPPrice       float64  `json:"tp_price"`
	SLStopPrice   float64  `json:"sl_stop_price"`
	SLLimitPrice  float64  `json:"sl_limit_price"`
	Status        string   `json:"status"`
	ClosePrice    *float64 `json:"close_price"`
	RealizedPnL   *float64 `json:"realized_pnl"`
}

type tradeEnvelope struct {
	Trade     *trade  `json:"trade"`
	ExitPrice float64 `json:"exit_price"`
	PnL       float64 `json:"pnl"`
}

type profitResponse struct {
	Period string             `json:"period"`
	Profit map[string]float64 `json:"profit"`
}

type modeResponse struct {
	Mode string `json:"mode"`
}
