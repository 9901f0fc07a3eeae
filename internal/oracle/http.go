package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cwbudde/pidtune/internal/space"
)

// HTTP calls a simulation service. Each evaluation is one
//
//	POST {BaseURL}/simulate   {"params": {"KC": 0.2, "KI": 0.01}}
//
// answered with a Response as JSON. 4xx replies reject the configuration;
// 5xx replies and transport errors are transient.
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTP returns an HTTP oracle for baseURL.
func NewHTTP(baseURL string) *HTTP {
	return &HTTP{BaseURL: strings.TrimRight(baseURL, "/"), Client: &http.Client{}}
}

type simulateRequest struct {
	Params space.Vector `json:"params"`
}

func (h *HTTP) Open(ctx context.Context) (Session, error) {
	return h, nil
}

// Close is a no-op; connections are pooled by the client.
func (h *HTTP) Close() error { return nil }

func (h *HTTP) Simulate(ctx context.Context, params space.Vector) (*Response, error) {
	body, err := json.Marshal(simulateRequest{Params: params})
	if err != nil {
		return nil, Rejected(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/simulate", bytes.NewReader(body))
	if err != nil {
		return nil, Rejected(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("simulation service: %s: %s", resp.Status, strings.TrimSpace(string(msg)))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return nil, Rejected(err)
		}
		return nil, Transient(err)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, Transient(fmt.Errorf("decode simulation response: %w", err))
	}
	return &out, nil
}

// Ping checks {BaseURL}/health.
func (h *HTTP) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return Transient(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Transient(errors.New("simulation service health: " + resp.Status))
	}
	return nil
}
