package detect

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

	"agenttrail/pkg/models"
)

// RemoteConfig configures the HTTP detection client.
type RemoteConfig struct {
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// RemoteGateway delegates detection to an external service over HTTP.
// Failures map onto the package error taxonomy so callers can tell a
// slow detector from a broken one.
type RemoteGateway struct {
	baseURL string
	headers map[string]string
	client  *http.Client
}

// NewRemote creates the HTTP gateway.
func NewRemote(cfg RemoteConfig) (*RemoteGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote detection URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteGateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		headers: cfg.Headers,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type remoteScanRequest struct {
	Text      string `json:"text"`
	Direction string `json:"direction"`
}

// Scan posts the text to the detector's scan endpoint.
func (g *RemoteGateway) Scan(ctx context.Context, text, direction string) (*models.ScanFindings, error) {
	var out models.ScanFindings
	if err := g.post(ctx, "/v1/scan", remoteScanRequest{Text: text, Direction: direction}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckAction posts the action to the detector's action endpoint.
func (g *RemoteGateway) CheckAction(ctx context.Context, req models.ActionRequest) (*models.ActionFindings, error) {
	var out models.ActionFindings
	if err := g.post(ctx, "/v1/action", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (g *RemoteGateway) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal detection request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create detection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range g.headers {
		req.Header.Set(k, v)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusBadRequest:
		return fmt.Errorf("%w: detector rejected request", ErrMalformed)
	case resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %s", ErrUnavailable, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrMalformed, err)
	}
	return nil
}
