package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kingrea/forge/internal/orchestrator"
)

// Source fetches batch snapshots.
type Source interface {
	Status(ctx context.Context, batchID string) (orchestrator.BatchStatus, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(ctx context.Context, batchID string) (orchestrator.BatchStatus, error)

// Status calls f.
func (f SourceFunc) Status(ctx context.Context, batchID string) (orchestrator.BatchStatus, error) {
	return f(ctx, batchID)
}

// HTTPSource polls a running forge server.
type HTTPSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource points at baseURL, e.g. http://127.0.0.1:7420.
func NewHTTPSource(baseURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{base: strings.TrimRight(baseURL, "/"), client: client}
}

// Status reads GET /api/v1/batches/:id.
func (s *HTTPSource) Status(ctx context.Context, batchID string) (orchestrator.BatchStatus, error) {
	endpoint := s.base + "/api/v1/batches/" + url.PathEscape(batchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return orchestrator.BatchStatus{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return orchestrator.BatchStatus{}, fmt.Errorf("tui: fetch status: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return orchestrator.BatchStatus{}, fmt.Errorf("%w: %s", orchestrator.ErrStateNotFound, batchID)
	case resp.StatusCode != http.StatusOK:
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return orchestrator.BatchStatus{}, fmt.Errorf("tui: status %d: %s", resp.StatusCode, body.Error)
	}
	var status orchestrator.BatchStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return orchestrator.BatchStatus{}, fmt.Errorf("tui: decode status: %w", err)
	}
	return status, nil
}
