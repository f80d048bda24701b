package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"media-reconciler/internal/models"
)

const maxAnalyzerResponse = 64 * 1024

// AnalyzerHandler runs enrichment stages by calling the external analyzer service.
type AnalyzerHandler struct {
	baseURL    string
	httpClient *http.Client
}

type analyzeRequest struct {
	EntityID string       `json:"entity_id"`
	Stage    models.Stage `json:"stage"`
	Attempt  int          `json:"attempt"`
}

// NewAnalyzerHandler builds a handler for the analyzer at baseURL.
func NewAnalyzerHandler(baseURL string, timeout time.Duration) *AnalyzerHandler {
	if timeout == 0 {
		timeout = 5 * time.Minute
	}
	return &AnalyzerHandler{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Handle posts one task to /analyze/{stage} and treats any non-2xx answer as a failure.
func (h *AnalyzerHandler) Handle(ctx context.Context, task models.EnrichmentTask) error {
	body, err := json.Marshal(analyzeRequest{
		EntityID: task.EntityID,
		Stage:    task.Stage,
		Attempt:  task.RetryCount + 1,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/analyze/%s", h.baseURL, task.Stage)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("analyze %s: %w", task.Stage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxAnalyzerResponse))
		return fmt.Errorf("analyze %s: status %d: %s", task.Stage, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxAnalyzerResponse))
	return nil
}
