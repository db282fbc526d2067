package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mawiseman/portal-sync/internal/model"
)

// HTTPCapturer re-fetches the payload behind a completed request over HTTP.
// It expects the endpoint to answer with a JSON organization collection.
type HTTPCapturer struct {
	client  *http.Client
	headers map[string]string
	logger  *zap.Logger
}

// NewHTTPCapturer creates a capturer with the given extra request headers
// (authorization, API keys).
func NewHTTPCapturer(timeout time.Duration, headers map[string]string, logger *zap.Logger) *HTTPCapturer {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPCapturer{
		client:  &http.Client{Timeout: timeout},
		headers: headers,
		logger:  logger,
	}
}

// Capture implements service.PayloadCapturer.
func (c *HTTPCapturer) Capture(ctx context.Context, req *model.TrackedRequest) ([]model.Organization, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building capture request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("capture fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("capture fetch returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("reading capture body: %w", err)
	}

	var orgs []model.Organization
	if err := json.Unmarshal(body, &orgs); err != nil {
		return nil, fmt.Errorf("capture payload does not decode: %w", err)
	}

	c.logger.Debug("Payload captured",
		zap.String("request_id", req.ID),
		zap.Int("organizations", len(orgs)))
	return orgs, nil
}
