// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Pricing holds per-token prices as decimal strings, as OpenRouter reports them.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// ModelInfo describes one model from the /models endpoint.
type ModelInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ContextSize int     `json:"context_length"`
	Pricing     Pricing `json:"pricing"`
}

// IsFree reports whether the model costs nothing per prompt token or is a
// ":free" variant.
func (m ModelInfo) IsFree() bool {
	return m.Pricing.Prompt == "0" || strings.Contains(m.ID, ":free")
}

// Provider returns the id prefix before the first slash.
func (m ModelInfo) Provider() string {
	if i := strings.IndexByte(m.ID, '/'); i > 0 {
		return m.ID[:i]
	}
	return ""
}

// PricePerMillion converts the per-token prompt price to dollars per
// million tokens. Unparseable prices read as zero.
func (m ModelInfo) PricePerMillion() float64 {
	p, err := strconv.ParseFloat(m.Pricing.Prompt, 64)
	if err != nil {
		return 0
	}
	return p * 1_000_000
}

// modelsResponse represents the response from the models endpoint.
type modelsResponse struct {
	Data []ModelInfo `json:"data"`
}

// ListModels fetches the model list, retrying on rate limits and 5xx.
func (c *OpenRouterClient) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var lastErr error
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt - 1)
			c.logger.Debug().Int("attempt", attempt+1).Dur("delay", delay).Err(lastErr).Msg("OPENROUTER_MODELS_RETRY")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		models, err := c.listModelsOnce(ctx)
		if err == nil {
			return models, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("list models failed after %d attempts: %w", c.maxRetries, lastErr)
}

func (c *OpenRouterClient) listModelsOnce(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.logResponse(req, resp, time.Since(start))

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	var modelsResp modelsResponse
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}
	return modelsResp.Data, nil
}

