// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *OpenRouterClient {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewOpenRouterClient("sk-or-test-key").
		WithBaseURL(server.URL).
		WithHTTPClient(server.Client())
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNewOpenRouterClient(t *testing.T) {
	c := NewOpenRouterClient("  sk-or-real  ")
	assert.Equal(t, "sk-or-real", c.apiKey)
	assert.Equal(t, DefaultOpenRouterURL, c.baseURL)
	assert.Equal(t, DefaultTimeout, c.httpClient.Timeout)
	assert.Zero(t, c.streamClient.Timeout)
	assert.False(t, c.UsingFreeTierKey())
}

func TestNewOpenRouterClient_FreeTierFallback(t *testing.T) {
	c := NewOpenRouterClient("")
	assert.Equal(t, FreeTierAPIKey, c.apiKey)
	assert.True(t, c.UsingFreeTierKey())
}

func TestClientMethodChaining(t *testing.T) {
	c := NewOpenRouterClient("k").
		WithBaseURL("http://example.test/v1/").
		WithTimeout(5 * time.Second).
		WithSiteURL("https://bot.example").
		WithSiteName("Relay").
		WithMaxRetries(0)

	assert.Equal(t, "http://example.test/v1", c.baseURL)
	assert.Equal(t, 5*time.Second, c.httpClient.Timeout)
	assert.Equal(t, "https://bot.example", c.siteURL)
	assert.Equal(t, "Relay", c.siteName)
	assert.Equal(t, 1, c.maxRetries)
}

func TestWithHTTPClient_KeepsStreamUnbounded(t *testing.T) {
	c := NewOpenRouterClient("k").WithTimeout(3 * time.Second).
		WithHTTPClient(&http.Client{Timeout: time.Minute})
	assert.Equal(t, 3*time.Second, c.httpClient.Timeout)
	assert.Zero(t, c.streamClient.Timeout)
}

func TestKeyFingerprint(t *testing.T) {
	a := NewOpenRouterClient("key-a").KeyFingerprint()
	b := NewOpenRouterClient("key-b").KeyFingerprint()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "key-a")
}

func TestChatMessageHelpers(t *testing.T) {
	assert.Equal(t, ChatMessage{Role: "user", Content: "u"}, NewUserMessage("u"))
	assert.Equal(t, ChatMessage{Role: "assistant", Content: "a"}, NewAssistantMessage("a"))
	assert.Equal(t, ChatMessage{Role: "system", Content: "s"}, NewSystemMessage("s"))
}

func TestChatResponseGetContent(t *testing.T) {
	var empty ChatResponse
	assert.Equal(t, "", empty.GetContent())

	var resp ChatResponse
	require.NoError(t, json.Unmarshal([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`), &resp))
	assert.Equal(t, "hi", resp.GetContent())
}

// =============================================================================
// COMPLETION
// =============================================================================

func TestCompletion_SendsHeadersAndBody(t *testing.T) {
	var got ChatRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-or-test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "https://bot.example", r.Header.Get("HTTP-Referer"))
		assert.Equal(t, "Relay", r.Header.Get("X-Title"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`)
	}).WithSiteURL("https://bot.example").WithSiteName("Relay")

	text, err := c.Completion(context.Background(), "m/x:free", []ChatMessage{NewUserMessage("ping")})
	require.NoError(t, err)
	assert.Equal(t, "pong", text)
	assert.Equal(t, "m/x:free", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, []ChatMessage{NewUserMessage("ping")}, got.Messages)
}

func TestCompletion_NoChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})
	_, err := c.Completion(context.Background(), "m", nil)
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestCompletion_Concurrent(t *testing.T) {
	var requests atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, req.Model)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			model := fmt.Sprintf("model-%d", n)
			text, err := c.Completion(context.Background(), model, nil)
			assert.NoError(t, err)
			assert.Equal(t, model, text)
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 50, requests.Load())
}

// =============================================================================
// ERRORS
// =============================================================================

func TestHandleErrorResponse(t *testing.T) {
	c := NewOpenRouterClient("k")
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"auth with body", 401, `{"error":{"code":401,"message":"bad key"}}`, ErrAuthFailed},
		{"auth bare", 401, ``, ErrAuthFailed},
		{"credits", 402, `{"error":{"message":"top up"}}`, ErrInsufficientCredits},
		{"not found", 404, `{"error":{"message":"no such model"}}`, ErrModelNotFound},
		{"rate limited", 429, `slow down`, ErrRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.handleErrorResponse(tt.status, []byte(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHandleErrorResponse_Generic(t *testing.T) {
	c := NewOpenRouterClient("k")

	err := c.handleErrorResponse(503, []byte(`{"error":{"code":"overloaded","message":"busy"}}`))
	var orErr *OpenRouterError
	require.True(t, errors.As(err, &orErr))
	assert.Equal(t, "overloaded", orErr.Code)
	assert.Equal(t, 503, orErr.Status)
	assert.Contains(t, err.Error(), "busy")

	err = c.handleErrorResponse(500, []byte("  oops \n"))
	require.True(t, errors.As(err, &orErr))
	assert.Equal(t, "oops", orErr.Message)
	assert.Equal(t, "OpenRouter error (HTTP 500): oops", err.Error())
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(ErrRateLimited))
	assert.True(t, isRetryable(fmt.Errorf("%w: x", ErrRateLimited)))
	assert.True(t, isRetryable(&OpenRouterError{Status: 502}))
	assert.False(t, isRetryable(&OpenRouterError{Status: 400}))
	assert.False(t, isRetryable(ErrAuthFailed))
	assert.False(t, isRetryable(errors.New("boom")))
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, calculateBackoff(0))
	assert.Equal(t, time.Second, calculateBackoff(1))
	assert.Equal(t, 2*time.Second, calculateBackoff(2))
	assert.Equal(t, retryMaxDelay, calculateBackoff(10))
}

// =============================================================================
// MODELS
// =============================================================================

const modelsBody = `{"data":[
	{"id":"deepseek/deepseek-r1:free","name":"DeepSeek R1","context_length":163840,"pricing":{"prompt":"0","completion":"0"}},
	{"id":"openai/gpt-4o","name":"GPT-4o","context_length":128000,"pricing":{"prompt":"0.0000025","completion":"0.00001"}},
	{"id":"meta/llama:free","name":"Llama","context_length":8192,"pricing":{"prompt":"0.000001","completion":"0"}}
]}`

func TestListModels(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, modelsBody)
	})

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 3)
	assert.Equal(t, 163840, models[0].ContextSize)
	assert.Equal(t, "openai", models[1].Provider())
	assert.InDelta(t, 2.5, models[1].PricePerMillion(), 1e-9)
}

func TestListModels_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"data":[]}`)
	})

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Empty(t, models)
	assert.EqualValues(t, 2, calls.Load())
}

func TestListModels_NoRetryOnAuth(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.ListModels(context.Background())
	assert.ErrorIs(t, err, ErrAuthFailed)
	assert.EqualValues(t, 1, calls.Load())
}

func TestModelInfo_IsFree(t *testing.T) {
	assert.True(t, ModelInfo{ID: "a/b", Pricing: Pricing{Prompt: "0"}}.IsFree())
	assert.True(t, ModelInfo{ID: "a/b:free", Pricing: Pricing{Prompt: "0.1"}}.IsFree())
	assert.False(t, ModelInfo{ID: "a/b", Pricing: Pricing{Prompt: "0.0"}}.IsFree())
	assert.Zero(t, ModelInfo{Pricing: Pricing{Prompt: "n/a"}}.PricePerMillion())
	assert.Equal(t, "", ModelInfo{ID: "noslash"}.Provider())
}
