// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxChunkSize is the maximum allowed size for a single SSE line (64KB).
const MaxChunkSize = 64 * 1024

// ErrChunkTooLarge is returned when an SSE line exceeds MaxChunkSize.
var ErrChunkTooLarge = errors.New("stream chunk exceeds maximum size")

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamDelta is the incremental message content of one choice.
type StreamDelta struct {
	Content string `json:"content"`
	Role    string `json:"role,omitempty"`
}

// StreamChoice is one choice of a streaming chunk.
type StreamChoice struct {
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

// StreamChunk represents a single chunk from the OpenRouter streaming response.
type StreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`

	// Upstream is set when a frame carries an error object instead of a delta.
	Upstream *apiError `json:"error,omitempty"`

	// Error is set on the final chunk when the stream failed.
	Error error `json:"-"`
}

// TextChunk builds a chunk carrying a single content delta.
func TextChunk(content string) StreamChunk {
	return StreamChunk{Choices: []StreamChoice{{Delta: StreamDelta{Content: content}}}}
}

// GetContent returns the content from the first choice's delta.
func (c *StreamChunk) GetContent() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// IsDone returns true if the stream has finished.
func (c *StreamChunk) IsDone() bool {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason != ""
	}
	return false
}

// GetFinishReason returns the finish reason if streaming is complete.
func (c *StreamChunk) GetFinishReason() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return ""
}

// HasError returns true if the chunk contains an error.
func (c *StreamChunk) HasError() bool {
	return c.Error != nil
}

// StreamError represents an error that occurred mid-stream.
type StreamError struct {
	Chunks int // content chunks delivered before the failure
	Err    error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Chunks > 0 {
		return fmt.Sprintf("stream error after %d chunks: %v", e.Chunks, e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReaderSize(r, 4096),
	}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event type, data, and any error.
// The event type is typically empty for OpenRouter responses.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		line, err := s.readLine()
		if err != nil {
			if err == io.EOF {
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}
		// id:, retry: and ": OPENROUTER PROCESSING" comments are ignored
	}
}

// readLine reads one line, failing when it grows past MaxChunkSize.
func (s *SSEReader) readLine() ([]byte, error) {
	var line []byte
	for {
		frag, err := s.reader.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > MaxChunkSize {
			return nil, ErrChunkTooLarge
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(line) > 0 {
			return line, nil
		}
		return line, err
	}
}

// =============================================================================
// STREAM COMPLETION
// =============================================================================

// StreamCompletion starts a streaming chat completion.
//
// The request is sent synchronously; a non-200 status is returned as an
// error before any chunk is produced. On success chunks are delivered on
// the returned channel, which is closed when the stream ends. Cancelling
// ctx aborts the request and closes the channel.
func (c *OpenRouterClient) StreamCompletion(ctx context.Context, model string, messages []ChatMessage) (<-chan StreamChunk, error) {
	resp, err := c.sendStreamRequest(ctx, model, messages)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, 16)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		start := time.Now()
		n, err := c.processStream(ctx, resp.Body, chunks)
		if err != nil && ctx.Err() == nil {
			streamErr := &StreamError{Chunks: n, Err: err}
			c.logger.Warn().Err(err).Str("model", model).Int("chunks", n).Msg("OPENROUTER_STREAM_FAILED")
			select {
			case chunks <- StreamChunk{Error: streamErr}:
			case <-ctx.Done():
			}
			return
		}
		c.logger.Debug().Str("model", model).Int("chunks", n).Dur("duration", time.Since(start)).Msg("OPENROUTER_STREAM_DONE")
	}()

	return chunks, nil
}

// sendStreamRequest sends the streaming HTTP request and checks the status.
func (c *OpenRouterClient) sendStreamRequest(ctx context.Context, model string, messages []ChatMessage) (*http.Response, error) {
	req, err := c.newChatRequest(ctx, model, messages, true)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	c.logResponse(req, resp, time.Since(start))

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, readErr := readResponse(resp)
		if readErr != nil {
			return nil, readErr
		}
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}
	return resp, nil
}

// processStream reads SSE frames and forwards decoded chunks. It returns
// the number of chunks delivered and nil on a clean end of stream.
func (c *OpenRouterClient) processStream(ctx context.Context, body io.Reader, out chan<- StreamChunk) (int, error) {
	reader := NewSSEReader(body)
	delivered := 0

	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return delivered, nil
			}
			return delivered, err
		}

		for _, payload := range splitPayload(data) {
			if bytes.Equal(payload, []byte("[DONE]")) {
				return delivered, nil
			}

			var chunk StreamChunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				c.logger.Debug().Int("bytes", len(payload)).Msg("OPENROUTER_FRAME_SKIPPED")
				continue
			}

			if chunk.Upstream != nil {
				return delivered, &OpenRouterError{
					Code:    chunk.Upstream.codeString(),
					Message: chunk.Upstream.Message,
					Status:  http.StatusOK,
				}
			}

			select {
			case out <- chunk:
				delivered++
			case <-ctx.Done():
				return delivered, ctx.Err()
			}
		}
	}
}

// splitPayload returns the JSON payloads of one event. A multi-line event
// whose joined data is not one JSON value is treated as one object per
// data line, which is how OpenRouter frames adjacent chunks.
func splitPayload(data []byte) [][]byte {
	if bytes.IndexByte(data, '\n') < 0 || json.Valid(data) {
		return [][]byte{data}
	}
	return bytes.Split(data, []byte("\n"))
}
