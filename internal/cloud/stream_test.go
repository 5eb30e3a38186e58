// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseHandler(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		for _, f := range frames {
			fmt.Fprintf(w, "%s\n\n", f)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func delta(s string) string {
	return fmt.Sprintf(`data: {"choices":[{"delta":{"content":%q}}]}`, s)
}

// collect drains chunks into one string, stopping at the first error.
func collect(chunks <-chan StreamChunk) (string, error) {
	var b strings.Builder
	for chunk := range chunks {
		if chunk.HasError() {
			return b.String(), chunk.Error
		}
		b.WriteString(chunk.GetContent())
	}
	return b.String(), nil
}

func TestSSEReader(t *testing.T) {
	input := "event: message\ndata: one\n\n: comment\n\ndata:two\ndata: three\n\nid: 4\ndata: tail"
	r := NewSSEReader(strings.NewReader(input))

	ev, data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "message", ev)
	assert.Equal(t, "one", string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "tail", string(data))

	_, _, err = r.ReadEvent()
	assert.Equal(t, io.EOF, err)
}

func TestSSEReader_ChunkTooLarge(t *testing.T) {
	input := "data: " + strings.Repeat("x", MaxChunkSize+10) + "\n\n"
	_, _, err := NewSSEReader(strings.NewReader(input)).ReadEvent()
	assert.ErrorIs(t, err, ErrChunkTooLarge)
}

func TestStreamCompletion_DeliversInOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		sseHandler(
			": OPENROUTER PROCESSING",
			delta("hel"),
			"data: {not json",
			delta("lo"),
			`data: {"choices":[{"delta":{"content":""},"finish_reason":"stop"}]}`,
			"data: [DONE]",
			delta("ignored after done"),
		)(w, r)
	})

	chunks, err := c.StreamCompletion(context.Background(), "m", []ChatMessage{NewUserMessage("hi")})
	require.NoError(t, err)

	text, err := collect(chunks)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestStreamCompletion_EndsWithoutDone(t *testing.T) {
	c := newTestClient(t, sseHandler(delta("a"), delta("b")))

	chunks, err := c.StreamCompletion(context.Background(), "m", nil)
	require.NoError(t, err)
	text, err := collect(chunks)
	require.NoError(t, err)
	assert.Equal(t, "ab", text)
}

func TestStreamCompletion_AdjacentDataLines(t *testing.T) {
	c := newTestClient(t, sseHandler(
		delta("A")+"\n"+delta("B"),
		delta("C")+"\ndata: [DONE]",
		delta("ignored"),
	))

	chunks, err := c.StreamCompletion(context.Background(), "m", nil)
	require.NoError(t, err)
	text, err := collect(chunks)
	require.NoError(t, err)
	assert.Equal(t, "ABC", text)
}

func TestSplitPayload(t *testing.T) {
	assert.Equal(t, [][]byte{[]byte(`{"a":1}`)}, splitPayload([]byte(`{"a":1}`)))
	assert.Equal(t, [][]byte{[]byte("{\n\"a\":1}")}, splitPayload([]byte("{\n\"a\":1}")))
	assert.Equal(t, [][]byte{[]byte(`{"a":1}`), []byte(`{"b":2}`)}, splitPayload([]byte("{\"a\":1}\n{\"b\":2}")))
}

func TestStreamCompletion_RejectedBeforeAnyChunk(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"code":429,"message":"free tier exhausted"}}`)
	})

	chunks, err := c.StreamCompletion(context.Background(), "m", nil)
	assert.Nil(t, chunks)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, err.Error(), "free tier exhausted")
}

func TestStreamCompletion_UpstreamErrorFrame(t *testing.T) {
	c := newTestClient(t, sseHandler(
		delta("partial"),
		`data: {"error":{"code":502,"message":"provider went away"}}`,
		delta("never"),
	))

	chunks, err := c.StreamCompletion(context.Background(), "m", nil)
	require.NoError(t, err)

	text, err := collect(chunks)
	assert.Equal(t, "partial", text)
	require.Error(t, err)

	var streamErr *StreamError
	require.True(t, errors.As(err, &streamErr))
	assert.Equal(t, 1, streamErr.Chunks)
	var orErr *OpenRouterError
	require.True(t, errors.As(err, &orErr))
	assert.Equal(t, "502", orErr.Code)
	assert.Equal(t, "provider went away", orErr.Message)
}

func TestStreamCompletion_CancelClosesChannel(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s\n\n", delta("first"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := c.StreamCompletion(ctx, "m", nil)
	require.NoError(t, err)

	first := <-chunks
	assert.Equal(t, "first", first.GetContent())
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-chunks:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamChunkAccessors(t *testing.T) {
	var c StreamChunk
	assert.Equal(t, "", c.GetContent())
	assert.False(t, c.IsDone())
	assert.False(t, c.HasError())

	c.Error = errors.New("x")
	assert.True(t, c.HasError())
}

func TestTextChunk(t *testing.T) {
	c := TextChunk("abc")
	assert.Equal(t, "abc", c.GetContent())
	assert.Equal(t, "", c.GetFinishReason())
}

func TestStreamCompletion_FinishReason(t *testing.T) {
	c := newTestClient(t, sseHandler(
		delta("x"),
		`data: {"choices":[{"delta":{"content":""},"finish_reason":"length"}]}`,
	))

	chunks, err := c.StreamCompletion(context.Background(), "m", nil)
	require.NoError(t, err)
	var last StreamChunk
	for chunk := range chunks {
		last = chunk
	}
	assert.True(t, last.IsDone())
	assert.Equal(t, "length", last.GetFinishReason())
}
