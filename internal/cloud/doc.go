// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud is the OpenRouter completion client.
//
// # Key Types
//
//   - OpenRouterClient: HTTP client for the chat completions and models endpoints
//   - ChatMessage: one {role, content} entry of a request
//   - StreamChunk: one decoded server-sent event of a streaming response
//
// # Streaming Contract
//
// StreamCompletion returns an error, and no channel, when upstream rejects
// the request (non-200). Otherwise chunks arrive on the channel in order
// until upstream sends [DONE] or closes the body. Frames that are not valid
// JSON are skipped. A read failure or an upstream error frame is delivered
// as a final chunk with Error set. A stream cannot be restarted; call
// StreamCompletion again to retry.
//
// # Usage
//
//	client := cloud.NewOpenRouterClient(apiKey).WithSiteName("My Bot")
//	chunks, err := client.StreamCompletion(ctx, model, messages)
//	if err != nil {
//	    return err
//	}
//	for chunk := range chunks {
//	    if chunk.Error != nil {
//	        return chunk.Error
//	    }
//	    fmt.Print(chunk.GetContent())
//	}
package cloud
