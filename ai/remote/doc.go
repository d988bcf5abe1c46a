// Package remote implements ai.Embedder against an HTTP embedding service.
//
// Each image is sent as the raw request body of POST {host}/embed. The
// service answers with {"embedding": [...]}; 400, 415 and 422 responses
// mean the model rejected the image (ai.ErrModel), 408, 429 and 5xx
// responses are transient (ai.ErrUnavailable).
package remote
