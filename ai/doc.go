// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package ai provides abstractions for the image embedding service used by similarity.
//
// The embedding model is an external collaborator: it turns encoded image
// bytes into a vector of fixed length D. This package defines the interfaces
// the finetune job and the search engine depend on, so the model can be
// swapped or mocked without touching them.
//
//   - Embedder: Generates feature vectors from image bytes
//   - AIProvider: Aggregates AI services for convenient initialization
//
// # Implementation Packages
//
//   - ai/remote: HTTP client for a remote embedding service
//   - ai/mock: Test doubles for unit testing without external dependencies
//
// # Constructor Return Type Pattern
//
// Public constructors (remote.NewProvider, remote.NewEmbedder) return
// INTERFACE types. Test utility constructors (mock.NewMockEmbedder) return
// CONCRETE types to enable test assertions and behavior injection.
//
// # Errors
//
// Embedders wrap ErrModel when the model rejects an input as malformed. Such
// an item is dropped by the finetune job. Any other error is considered
// transient and retried.
//
// # Usage Example
//
//	config := ai.NewConfig(ai.WithEmbeddingHost("http://embedder:8501"))
//	provider, err := remote.NewProvider(config)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	vector, err := provider.Embedder().EmbedImage(ctx, imageBytes)
package ai
