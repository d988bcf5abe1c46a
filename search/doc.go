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


// Package search ranks the content of a collection against query images.
//
// The Searcher embeds every query image, scores each stored feature row by its
// dot product with the query vectors (the best query wins when several are
// given), keeps rows at or above the threshold and returns the top hits in
// descending score order. Ties keep ledger order.
//
// Only features that match the current ledger are served: a collection that
// was never finetuned, or whose ledger changed since, fails with ErrNotReady,
// and features of a different dimension than the embedder's fail with
// storage.ErrSchemaMismatch.
package search
