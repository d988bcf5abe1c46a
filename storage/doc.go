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


// Package storage provides the storage abstraction layer for similarity.
//
// This package defines repository interfaces that decouple storage implementation
// from the finetune and search logic. BadgerDB and PostgreSQL backends implement
// the same Repository interface and can be used interchangeably.
//
// # Constructor Return Type Pattern
//
// Public constructors of backend packages return the storage.Repository
// interface:
//
//	repo, err := badger.NewRepository(backend)  // returns storage.Repository interface
//
// Internal package constructors (newBackend, etc.) may return concrete types
// since they're only used within the implementation package.
//
// # Architecture
//
//   - Repository: Main interface combining all storage operations
//   - CollectionRepository: Collection metadata records
//   - LedgerRepository: The ordered content ledger of a collection
//   - FeatureStore: One feature matrix per collection
//   - FinetuneRepository: Job state transitions and finetune reports
//
// Feature matrices are stored as a single blob per collection (see
// EncodeFeatures). The header carries the row count, the dimension and the
// digest of the ledger the rows were built from, so consistency checks do not
// need to decode the vectors.
//
// # Usage
//
//	repo, err := badger.NewMemoryRepository()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer repo.Close()
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
package storage
