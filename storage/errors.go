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


package storage

import "errors"

var (
	// ErrNotFound indicates that the requested collection was not found.
	ErrNotFound = errors.New("collection not found")

	// ErrStorageClosed indicates that the storage backend is closed.
	ErrStorageClosed = errors.New("storage is closed")

	// ErrSerializationFailed indicates a serialization/deserialization failure.
	ErrSerializationFailed = errors.New("serialization failed")

	// ErrTruncatedData indicates that data was truncated during reading.
	ErrTruncatedData = errors.New("truncated data")

	// ErrCorruptFeatures indicates a stored feature matrix could not be decoded.
	ErrCorruptFeatures = errors.New("corrupt feature matrix")

	// ErrInvalidMatrix indicates a feature matrix whose rows disagree with its dimension.
	ErrInvalidMatrix = errors.New("invalid feature matrix")

	// ErrUnknownCompression indicates an unsupported compression type.
	ErrUnknownCompression = errors.New("unknown compression type")

	// ErrSchemaMismatch indicates the stored vector dimension differs from the
	// embedding service's dimension. The store must be rebuilt.
	ErrSchemaMismatch = errors.New("feature dimension mismatch")

	// ErrJobRunning indicates a finetune job already holds the collection.
	ErrJobRunning = errors.New("finetune job already running")

	// ErrLedgerChanged indicates the ledger was replaced while a finetune job ran.
	ErrLedgerChanged = errors.New("ledger changed during finetune")
)
