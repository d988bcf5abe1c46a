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

import (
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/mus-format/mus-go/ord"
	"github.com/mus-format/mus-go/varint"
	"github.com/poiesic/similarity/core"
)

// MarshalCollection serializes a Collection to bytes.
func MarshalCollection(c *core.Collection) []byte {
	buf := make([]byte, CollectionMUS.Size(*c))
	CollectionMUS.Marshal(*c, buf)
	return buf
}

// UnmarshalCollection deserializes a Collection from bytes.
func UnmarshalCollection(data []byte) (*core.Collection, error) {
	c, _, err := CollectionMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: collection: %w", ErrSerializationFailed, err)
	}
	return &c, nil
}

// MarshalLedger serializes a Ledger to bytes.
func MarshalLedger(l core.Ledger) []byte {
	buf := make([]byte, LedgerMUS.Size(l))
	LedgerMUS.Marshal(l, buf)
	return buf
}

// UnmarshalLedger deserializes a Ledger from bytes.
func UnmarshalLedger(data []byte) (core.Ledger, error) {
	l, _, err := LedgerMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: ledger: %w", ErrSerializationFailed, err)
	}
	return l, nil
}

// MarshalReport serializes a FinetuneReport to bytes.
// Dropped positions are stored as a compressed bitmap.
func MarshalReport(r *core.FinetuneReport) ([]byte, error) {
	rb := roaring.BitmapOf(r.Dropped...)
	rb.RunOptimize()
	dropped, err := rb.ToBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: dropped bitmap: %w", ErrSerializationFailed, err)
	}
	rec := reportRecord{report: *r, dropped: dropped}
	buf := make([]byte, reportMUS.Size(rec))
	reportMUS.Marshal(rec, buf)
	return buf, nil
}

// UnmarshalReport deserializes a FinetuneReport from bytes.
func UnmarshalReport(data []byte) (*core.FinetuneReport, error) {
	rec, _, err := reportMUS.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: report: %w", ErrSerializationFailed, err)
	}
	report := rec.report
	if len(rec.dropped) > 0 {
		rb := roaring.New()
		if err := rb.UnmarshalBinary(rec.dropped); err != nil {
			return nil, fmt.Errorf("%w: dropped bitmap: %w", ErrSerializationFailed, err)
		}
		if !rb.IsEmpty() {
			report.Dropped = rb.ToArray()
		}
	}
	return &report, nil
}

// CollectionMUS is the MUS serializer for collection records.
var CollectionMUS = collectionMUS{}

type collectionMUS struct{}

func (collectionMUS) Marshal(c core.Collection, bs []byte) (n int) {
	n = varint.Uint64.Marshal(uint64(c.Id), bs)
	n += ord.String.Marshal(c.Name, bs[n:])
	n += ord.String.Marshal(c.SourceTag, bs[n:])
	n += marshalTime(c.Created, bs[n:])
	n += marshalTime(c.LastModified, bs[n:])
	n += marshalOptTime(c.LastFinetuned, bs[n:])
	n += marshalOptInt(c.FinetuningProgress, bs[n:])
	return
}

func (collectionMUS) Unmarshal(bs []byte) (c core.Collection, n int, err error) {
	var (
		id uint64
		n1 int
	)
	id, n, err = varint.Uint64.Unmarshal(bs)
	if err != nil {
		return
	}
	c.Id = core.ID(id)
	c.Name, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	c.SourceTag, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	c.Created, n1, err = unmarshalTime(bs[n:])
	n += n1
	if err != nil {
		return
	}
	c.LastModified, n1, err = unmarshalTime(bs[n:])
	n += n1
	if err != nil {
		return
	}
	c.LastFinetuned, n1, err = unmarshalOptTime(bs[n:])
	n += n1
	if err != nil {
		return
	}
	c.FinetuningProgress, n1, err = unmarshalOptInt(bs[n:])
	n += n1
	return
}

func (collectionMUS) Size(c core.Collection) (size int) {
	size = varint.Uint64.Size(uint64(c.Id))
	size += ord.String.Size(c.Name)
	size += ord.String.Size(c.SourceTag)
	size += sizeTime(c.Created)
	size += sizeTime(c.LastModified)
	size += sizeOptTime(c.LastFinetuned)
	size += sizeOptInt(c.FinetuningProgress)
	return
}

// LedgerMUS is the MUS serializer for ledgers.
var LedgerMUS = ledgerMUS{}

type ledgerMUS struct{}

func (ledgerMUS) Marshal(l core.Ledger, bs []byte) (n int) {
	n = varint.Uint64.Marshal(uint64(len(l)), bs)
	for _, item := range l {
		n += ord.String.Marshal(item.SourceURL, bs[n:])
		n += ord.String.Marshal(item.ReferenceURL, bs[n:])
	}
	return
}

func (ledgerMUS) Unmarshal(bs []byte) (l core.Ledger, n int, err error) {
	var (
		count uint64
		n1    int
	)
	count, n, err = varint.Uint64.Unmarshal(bs)
	if err != nil {
		return
	}
	// Every item takes at least two length bytes
	if count > uint64(len(bs)-n)/2 {
		err = ErrTruncatedData
		return
	}
	l = make(core.Ledger, count)
	for i := range l {
		l[i].SourceURL, n1, err = ord.String.Unmarshal(bs[n:])
		n += n1
		if err != nil {
			return
		}
		l[i].ReferenceURL, n1, err = ord.String.Unmarshal(bs[n:])
		n += n1
		if err != nil {
			return
		}
	}
	return
}

func (ledgerMUS) Size(l core.Ledger) (size int) {
	size = varint.Uint64.Size(uint64(len(l)))
	for _, item := range l {
		size += ord.String.Size(item.SourceURL)
		size += ord.String.Size(item.ReferenceURL)
	}
	return
}

// reportRecord is a FinetuneReport with its dropped positions already
// encoded as a bitmap.
type reportRecord struct {
	report  core.FinetuneReport
	dropped []byte
}

var reportMUS = reportRecordMUS{}

type reportRecordMUS struct{}

func (reportRecordMUS) Marshal(rec reportRecord, bs []byte) (n int) {
	r := rec.report
	n = varint.Uint64.Marshal(uint64(r.CollectionId), bs)
	n += varint.Int64.Marshal(int64(r.Outcome), bs[n:])
	n += marshalTime(r.StartedAt, bs[n:])
	n += marshalTime(r.FinishedAt, bs[n:])
	n += varint.Int64.Marshal(int64(r.Total), bs[n:])
	n += varint.Int64.Marshal(int64(r.Embedded), bs[n:])
	n += marshalBytes(rec.dropped, bs[n:])
	n += ord.String.Marshal(r.Error, bs[n:])
	return
}

func (reportRecordMUS) Unmarshal(bs []byte) (rec reportRecord, n int, err error) {
	var (
		outcome, total, embedded int64
		uid                      uint64
		n1                       int
	)
	uid, n, err = varint.Uint64.Unmarshal(bs)
	if err != nil {
		return
	}
	rec.report.CollectionId = core.ID(uid)
	outcome, n1, err = varint.Int64.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	rec.report.Outcome = core.Outcome(outcome)
	rec.report.StartedAt, n1, err = unmarshalTime(bs[n:])
	n += n1
	if err != nil {
		return
	}
	rec.report.FinishedAt, n1, err = unmarshalTime(bs[n:])
	n += n1
	if err != nil {
		return
	}
	total, n1, err = varint.Int64.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	rec.report.Total = int(total)
	embedded, n1, err = varint.Int64.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	rec.report.Embedded = int(embedded)
	rec.dropped, n1, err = unmarshalBytes(bs[n:])
	n += n1
	if err != nil {
		return
	}
	rec.report.Error, n1, err = ord.String.Unmarshal(bs[n:])
	n += n1
	return
}

func (reportRecordMUS) Size(rec reportRecord) (size int) {
	r := rec.report
	size = varint.Uint64.Size(uint64(r.CollectionId))
	size += varint.Int64.Size(int64(r.Outcome))
	size += sizeTime(r.StartedAt)
	size += sizeTime(r.FinishedAt)
	size += varint.Int64.Size(int64(r.Total))
	size += varint.Int64.Size(int64(r.Embedded))
	size += sizeBytes(rec.dropped)
	size += ord.String.Size(r.Error)
	return
}

// Timestamps are stored as Unix microseconds in UTC.

func marshalTime(t time.Time, bs []byte) int {
	return varint.Int64.Marshal(t.UnixMicro(), bs)
}

func unmarshalTime(bs []byte) (time.Time, int, error) {
	v, n, err := varint.Int64.Unmarshal(bs)
	if err != nil {
		return time.Time{}, n, err
	}
	return time.UnixMicro(v).UTC(), n, nil
}

func sizeTime(t time.Time) int {
	return varint.Int64.Size(t.UnixMicro())
}

func marshalOptTime(t *time.Time, bs []byte) (n int) {
	n = ord.Bool.Marshal(t != nil, bs)
	if t != nil {
		n += marshalTime(*t, bs[n:])
	}
	return
}

func unmarshalOptTime(bs []byte) (t *time.Time, n int, err error) {
	var (
		present bool
		n1      int
		v       time.Time
	)
	present, n, err = ord.Bool.Unmarshal(bs)
	if err != nil || !present {
		return
	}
	v, n1, err = unmarshalTime(bs[n:])
	n += n1
	if err != nil {
		return
	}
	t = &v
	return
}

func sizeOptTime(t *time.Time) (size int) {
	size = ord.Bool.Size(t != nil)
	if t != nil {
		size += sizeTime(*t)
	}
	return
}

func marshalOptInt(v *int, bs []byte) (n int) {
	n = ord.Bool.Marshal(v != nil, bs)
	if v != nil {
		n += varint.Int64.Marshal(int64(*v), bs[n:])
	}
	return
}

func unmarshalOptInt(bs []byte) (v *int, n int, err error) {
	var (
		present bool
		n1      int
		raw     int64
	)
	present, n, err = ord.Bool.Unmarshal(bs)
	if err != nil || !present {
		return
	}
	raw, n1, err = varint.Int64.Unmarshal(bs[n:])
	n += n1
	if err != nil {
		return
	}
	i := int(raw)
	v = &i
	return
}

func sizeOptInt(v *int) (size int) {
	size = ord.Bool.Size(v != nil)
	if v != nil {
		size += varint.Int64.Size(int64(*v))
	}
	return
}

func marshalBytes(b []byte, bs []byte) (n int) {
	n = varint.Uint64.Marshal(uint64(len(b)), bs)
	n += copy(bs[n:], b)
	return
}

func unmarshalBytes(bs []byte) (b []byte, n int, err error) {
	var length uint64
	length, n, err = varint.Uint64.Unmarshal(bs)
	if err != nil {
		return
	}
	if length > uint64(len(bs)-n) {
		err = ErrTruncatedData
		return
	}
	b = make([]byte, length)
	n += copy(b, bs[n:])
	return
}

func sizeBytes(b []byte) int {
	return varint.Uint64.Size(uint64(len(b))) + len(b)
}
