// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package streamrow

import (
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// PartialResult is a single message of a streaming read response. A batch of
// encoded values may be fragmented across any number of messages; BatchChecksum
// closes the batch, and ResumeToken marks everything received so far as
// durable.
type PartialResult struct {
	// BatchData is a fragment of a serialized value batch. The concatenation
	// of fragments since the last batch boundary forms a serialized
	// structpb.ListValue once BatchChecksum is present.
	BatchData []byte

	// BatchChecksum, when non-nil, closes the current batch. It is the CRC32C
	// (Castagnoli) of the concatenated batch bytes. A batch never crosses a
	// resume token boundary.
	BatchChecksum *uint32

	// ResumeToken is an opaque marker. When non-empty, all data received up to
	// and including this message is durable on the server and will never be
	// replayed; buffered values may be surfaced to the caller. Re-issuing the
	// stream with this token continues after the last durable row.
	ResumeToken []byte

	// Reset directs the client to discard all uncommitted state accumulated
	// since the last resume token. Servers send it on the first message of a
	// replayed stream.
	Reset bool

	// EstimatedBatchSize is a hint of the total size in bytes of the batch
	// being received, for buffer preallocation. May be zero or inexact.
	EstimatedBatchSize int
}

// TypeCode identifies the type of a column.
type TypeCode int32

// Column type codes. Values ride the stream as structpb values: Int64 as a
// decimal string, Bytes as base64, Timestamp as RFC 3339, NULL as a null
// value.
const (
	TypeCodeUnspecified TypeCode = iota
	TypeCodeBytes
	TypeCodeString
	TypeCodeInt64
	TypeCodeFloat64
	TypeCodeBool
	TypeCodeTimestamp
	TypeCodeArray
)

// Type describes the type of a column.
type Type struct {
	Code TypeCode

	// ArrayElementType is set when Code is TypeCodeArray.
	ArrayElementType *Type
}

// ColumnMetadata describes a single column of a result set.
type ColumnMetadata struct {
	// Name of the column as produced by the query. Names are not necessarily
	// unique.
	Name string
	Type Type
}

// ResultSetMetadata is the ordered schema of a result set. It is established
// once per logical query, before the first row, and is shared read-only by
// every Row produced from that query.
type ResultSetMetadata struct {
	Columns []ColumnMetadata
}

// colIndexMap maps each column name to the indices it appears at, in order.
func (m *ResultSetMetadata) colIndexMap() map[string][]int {
	idx := make(map[string][]int, len(m.Columns))
	for i, col := range m.Columns {
		idx[col.Name] = append(idx[col.Name], i)
	}
	return idx
}
