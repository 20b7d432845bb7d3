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
	"time"
)

// Timestamp is in units of microseconds since 1 January 1970.
type Timestamp int64

// ServerTime is a specific Timestamp that may be passed to (*Mutation).Set.
// It indicates that the server's timestamp should be used.
const ServerTime Timestamp = -1

// Time converts a time.Time into a Timestamp.
func Time(t time.Time) Timestamp { return Timestamp(t.UnixNano() / 1e3) }

// Now returns the Timestamp representation of the current time on the client.
func Now() Timestamp { return Time(time.Now()) }

// Time converts a Timestamp into a time.Time.
func (ts Timestamp) Time() time.Time { return time.Unix(int64(ts)/1e6, int64(ts)%1e6*1e3) }

// TruncateToMilliseconds truncates a Timestamp to millisecond granularity,
// which is currently the only granularity supported.
func (ts Timestamp) TruncateToMilliseconds() Timestamp {
	if ts == ServerTime {
		return ts
	}
	return ts - ts%1000
}

// OpKind identifies the kind of a single mutation operation.
type OpKind int

const (
	// OpSetCell writes a value into one cell.
	OpSetCell OpKind = iota
	// OpDeleteColumn deletes cells from one column, optionally bounded by a
	// timestamp range.
	OpDeleteColumn
	// OpDeleteFamily deletes all cells of one column family.
	OpDeleteFamily
	// OpDeleteRow deletes the entire row.
	OpDeleteRow
)

// Op is a single operation within a Mutation, in the form transports send it.
type Op struct {
	Kind   OpKind
	Family string
	Column string

	// Timestamp applies to OpSetCell. ServerTime asks the server to assign
	// the write time.
	Timestamp Timestamp
	Value     []byte

	// Start and End bound an OpDeleteColumn to the half-open timestamp
	// interval [Start, End). End of zero means infinity.
	Start, End Timestamp
}

// Mutation represents a set of changes for a single row of a table.
type Mutation struct {
	ops []Op
}

// NewMutation returns a new mutation.
func NewMutation() *Mutation {
	return new(Mutation)
}

// Ops returns the operations of the mutation in application order. The
// returned slice is owned by the mutation; transports must not modify it.
func (m *Mutation) Ops() []Op { return m.ops }

// Set sets a value in a specified column, with the given timestamp.
// The timestamp will be truncated to millisecond granularity.
// A timestamp of ServerTime means to use the server timestamp.
func (m *Mutation) Set(family, column string, ts Timestamp, value []byte) {
	m.ops = append(m.ops, Op{
		Kind:      OpSetCell,
		Family:    family,
		Column:    column,
		Timestamp: ts.TruncateToMilliseconds(),
		Value:     value,
	})
}

// DeleteCellsInColumn will delete all the cells whose columns are family:column.
func (m *Mutation) DeleteCellsInColumn(family, column string) {
	m.ops = append(m.ops, Op{Kind: OpDeleteColumn, Family: family, Column: column})
}

// DeleteTimestampRange deletes all cells whose columns are family:column
// and whose timestamps are in the half-open interval [start, end).
// If end is zero, it will be interpreted as infinity.
// The timestamps will be truncated to millisecond granularity.
func (m *Mutation) DeleteTimestampRange(family, column string, start, end Timestamp) {
	m.ops = append(m.ops, Op{
		Kind:   OpDeleteColumn,
		Family: family,
		Column: column,
		Start:  start.TruncateToMilliseconds(),
		End:    end.TruncateToMilliseconds(),
	})
}

// DeleteCellsInFamily will delete all the cells whose columns are family:*.
func (m *Mutation) DeleteCellsInFamily(family string) {
	m.ops = append(m.ops, Op{Kind: OpDeleteFamily, Family: family})
}

// DeleteRow deletes the entire row.
func (m *Mutation) DeleteRow() {
	m.ops = append(m.ops, Op{Kind: OpDeleteRow})
}

// IdempotentMutationPolicy reports whether a mutation may be applied more than
// once with the same effect as applying it once, and is therefore safe to
// retry blindly.
type IdempotentMutationPolicy interface {
	Idempotent(m *Mutation) bool
}

// DefaultIdempotentMutationPolicy treats a mutation as idempotent unless one
// of its cell writes relies on a server-assigned timestamp. Deletes, including
// range deletes, are idempotent.
func DefaultIdempotentMutationPolicy() IdempotentMutationPolicy {
	return defaultIdempotencyPolicy{}
}

type defaultIdempotencyPolicy struct{}

func (defaultIdempotencyPolicy) Idempotent(m *Mutation) bool {
	for _, op := range m.ops {
		if op.Kind == OpSetCell && op.Timestamp == ServerTime {
			return false
		}
	}
	return true
}
