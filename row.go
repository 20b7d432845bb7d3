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
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Row is a single row of a result set: one value per column of the result set
// metadata, in column order. Rows are independent value types once produced;
// the metadata they reference is shared and read-only.
type Row struct {
	values []*structpb.Value
	meta   *ResultSetMetadata
	// map from column name to list of indices {name -> [idx1, idx2, ...]},
	// shared by all rows of one logical query
	colIndexMap map[string][]int
}

// Metadata returns the schema of the result set this row belongs to. The
// returned value is shared; callers must not modify it.
func (r *Row) Metadata() *ResultSetMetadata { return r.meta }

// Len returns the number of columns in the row.
func (r *Row) Len() int { return len(r.values) }

// GetByIndex returns the value of the column at the given index, decoded to
// the Go type of the column: []byte, string, int64, float64, bool, time.Time,
// or []any for arrays. A SQL NULL is returned as a nil interface value.
func (r *Row) GetByIndex(index int) (any, error) {
	if index < 0 || index >= len(r.values) {
		return nil, fmt.Errorf("streamrow: index %d out of bounds for row with %d columns", index, len(r.values))
	}
	v, err := decodeValue(r.values[index], r.meta.Columns[index].Type)
	if err != nil {
		return nil, fmt.Errorf("streamrow: error decoding column %d (%q): %w", index, r.meta.Columns[index].Name, err)
	}
	return v, nil
}

// GetByName returns the value of the first column with the given name.
// Column names are not necessarily unique; with duplicates the lookup is
// ambiguous by design and the first match wins. Matching is case-sensitive.
func (r *Row) GetByName(name string) (any, error) {
	indices, found := r.colIndexMap[name]
	if !found || len(indices) == 0 {
		return nil, fmt.Errorf("streamrow: column %q not found in row", name)
	}
	return r.GetByIndex(indices[0])
}

// GetAllByName returns the values of all columns with the given name, in
// column order. If no column matches, it returns (nil, nil).
func (r *Row) GetAllByName(name string) ([]any, error) {
	indices, found := r.colIndexMap[name]
	if !found || len(indices) == 0 {
		return nil, nil
	}
	results := make([]any, len(indices))
	for i, index := range indices {
		val, err := r.GetByIndex(index)
		if err != nil {
			return nil, err
		}
		results[i] = val
	}
	return results, nil
}

// decodeValue converts a wire value to a Go value according to the declared
// column type. Errors returned are wrapped by the caller.
func decodeValue(v *structpb.Value, t Type) (any, error) {
	if v == nil || v.Kind == nil {
		return nil, nil
	}
	if _, isNull := v.Kind.(*structpb.Value_NullValue); isNull {
		return nil, nil
	}

	switch t.Code {
	case TypeCodeBytes:
		sv, ok := v.Kind.(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("type mismatch: expected base64 string for BYTES, got %T", v.Kind)
		}
		b, err := base64.StdEncoding.DecodeString(sv.StringValue)
		if err != nil {
			return nil, fmt.Errorf("invalid base64 in BYTES value: %w", err)
		}
		return b, nil

	case TypeCodeString:
		sv, ok := v.Kind.(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("type mismatch: expected string for STRING, got %T", v.Kind)
		}
		return sv.StringValue, nil

	case TypeCodeInt64:
		// INT64 rides the wire as a decimal string; a float64 number cannot
		// represent the full range.
		sv, ok := v.Kind.(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("type mismatch: expected decimal string for INT64, got %T", v.Kind)
		}
		n, err := strconv.ParseInt(sv.StringValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid INT64 value %q: %w", sv.StringValue, err)
		}
		return n, nil

	case TypeCodeFloat64:
		nv, ok := v.Kind.(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("type mismatch: expected number for FLOAT64, got %T", v.Kind)
		}
		return nv.NumberValue, nil

	case TypeCodeBool:
		bv, ok := v.Kind.(*structpb.Value_BoolValue)
		if !ok {
			return nil, fmt.Errorf("type mismatch: expected bool for BOOL, got %T", v.Kind)
		}
		return bv.BoolValue, nil

	case TypeCodeTimestamp:
		sv, ok := v.Kind.(*structpb.Value_StringValue)
		if !ok {
			return nil, fmt.Errorf("type mismatch: expected RFC 3339 string for TIMESTAMP, got %T", v.Kind)
		}
		ts, err := time.Parse(time.RFC3339Nano, sv.StringValue)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMESTAMP value %q: %w", sv.StringValue, err)
		}
		return ts, nil

	case TypeCodeArray:
		lv, ok := v.Kind.(*structpb.Value_ListValue)
		if !ok {
			return nil, fmt.Errorf("type mismatch: expected list for ARRAY, got %T", v.Kind)
		}
		if t.ArrayElementType == nil {
			return nil, fmt.Errorf("array element type is nil")
		}
		elems := lv.ListValue.GetValues()
		out := make([]any, len(elems))
		for i, ev := range elems {
			gv, err := decodeValue(ev, *t.ArrayElementType)
			if err != nil {
				return nil, fmt.Errorf("error decoding array element at index %d: %w", i, err)
			}
			out[i] = gv
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported column type code %d", t.Code)
	}
}
