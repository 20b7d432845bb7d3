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
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"testing"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var kvMeta = &ResultSetMetadata{
	Columns: []ColumnMetadata{
		{Name: "key", Type: Type{Code: TypeCodeString}},
		{Name: "val", Type: Type{Code: TypeCodeString}},
	},
}

func strVal(s string) *structpb.Value { return structpb.NewStringValue(s) }

func intVal(n int64) *structpb.Value {
	return structpb.NewStringValue(strconv.FormatInt(n, 10))
}

func marshalBatch(t *testing.T, vals ...*structpb.Value) []byte {
	t.Helper()
	b, err := proto.Marshal(&structpb.ListValue{Values: vals})
	if err != nil {
		t.Fatalf("marshal batch: %v", err)
	}
	return b
}

func checksumOf(b []byte) *uint32 {
	c := crc32.Checksum(b, crc32cTable)
	return &c
}

// batchMsg returns a message carrying a complete batch of values closed by
// its checksum, with no resume token.
func batchMsg(t *testing.T, vals ...*structpb.Value) *PartialResult {
	t.Helper()
	b := marshalBatch(t, vals...)
	return &PartialResult{BatchData: b, BatchChecksum: checksumOf(b)}
}

func tokenMsg(token string) *PartialResult {
	return &PartialResult{ResumeToken: []byte(token)}
}

// fastRetry retries transient codes with a negligible backoff so tests do not
// sleep.
func fastRetry() gax.CallOption {
	return gax.WithRetry(func() gax.Retryer {
		return gax.OnCodes(transientRetryCodes, gax.Backoff{
			Initial:    time.Millisecond,
			Max:        time.Millisecond,
			Multiplier: 1,
		})
	})
}

// fastMaxRetry is fastRetry capped at n attempts total.
func fastMaxRetry(n int) gax.CallOption {
	return gax.WithRetry(func() gax.Retryer {
		return &maxAttemptsRetryer{
			inner: gax.OnCodes(transientRetryCodes, gax.Backoff{
				Initial:    time.Millisecond,
				Max:        time.Millisecond,
				Multiplier: 1,
			}),
			remaining: n - 1,
		}
	})
}

// streamEvent is one scripted Recv outcome.
type streamEvent struct {
	msg *PartialResult
	err error
}

// fakeStream is a scripted single stream attempt. After the script runs out,
// Recv reports io.EOF.
type fakeStream struct {
	events  []streamEvent
	pos     int
	cancels int
}

func (s *fakeStream) Recv() (*PartialResult, error) {
	if s.pos >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	if ev.err != nil {
		return nil, ev.err
	}
	cp := *ev.msg
	return &cp, nil
}

func (s *fakeStream) TryCancel() { s.cancels++ }

// fakeServer scripts a logical stream as a sequence of attempts and records
// the resume token each attempt was issued with.
type fakeServer struct {
	attempts    []*fakeStream
	connectErrs map[int]error

	attempt   int
	gotTokens [][]byte
}

func (s *fakeServer) factory(ctx context.Context, resumeToken []byte) (StreamReader, error) {
	s.gotTokens = append(s.gotTokens, append([]byte{}, resumeToken...))
	i := s.attempt
	s.attempt++
	if err, ok := s.connectErrs[i]; ok {
		return nil, err
	}
	if i >= len(s.attempts) {
		return nil, fmt.Errorf("unexpected stream attempt %d", i)
	}
	return s.attempts[i], nil
}

// drainRows pulls rows until the iterator is exhausted or fails, returning
// the (key, val) pairs seen.
func drainRows(t *testing.T, it *RowIterator) ([][2]string, error) {
	t.Helper()
	var got [][2]string
	for {
		row, err := it.Next()
		if err != nil {
			return got, err
		}
		k, kerr := row.GetByName("key")
		v, verr := row.GetByName("val")
		if kerr != nil || verr != nil {
			t.Fatalf("row decode: %v / %v", kerr, verr)
		}
		got = append(got, [2]string{k.(string), v.(string)})
	}
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("got nil error, want code %v", code)
	}
	if got := statusCode(err); got != code {
		t.Fatalf("got error %v (code %v), want code %v", err, got, code)
	}
}

func statusCode(err error) codes.Code {
	c, _ := convertToGrpcStatusErr(err)
	return c
}
