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
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func watchStates(r *resumableStreamReader) *[]resumableStreamReaderState {
	var states []resumableStreamReaderState
	r.stateWitness = func(s resumableStreamReaderState) {
		states = append(states, s)
	}
	return &states
}

func TestResumableReaderCleanStream(t *testing.T) {
	srv := &fakeServer{attempts: []*fakeStream{{events: []streamEvent{
		{msg: tokenMsg("t1")},
	}}}}
	r := newResumableStreamReader(context.Background(), srv.factory, true)
	states := watchStates(r)

	if _, err := r.next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	if _, err := r.next(); err != io.EOF {
		t.Fatalf("got %v, want io.EOF", err)
	}
	// EOF is sticky.
	if _, err := r.next(); err != io.EOF {
		t.Fatalf("got %v on repeated next, want io.EOF", err)
	}
	want := []resumableStreamReaderState{streaming, finished}
	if !cmp.Equal(*states, want) {
		t.Errorf("states: got %v, want %v", *states, want)
	}
}

func TestResumableReaderResumesWithToken(t *testing.T) {
	stream0 := &fakeStream{events: []streamEvent{
		{msg: tokenMsg("t1")},
		{err: status.Error(codes.Unavailable, "try again")},
	}}
	stream1 := &fakeStream{events: []streamEvent{
		{msg: tokenMsg("t2")},
	}}
	srv := &fakeServer{attempts: []*fakeStream{stream0, stream1}}
	r := newResumableStreamReader(context.Background(), srv.factory, true, fastRetry())
	states := watchStates(r)

	for {
		if _, err := r.next(); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	wantTokens := [][]byte{{}, []byte("t1")}
	if !cmp.Equal(srv.gotTokens, wantTokens) {
		t.Errorf("tokens: got %q, want %q", srv.gotTokens, wantTokens)
	}
	if stream0.cancels == 0 {
		t.Error("failed attempt was not cancelled before reconnecting")
	}
	want := []resumableStreamReaderState{streaming, unConnected, streaming, finished}
	if !cmp.Equal(*states, want) {
		t.Errorf("states: got %v, want %v", *states, want)
	}
}

func TestResumableReaderRetriesConnectError(t *testing.T) {
	srv := &fakeServer{
		connectErrs: map[int]error{0: status.Error(codes.Unavailable, "try again")},
		attempts: []*fakeStream{nil, {events: []streamEvent{
			{msg: tokenMsg("t1")},
		}}},
	}
	r := newResumableStreamReader(context.Background(), srv.factory, true, fastRetry())

	if _, err := r.next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	if srv.attempt != 2 {
		t.Errorf("got %d connect attempts, want 2", srv.attempt)
	}
}

func TestResumableReaderNonIdempotentAborts(t *testing.T) {
	srv := &fakeServer{attempts: []*fakeStream{{events: []streamEvent{
		{err: status.Error(codes.Unavailable, "try again")},
	}}}}
	r := newResumableStreamReader(context.Background(), srv.factory, false, fastRetry())
	states := watchStates(r)

	_, err := r.next()
	wantCode(t, err, codes.Unavailable)
	if srv.attempt != 1 {
		t.Errorf("got %d attempts, want 1", srv.attempt)
	}
	// The terminal status is sticky.
	if _, err2 := r.next(); err2 != err {
		t.Errorf("got %v on repeated next, want %v", err2, err)
	}
	want := []resumableStreamReaderState{streaming, aborted}
	if !cmp.Equal(*states, want) {
		t.Errorf("states: got %v, want %v", *states, want)
	}
}

func TestResumableReaderRetryExhaustion(t *testing.T) {
	srv := &fakeServer{connectErrs: map[int]error{
		0: status.Error(codes.Unavailable, "try again"),
		1: status.Error(codes.Unavailable, "try again"),
		2: status.Error(codes.Unavailable, "try again"),
	}}
	r := newResumableStreamReader(context.Background(), srv.factory, true, fastMaxRetry(3))

	_, err := r.next()
	wantCode(t, err, codes.Unavailable)
	if srv.attempt != 3 {
		t.Errorf("got %d attempts, want 3", srv.attempt)
	}
}

func TestResumableReaderContextCancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := &fakeServer{attempts: []*fakeStream{{events: []streamEvent{
		{err: status.Error(codes.Unavailable, "try again")},
	}}}}
	slowRetry := gax.WithRetry(func() gax.Retryer {
		return gax.OnCodes(transientRetryCodes, gax.Backoff{
			Initial: time.Hour, Max: time.Hour, Multiplier: 1,
		})
	})
	r := newResumableStreamReader(ctx, srv.factory, true, slowRetry)

	_, err := r.next()
	wantCode(t, err, codes.Canceled)
}

func TestResumableReaderTryCancelIdempotent(t *testing.T) {
	stream := &fakeStream{events: []streamEvent{{msg: tokenMsg("t1")}}}
	srv := &fakeServer{attempts: []*fakeStream{stream}}
	r := newResumableStreamReader(context.Background(), srv.factory, true)

	// Before any stream is connected, cancelling is a no-op.
	r.tryCancel()

	if _, err := r.next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	r.tryCancel()
	r.tryCancel()
	if stream.cancels != 2 {
		t.Errorf("got %d cancels, want 2", stream.cancels)
	}
}
