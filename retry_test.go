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
	"errors"
	"testing"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

func withRetryInfo(t *testing.T, code codes.Code, delay time.Duration) error {
	t.Helper()
	st, err := status.New(code, "server says wait").WithDetails(&errdetails.RetryInfo{
		RetryDelay: durationpb.New(delay),
	})
	if err != nil {
		t.Fatalf("WithDetails: %v", err)
	}
	return st.Err()
}

func TestTransientOnlyRetry(t *testing.T) {
	for _, test := range []struct {
		desc string
		err  error
		want bool
	}{
		{"unavailable", status.Error(codes.Unavailable, "x"), true},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, "x"), true},
		{"aborted", status.Error(codes.Aborted, "x"), true},
		{"internal rst stream", status.Error(codes.Internal, "stream terminated by RST_STREAM with error code: INTERNAL_ERROR"), true},
		{"internal other", status.Error(codes.Internal, "corrupt frame"), false},
		{"invalid argument", status.Error(codes.InvalidArgument, "x"), false},
		{"permission denied", status.Error(codes.PermissionDenied, "x"), false},
		{"not a status", errors.New("plain"), false},
	} {
		backoff := defaultBackoff
		if _, got := transientOnlyRetry(&backoff, test.err); got != test.want {
			t.Errorf("%s: retryable = %v, want %v", test.desc, got, test.want)
		}
	}
}

func TestStreamRetryerHonorsRetryInfo(t *testing.T) {
	r := retrySettings([]gax.CallOption{defaultRetryOption})()

	delay, ok := r.Retry(withRetryInfo(t, codes.Unavailable, 42*time.Millisecond))
	if !ok || delay != 42*time.Millisecond {
		t.Fatalf("got (%v, %v), want the server delay (42ms, true)", delay, ok)
	}

	// When the server stops sending RetryInfo, the client-side backoff takes
	// over from its initial value.
	delay, ok = r.Retry(status.Error(codes.Unavailable, "x"))
	if !ok {
		t.Fatal("transient error after RetryInfo not retryable")
	}
	if delay > defaultBackoff.Initial {
		t.Errorf("got delay %v after backoff reset, want at most %v", delay, defaultBackoff.Initial)
	}
}

// RetryInfo makes even a normally permanent code retryable, unless the option
// disables it.
func TestStreamRetryerRetryInfoOnPermanentCode(t *testing.T) {
	err := withRetryInfo(t, codes.InvalidArgument, 10*time.Millisecond)

	r := retrySettings([]gax.CallOption{defaultRetryOption})()
	if _, ok := r.Retry(err); !ok {
		t.Error("RetryInfo on permanent code: got not retryable, want retryable")
	}

	r = retrySettings([]gax.CallOption{newRetryOption(transientOnlyRetry, true)})()
	if _, ok := r.Retry(err); ok {
		t.Error("RetryInfo disabled: got retryable, want not retryable")
	}
}

func TestWithMaxAttempts(t *testing.T) {
	r := retrySettings([]gax.CallOption{WithMaxAttempts(3)})()
	err := status.Error(codes.Unavailable, "x")
	for i := 0; i < 2; i++ {
		if _, ok := r.Retry(err); !ok {
			t.Fatalf("retry %d: got not retryable, want retryable", i+1)
		}
	}
	if _, ok := r.Retry(err); ok {
		t.Fatal("third retry allowed, want attempts capped at 3")
	}
}

func TestConvertToGrpcStatusErr(t *testing.T) {
	plain := errors.New("plain")
	for _, test := range []struct {
		desc     string
		err      error
		wantCode codes.Code
	}{
		{"nil", nil, codes.OK},
		{"status error", status.Error(codes.NotFound, "x"), codes.NotFound},
		{"context canceled", context.Canceled, codes.Canceled},
		{"context deadline", context.DeadlineExceeded, codes.DeadlineExceeded},
		{"plain error", plain, codes.Unknown},
	} {
		code, err := convertToGrpcStatusErr(test.err)
		if code != test.wantCode {
			t.Errorf("%s: got code %v, want %v", test.desc, code, test.wantCode)
		}
		if test.err == nil {
			if err != nil {
				t.Errorf("%s: got %v, want nil", test.desc, err)
			}
			continue
		}
		if err == nil {
			t.Errorf("%s: got nil error", test.desc)
		}
		if test.err == plain && err != plain {
			t.Errorf("%s: non-status error was rewritten: %v", test.desc, err)
		}
	}
}
