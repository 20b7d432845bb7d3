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
)

// StreamReader is a single attempt of a streaming read RPC. It carries no
// retry logic; resumption across attempts is handled by the row iterator.
//
// Recv returns the next message of the stream. At a clean end of stream it
// returns io.EOF; any other error is the terminal RPC status of the attempt.
// A stream that still has undelivered server data will not reach its terminal
// status until drained, so callers abandoning a stream early must call
// TryCancel before discarding it.
type StreamReader interface {
	Recv() (*PartialResult, error)

	// TryCancel cancels the stream, best effort. It is idempotent and safe to
	// call in any state, including after Recv has returned an error.
	TryCancel()
}

// StreamFactory issues one attempt of the streaming read RPC. A non-empty
// resumeToken asks the server to continue delivery immediately after the last
// durable row covered by that token; an empty token starts from the beginning.
type StreamFactory func(ctx context.Context, resumeToken []byte) (StreamReader, error)
