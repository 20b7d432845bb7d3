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
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/streamrow/streamrow/internal/trace"
)

// resumableStreamReaderState is the state of resumableStreamReader.
type resumableStreamReaderState int

const (
	// No stream connected; the next call connects, seeded with the last
	// observed resume token.
	unConnected resumableStreamReaderState = iota
	// A stream is connected and delivering messages.
	streaming
	// The logical stream ended cleanly. Terminal.
	finished
	// The logical stream failed and cannot be resumed. Terminal.
	aborted
)

// resumableStreamReader presents a sequence of stream attempts as one logical
// stream. On a transient failure of an idempotent operation it reconnects from
// the last resume token it observed, transparently to the caller; the server
// is responsible for flagging a replayed stream with PartialResult.Reset.
//
// Not safe for concurrent use; only one next call may be in flight at a time.
type resumableStreamReader struct {
	ctx    context.Context
	rpc    StreamFactory
	stream StreamReader
	state  resumableStreamReaderState
	err    error

	// Last non-empty resume token observed; seeds reconnects.
	resumeToken []byte

	// Whether the overall operation may be safely re-issued. A transient
	// failure of a non-idempotent operation is surfaced as terminal, because
	// replaying is unsafe without knowing whether the first attempt already
	// had partial effect.
	idempotent bool

	// One retryer per logical stream, created fresh at construction so no
	// retry state is shared across operations.
	retryer gax.Retryer

	// stateWitness is called on every state transition. For tests.
	stateWitness func(resumableStreamReaderState)
}

func newResumableStreamReader(ctx context.Context, rpc StreamFactory, idempotent bool, opts ...gax.CallOption) *resumableStreamReader {
	return &resumableStreamReader{
		ctx:        ctx,
		rpc:        rpc,
		idempotent: idempotent,
		retryer:    retrySettings(opts)(),
	}
}

func (r *resumableStreamReader) changeState(target resumableStreamReaderState) {
	r.state = target
	if r.stateWitness != nil {
		r.stateWitness(target)
	}
}

// next returns the next message of the logical stream. It returns io.EOF at a
// clean end of stream and the terminal status error otherwise; both outcomes
// are sticky.
func (r *resumableStreamReader) next() (*PartialResult, error) {
	for {
		switch r.state {
		case unConnected:
			stream, err := r.rpc(r.ctx, r.resumeToken)
			if err != nil {
				if !r.backoffOrAbort(err) {
					return nil, r.err
				}
				continue
			}
			r.stream = stream
			r.changeState(streaming)

		case streaming:
			pr, err := r.stream.Recv()
			if err == io.EOF {
				r.changeState(finished)
				return nil, io.EOF
			}
			if err != nil {
				if !r.backoffOrAbort(err) {
					return nil, r.err
				}
				continue
			}
			if len(pr.ResumeToken) > 0 {
				r.resumeToken = pr.ResumeToken
			}
			return pr, nil

		case finished:
			return nil, io.EOF

		case aborted:
			return nil, r.err
		}
	}
}

// backoffOrAbort decides whether the failed attempt may be resumed. If so it
// sleeps per the retry policy and leaves the reader ready to reconnect,
// reporting true. Otherwise it records the terminal status and reports false.
func (r *resumableStreamReader) backoffOrAbort(err error) bool {
	r.tryCancel()
	r.stream = nil

	var delay time.Duration
	retryable := false
	if r.idempotent {
		delay, retryable = r.retryer.Retry(err)
	}
	if !retryable {
		_, r.err = convertToGrpcStatusErr(err)
		r.changeState(aborted)
		return false
	}

	trace.TracePrintf(r.ctx, map[string]interface{}{
		"error":      err.Error(),
		"delay_secs": delay.Seconds(),
	}, "Resuming stream after transient failure")

	if serr := gax.Sleep(r.ctx, delay); serr != nil {
		_, r.err = convertToGrpcStatusErr(serr)
		r.changeState(aborted)
		return false
	}
	r.changeState(unConnected)
	return true
}

// tryCancel cancels the current stream attempt, if any. Idempotent.
func (r *resumableStreamReader) tryCancel() {
	if r.stream != nil {
		r.stream.TryCancel()
	}
}
