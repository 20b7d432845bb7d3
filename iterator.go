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
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/streamrow/streamrow/internal/trace"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// RowIteratorOption configures a RowIterator.
type RowIteratorOption interface {
	set(*rowIteratorSettings)
}

type rowIteratorSettings struct {
	strictEOS   bool
	idempotent  bool
	callOptions []gax.CallOption
}

type strictEOS struct{}

func (strictEOS) set(s *rowIteratorSettings) { s.strictEOS = true }

// WithStrictEOS makes end of stream with uncommitted buffered values a
// protocol error instead of forcing a final commit. Some services do not emit
// a resume token on their final response; the default flushes leftovers as if
// a final end-of-stream token had been received. That flush is a policy
// decision, not a protocol guarantee, and this option disables it for
// services known to always close with a token.
func WithStrictEOS() RowIteratorOption { return strictEOS{} }

type nonIdempotent struct{}

func (nonIdempotent) set(s *rowIteratorSettings) { s.idempotent = false }

// WithNonIdempotent marks the logical read as unsafe to re-issue. A transient
// stream failure is then surfaced immediately instead of resumed.
func WithNonIdempotent() RowIteratorOption { return nonIdempotent{} }

type withRetryOptions []gax.CallOption

func (o withRetryOptions) set(s *rowIteratorSettings) {
	s.callOptions = append(s.callOptions, o...)
}

// WithRetryOptions overrides the retry policy used to resume the stream.
func WithRetryOptions(opts ...gax.CallOption) RowIteratorOption {
	return withRetryOptions(opts)
}

// RowIterator assembles a stream of PartialResult messages into rows and
// delivers them in server order, exactly once. It pulls messages through a
// resumable reader, accumulates batch fragments until a checksum closes the
// batch, and holds decoded values back until a resume token confirms they are
// durable and will not be replayed.
//
// Not safe for concurrent use. Stop must be called when the iterator is
// abandoned before exhaustion; an undrained stream may otherwise never reach
// its terminal status.
type RowIterator struct {
	ctx    context.Context
	cancel context.CancelFunc
	rr     *resumableStreamReader

	meta        *ResultSetMetadata
	colIndexMap map[string][]int

	// batchBuf accumulates fragments of the batch currently being received.
	batchBuf bytes.Buffer
	// uncommitted holds values decoded from closed batches that are not yet
	// covered by a resume token. Discarded when the server flags a replay.
	uncommitted []*structpb.Value
	// rows is the committed, ready-to-deliver queue.
	rows []*Row

	// Terminal state: iterator.Done after clean exhaustion, else the first
	// error observed. Sticky.
	err     error
	eos     bool
	stopped bool

	strictEOS bool
}

// NewRowIterator returns an iterator over the rows of one logical query.
// meta is the schema of the result set, established before the first row.
// factory is invoked once per stream attempt; it receives the last resume
// token observed so a resumed attempt continues after the last durable row.
func NewRowIterator(ctx context.Context, meta *ResultSetMetadata, factory StreamFactory, opts ...RowIteratorOption) *RowIterator {
	settings := rowIteratorSettings{idempotent: true}
	for _, opt := range opts {
		opt.set(&settings)
	}

	ctx = trace.StartSpan(ctx, "streamrow.RowIterator")
	ctx, cancel := context.WithCancel(ctx)
	it := &RowIterator{
		ctx:       ctx,
		cancel:    cancel,
		meta:      meta,
		strictEOS: settings.strictEOS,
	}
	if meta == nil || len(meta.Columns) == 0 {
		it.err = errors.New("streamrow: result set metadata has no columns")
		return it
	}
	it.colIndexMap = meta.colIndexMap()
	it.rr = newResumableStreamReader(ctx, factory, settings.idempotent, settings.callOptions...)
	return it
}

// Next returns the next row of the result set. It returns iterator.Done when
// the stream is exhausted. Once Next has returned an error, every later call
// returns the same error; a failed stream never resumes.
func (it *RowIterator) Next() (*Row, error) {
	if it.err != nil {
		return nil, it.err
	}
	for len(it.rows) == 0 {
		if it.eos {
			it.err = iterator.Done
			return nil, it.err
		}
		pr, err := it.rr.next()
		if err == io.EOF {
			if ferr := it.finalFlush(); ferr != nil {
				return nil, it.fail(ferr)
			}
			it.eos = true
			continue
		}
		if err != nil {
			// Already a status error; keep it as-is.
			it.err = err
			return nil, it.err
		}
		if perr := it.process(pr); perr != nil {
			return nil, it.fail(perr)
		}
	}
	row := it.rows[0]
	it.rows = it.rows[1:]
	return row, nil
}

// Do calls f for every row of the result set and stops the iterator. If f
// returns an error, iteration stops early and the error is returned.
func (it *RowIterator) Do(f func(r *Row) error) error {
	defer it.Stop()
	for {
		row, err := it.Next()
		switch err {
		case iterator.Done:
			return nil
		case nil:
			if err := f(row); err != nil {
				return err
			}
		default:
			return err
		}
	}
}

// Stop cancels the underlying stream and releases the iterator's resources.
// Cancellation happens before the stream is abandoned, so a stream with
// undelivered server data does not hang waiting to be drained. Stop is
// idempotent and safe to call at any point.
func (it *RowIterator) Stop() {
	if it.stopped {
		return
	}
	it.stopped = true
	if it.rr != nil {
		it.rr.tryCancel()
	}
	it.cancel()
	var spanErr error
	if it.err != nil && it.err != iterator.Done {
		spanErr = it.err
	}
	if it.err == nil {
		it.err = errors.New("streamrow: Next called after Stop")
	}
	trace.EndSpan(it.ctx, spanErr)
}

// fail records err as the iterator's terminal status, normalized to a gRPC
// status error, and cancels the stream so the attempt is not left dangling.
func (it *RowIterator) fail(err error) error {
	_, it.err = convertToGrpcStatusErr(err)
	it.rr.tryCancel()
	return it.err
}

// process folds one message into the assembler state.
func (it *RowIterator) process(pr *PartialResult) error {
	if pr.Reset {
		it.uncommitted = nil
		it.batchBuf.Reset()
	}

	if len(pr.BatchData) > 0 {
		if pr.EstimatedBatchSize > it.batchBuf.Len()+len(pr.BatchData) {
			it.batchBuf.Grow(pr.EstimatedBatchSize - it.batchBuf.Len())
		}
		it.batchBuf.Write(pr.BatchData)
	}

	if pr.BatchChecksum != nil {
		// Current batch is now complete.
		got := crc32.Checksum(it.batchBuf.Bytes(), crc32cTable)
		if got != *pr.BatchChecksum {
			return errors.New("streamrow: batch checksum mismatch")
		}
		batch := new(structpb.ListValue)
		if err := proto.Unmarshal(it.batchBuf.Bytes(), batch); err != nil {
			return fmt.Errorf("streamrow: malformed batch: %w", err)
		}
		it.uncommitted = append(it.uncommitted, batch.GetValues()...)
		it.batchBuf.Reset()
	}

	if len(pr.ResumeToken) > 0 {
		// A batch never crosses a resume token boundary: if any fragment data
		// arrived since the last boundary, this message must have closed it.
		if it.batchBuf.Len() != 0 && pr.BatchChecksum == nil {
			return errors.New("streamrow: received resume token with buffered batch data and no batch checksum")
		}
		return it.commit()
	}
	return nil
}

// commit moves all uncommitted values into delivered rows. Called when a
// resume token confirms the values are durable.
func (it *RowIterator) commit() error {
	numCols := len(it.meta.Columns)
	for len(it.uncommitted) > 0 {
		if len(it.uncommitted) < numCols {
			return fmt.Errorf("streamrow: metadata and data mismatch: %d columns but %d values buffered", numCols, len(it.uncommitted))
		}
		vals := it.uncommitted[0:numCols:numCols]
		it.uncommitted = it.uncommitted[numCols:]
		it.rows = append(it.rows, &Row{values: vals, meta: it.meta, colIndexMap: it.colIndexMap})
	}
	it.uncommitted = nil
	return nil
}

// finalFlush handles leftovers at a clean end of stream. An unclosed batch is
// always a protocol error. Uncommitted values from closed batches are
// committed as if a final end-of-stream token had arrived, unless strict EOS
// is requested.
func (it *RowIterator) finalFlush() error {
	if it.batchBuf.Len() != 0 {
		return errors.New("streamrow: stream ended with an unclosed batch")
	}
	if len(it.uncommitted) == 0 {
		return nil
	}
	if it.strictEOS {
		return errors.New("streamrow: stream ended without a resume token covering buffered values")
	}
	return it.commit()
}
