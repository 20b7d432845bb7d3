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
	"fmt"
	"io"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/streamrow/streamrow/internal/trace"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Entry is one row mutation within a bulk write request, in the form the
// transport sends it. Index is the entry's position within the request it is
// part of; streamed results refer to entries by that index.
type Entry struct {
	Index  int
	RowKey string
	Mut    *Mutation
}

// MutateResult reports the outcome of one entry of a bulk write request, as
// streamed back by the server. Results may arrive in any order and a single
// response stream may carry results for any subset of entries.
type MutateResult struct {
	// Index of the entry within the request this result belongs to.
	Index int
	// Status of applying the entry. An OK status means the mutation was
	// durably applied.
	Status *statuspb.Status
	// RateLimitInfo, when non-nil, carries server feedback for retuning the
	// client's write rate.
	RateLimitInfo *RateLimitInfo
}

// MutateStream is a single attempt of the streaming bulk write RPC. Recv
// returns io.EOF when the server has finished streaming results; any other
// error is the terminal status of the attempt and voids all results not yet
// received.
type MutateStream interface {
	Recv() (*MutateResult, error)
}

// MutateFactory issues one attempt of the streaming bulk write RPC carrying
// the given entries.
type MutateFactory func(ctx context.Context, entries []*Entry) (MutateStream, error)

// Overridden in tests.
var maxBulkOps = 100000

// errBulkApplyIncomplete drives another attempt when some entries of a bulk
// apply failed transiently. It carries a transient code so the configured
// retry policy treats it as retryable; when the policy gives up, the entry
// errors stand on their own and this error is swallowed.
var errBulkApplyIncomplete = status.Error(codes.Unavailable, "streamrow: partial failure of bulk apply")

// BulkWriterOption configures a BulkWriter.
type BulkWriterOption interface {
	setBulk(*BulkWriter)
}

type withLimiter struct{ l Limiter }

func (o withLimiter) setBulk(w *BulkWriter) { w.limiter = o.l }

// WithLimiter sets the rate limiter consulted before each attempt. The same
// limiter may be shared by every writer targeting one destination. Defaults
// to NoopLimiter.
func WithLimiter(l Limiter) BulkWriterOption { return withLimiter{l} }

type withIdempotencyPolicy struct{ p IdempotentMutationPolicy }

func (o withIdempotencyPolicy) setBulk(w *BulkWriter) { w.policy = o.p }

// WithIdempotentMutationPolicy overrides the policy classifying mutations as
// safe to retry.
func WithIdempotentMutationPolicy(p IdempotentMutationPolicy) BulkWriterOption {
	return withIdempotencyPolicy{p}
}

type withBulkRetryOptions []gax.CallOption

func (o withBulkRetryOptions) setBulk(w *BulkWriter) {
	w.callOptions = append(w.callOptions, o...)
}

// WithBulkRetryOptions overrides the retry policy driving repeated attempts.
func WithBulkRetryOptions(opts ...gax.CallOption) BulkWriterOption {
	return withBulkRetryOptions(opts)
}

// BulkWriter drives batches of independent row mutations to completion over a
// streaming bulk write RPC, honoring per-mutation idempotency. A BulkWriter is
// safe for concurrent use; each Apply call owns its batch state.
type BulkWriter struct {
	factory     MutateFactory
	limiter     Limiter
	policy      IdempotentMutationPolicy
	callOptions []gax.CallOption
}

// NewBulkWriter returns a BulkWriter issuing bulk write RPCs through factory.
func NewBulkWriter(factory MutateFactory, opts ...BulkWriterOption) *BulkWriter {
	w := &BulkWriter{
		factory: factory,
		limiter: NoopLimiter{},
		policy:  DefaultIdempotentMutationPolicy(),
	}
	for _, opt := range opts {
		opt.setBulk(w)
	}
	if len(w.callOptions) == 0 {
		w.callOptions = []gax.CallOption{defaultRetryOption}
	}
	return w
}

// Apply applies multiple Mutations, one per row key. Each mutation is
// individually applied atomically, but the set of mutations may be applied in
// any order.
//
// Two types of failures may occur. If the entire process fails, (nil, err)
// will be returned. If specific mutations fail to apply, ([]err, nil) will be
// returned, and the errors will correspond to the relevant rowKeys/muts
// arguments; a nil element means the mutation succeeded. Mutations that fail
// transiently are retried only while their idempotency classification and the
// retry policy both allow it.
func (w *BulkWriter) Apply(ctx context.Context, rowKeys []string, muts []*Mutation, opts ...gax.CallOption) (errs []error, err error) {
	ctx = trace.StartSpan(ctx, "streamrow.BulkWriter.Apply")
	defer func() { trace.EndSpan(ctx, err) }()

	if len(rowKeys) != len(muts) {
		return nil, fmt.Errorf("streamrow: mismatched rowKeys and mutation array lengths: %d, %d", len(rowKeys), len(muts))
	}

	origEntries := make([]*entryErr, len(rowKeys))
	for i, key := range rowKeys {
		mut := muts[i]
		if mut == nil || len(mut.Ops()) == 0 {
			return nil, errors.New("streamrow: mutation with no operations cannot be applied in bulk")
		}
		origEntries[i] = &entryErr{
			entry:      &Entry{RowKey: key, Mut: mut},
			idempotent: w.policy.Idempotent(mut),
		}
	}

	callOptions := w.callOptions
	if len(opts) > 0 {
		callOptions = opts
	}

	var firstGroupErr error
	numFailed := 0
	groups := groupEntries(origEntries, maxBulkOps)
	for _, group := range groups {
		err := w.applyGroup(ctx, group, callOptions)
		if err != nil {
			if firstGroupErr == nil {
				firstGroupErr = err
			}
			numFailed++
		}
	}

	if numFailed == len(groups) && len(groups) > 0 {
		return nil, firstGroupErr
	}

	// All the errors are accumulated into an array and returned, interspersed
	// with nils for successful entries. The absence of any errors means we
	// should return nil.
	var foundErr bool
	for _, entry := range origEntries {
		if entry.err == nil && entry.topLevelErr != nil {
			// Populate per mutation error if top level error is not nil
			entry.err = entry.topLevelErr
		}
		if entry.err != nil {
			foundErr = true
		}
		errs = append(errs, entry.err)
	}
	if foundErr {
		return errs, nil
	}
	return nil, nil
}

// applyGroup retries one group of entries until every entry has either
// succeeded or failed permanently, or the retry policy is exhausted.
func (w *BulkWriter) applyGroup(ctx context.Context, group []*entryErr, callOptions []gax.CallOption) error {
	attrMap := make(map[string]interface{})
	err := gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
		if err := w.limiter.Wait(ctx); err != nil {
			return err
		}
		attrMap["rowCount"] = len(group)
		trace.TracePrintf(ctx, attrMap, "Row count in BulkWriter.Apply")
		err := w.doApply(ctx, group)
		if err != nil {
			// We want to retry the entire request with the current group
			return err
		}
		// Get the entries that need to be retried
		group = w.pendingRetries(group)
		if len(group) > 0 {
			// We have at least one mutation that needs to be retried.
			return errBulkApplyIncomplete
		}
		return nil
	}, callOptions...)
	if errors.Is(err, errBulkApplyIncomplete) {
		// The retry policy gave up with entry-level failures still pending.
		// Those are reported per entry, not as a failure of the whole group.
		return nil
	}
	return err
}

// pendingRetries returns the entries that need to be retried.
func (w *BulkWriter) pendingRetries(entries []*entryErr) []*entryErr {
	var retryEntries []*entryErr
	for _, entry := range entries {
		err := entry.err
		if err != nil && isTransientRetryCode[status.Code(err)] && entry.idempotent {
			// There was an error and the entry is retryable.
			retryEntries = append(retryEntries, entry)
		}
	}
	return retryEntries
}

// doApply does the work of a single bulk write attempt.
func (w *BulkWriter) doApply(ctx context.Context, entryErrs []*entryErr) error {
	var topLevelErr error
	defer func() {
		populateTopLevelError(entryErrs, topLevelErr)
	}()

	entries := make([]*Entry, len(entryErrs))
	for i, entryErr := range entryErrs {
		entryErr.entry.Index = i
		entries[i] = entryErr.entry
	}

	stream, err := w.factory(ctx, entries)
	if err != nil {
		_, topLevelErr = convertToGrpcStatusErr(err)
		return err
	}

	for {
		res, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			_, topLevelErr = convertToGrpcStatusErr(err)
			return err
		}

		if res.RateLimitInfo != nil {
			w.limiter.Update(res.RateLimitInfo)
		}
		if res.Index < 0 || res.Index >= len(entryErrs) {
			topLevelErr = fmt.Errorf("streamrow: result index %d out of range for %d entries", res.Index, len(entryErrs))
			return topLevelErr
		}
		s := res.Status
		if s.GetCode() == int32(codes.OK) {
			entryErrs[res.Index].err = nil
		} else {
			entryErrs[res.Index].err = status.Error(codes.Code(s.GetCode()), s.GetMessage())
		}
	}
	return nil
}

func populateTopLevelError(entries []*entryErr, topLevelErr error) {
	for _, entry := range entries {
		entry.topLevelErr = topLevelErr
	}
}

// groupEntries groups entries into groups of a specified size without breaking up
// individual entries.
func groupEntries(entries []*entryErr, maxSize int) [][]*entryErr {
	var (
		res   [][]*entryErr
		start int
		gops  int
	)
	addGroup := func(end int) {
		if end-start > 0 {
			res = append(res, entries[start:end])
			start = end
			gops = 0
		}
	}
	for i, e := range entries {
		eops := len(e.entry.Mut.Ops())
		if gops+eops > maxSize {
			addGroup(i)
		}
		gops += eops
	}
	addGroup(len(entries))
	return res
}

// entryErr is a container that combines an entry with the error that was
// returned for it. err may be nil if no error was returned for the entry, or
// if the entry has not yet been processed.
type entryErr struct {
	entry      *Entry
	idempotent bool
	err        error

	// topLevelErr is the error received from issuing the RPC or from the
	// response stream, voiding the whole attempt.
	topLevelErr error
}
