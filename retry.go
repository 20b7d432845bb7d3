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
	"strings"
	"time"

	gax "github.com/googleapis/gax-go/v2"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	transientRetryCodes   = []codes.Code{codes.DeadlineExceeded, codes.Unavailable, codes.Aborted}
	isTransientRetryCode  = make(map[codes.Code]bool)
	retryableInternalMsgs = []string{
		// The gRPC runtime surfaces some transport-level stream resets as
		// INTERNAL even though they are retryable.
		"stream terminated by RST_STREAM",
		"Received Rst stream",
		"RST_STREAM closed stream",
		"Received RST_STREAM",
	}

	defaultBackoff = gax.Backoff{
		Initial:    100 * time.Millisecond,
		Max:        2 * time.Second,
		Multiplier: 1.2,
	}

	defaultRetryOption = newRetryOption(transientOnlyRetry, false)
)

func init() {
	for _, code := range transientRetryCodes {
		isTransientRetryCode[code] = true
	}
}

func newRetryOption(retryFn func(*gax.Backoff, error) (time.Duration, bool), disableRetryInfo bool) gax.CallOption {
	return gax.WithRetry(func() gax.Retryer {
		// A new Backoff instance for each retryer so logical operations never
		// share mutable backoff state.
		newBackoffInstance := gax.Backoff{
			Initial:    defaultBackoff.Initial,
			Max:        defaultBackoff.Max,
			Multiplier: defaultBackoff.Multiplier,
		}
		return &streamRetryer{
			baseRetryFn:      retryFn,
			backoff:          newBackoffInstance,
			disableRetryInfo: disableRetryInfo,
		}
	})
}

// WithMaxAttempts returns a retry option limiting a logical operation to at
// most n attempts (n-1 retries). Transient classification and backoff follow
// the package defaults.
func WithMaxAttempts(n int) gax.CallOption {
	return gax.WithRetry(func() gax.Retryer {
		newBackoffInstance := gax.Backoff{
			Initial:    defaultBackoff.Initial,
			Max:        defaultBackoff.Max,
			Multiplier: defaultBackoff.Multiplier,
		}
		return &maxAttemptsRetryer{
			inner: &streamRetryer{
				baseRetryFn: transientOnlyRetry,
				backoff:     newBackoffInstance,
			},
			remaining: n - 1,
		}
	})
}

func transientOnlyRetry(backoff *gax.Backoff, err error) (time.Duration, bool) {
	// Similar to gax.OnCodes but shares the backoff with the INTERNAL retry
	// message check.
	st, ok := status.FromError(err)
	if !ok {
		return 0, false
	}
	c := st.Code()
	if isTransientRetryCode[c] ||
		(c == codes.Internal && containsAny(err.Error(), retryableInternalMsgs)) {
		return backoff.Pause(), true
	}
	return 0, false
}

// streamRetryer implements gax.Retryer. It honors server-sent RetryInfo when
// enabled, falling back to client-side exponential backoff, and resets the
// client-side backoff when the server stops providing RetryInfo mid-operation.
type streamRetryer struct {
	baseRetryFn               func(*gax.Backoff, error) (time.Duration, bool)
	backoff                   gax.Backoff
	disableRetryInfo          bool
	wasLastDelayFromRetryInfo bool
}

func (r *streamRetryer) Retry(err error) (time.Duration, bool) {
	if !r.disableRetryInfo {
		apiErr, ok := apierror.FromError(err)
		if ok && apiErr != nil && apiErr.Details().RetryInfo != nil {
			r.wasLastDelayFromRetryInfo = true
			return apiErr.Details().RetryInfo.GetRetryDelay().AsDuration(), true
		}
		if r.wasLastDelayFromRetryInfo {
			r.backoff = gax.Backoff{
				Initial:    r.backoff.Initial,
				Max:        r.backoff.Max,
				Multiplier: r.backoff.Multiplier,
			}
		}
		r.wasLastDelayFromRetryInfo = false
	}
	return r.baseRetryFn(&r.backoff, err)
}

// maxAttemptsRetryer caps the number of retries of an inner retryer.
type maxAttemptsRetryer struct {
	inner     gax.Retryer
	remaining int
}

func (r *maxAttemptsRetryer) Retry(err error) (time.Duration, bool) {
	if r.remaining <= 0 {
		return 0, false
	}
	r.remaining--
	return r.inner.Retry(err)
}

func containsAny(str string, substrs []string) bool {
	for _, substr := range substrs {
		if strings.Contains(str, substr) {
			return true
		}
	}
	return false
}

// convertToGrpcStatusErr normalizes an error to a gRPC status error.
func convertToGrpcStatusErr(err error) (codes.Code, error) {
	if err == nil {
		return codes.OK, nil
	}

	if errStatus, ok := status.FromError(err); ok {
		return errStatus.Code(), status.Error(errStatus.Code(), errStatus.Message())
	}

	ctxStatus := status.FromContextError(err)
	if ctxStatus.Code() != codes.Unknown {
		return ctxStatus.Code(), status.Error(ctxStatus.Code(), ctxStatus.Message())
	}

	return codes.Unknown, err
}

// retrySettings resolves retry call options into a retryer factory, falling
// back to the package default.
func retrySettings(opts []gax.CallOption) func() gax.Retryer {
	var settings gax.CallSettings
	for _, opt := range opts {
		opt.Resolve(&settings)
	}
	if settings.Retry == nil {
		defaultRetryOption.Resolve(&settings)
	}
	return settings.Retry
}
