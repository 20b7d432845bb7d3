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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitInfo is server feedback for retuning the client's write rate,
// embedded in bulk write responses.
type RateLimitInfo struct {
	// Factor to apply to the current rate. Greater than one speeds the client
	// up, less than one slows it down. Clamped by the limiter's factor
	// bounds before being applied.
	Factor float64
	// Period for which the new rate applies; the limiter ignores further
	// feedback until it elapses. Clamped by the limiter's period bounds.
	Period time.Duration
}

// Limiter gates bulk write attempts. Wait blocks until an attempt may be
// sent or the context is done. Update applies server rate feedback; a Limiter
// may be shared by concurrent writers, so Update must be safe for concurrent
// use with Wait.
type Limiter interface {
	Wait(ctx context.Context) error
	Update(info *RateLimitInfo)
}

// NoopLimiter never delays and ignores server feedback. Use it to disable
// write throttling.
type NoopLimiter struct{}

// Wait implements Limiter.
func (NoopLimiter) Wait(ctx context.Context) error { return nil }

// Update implements Limiter.
func (NoopLimiter) Update(info *RateLimitInfo) {}

// Rate limiter defaults. The factor bounds keep a single piece of server
// feedback from swinging the rate by more than 30% in either direction, and
// the period bounds keep a bad suggested period from freezing or thrashing
// the tuning loop.
const (
	defaultWriteQPS = 10.0
	minWriteQPS     = 0.001
	maxWriteQPS     = 100000.0

	minRateFactor = 0.7
	maxRateFactor = 1.3

	defaultRatePeriod = 10 * time.Second
	minRatePeriod     = time.Second
	maxRatePeriod     = time.Minute
)

// RateLimiter is a Limiter whose rate is retuned by server feedback. The
// feedback factor is clamped to [minRateFactor, maxRateFactor] and applied to
// the current rate; further feedback is ignored until the (clamped) suggested
// period elapses. The tuning state is guarded by a mutex because one
// RateLimiter is typically shared by all writers targeting a destination.
type RateLimiter struct {
	mu         sync.Mutex
	lim        *rate.Limiter
	qps        float64
	nextUpdate time.Time

	// now is a test hook.
	now func() time.Time
}

// NewRateLimiter returns a RateLimiter starting at the default write rate.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		lim: rate.NewLimiter(rate.Limit(defaultWriteQPS), 1),
		qps: defaultWriteQPS,
		now: time.Now,
	}
}

// Wait implements Limiter.
func (l *RateLimiter) Wait(ctx context.Context) error {
	return l.lim.Wait(ctx)
}

// Update implements Limiter.
func (l *RateLimiter) Update(info *RateLimitInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.nextUpdate) {
		return
	}

	factor := clampFloat(info.Factor, minRateFactor, maxRateFactor)
	l.qps = clampFloat(l.qps*factor, minWriteQPS, maxWriteQPS)
	l.lim.SetLimit(rate.Limit(l.qps))

	period := info.Period
	if period == 0 {
		period = defaultRatePeriod
	}
	l.nextUpdate = now.Add(clampDuration(period, minRatePeriod, maxRatePeriod))
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
