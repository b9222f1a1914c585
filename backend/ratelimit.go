// Copyright (c) 2026 TTBT Enterprises LLC
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

package backend

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-(subject, operation) token bucket guard on the ingest
// path, shared across the streaming and batched HTTP endpoints.
type RateLimiter struct {
	rps   float64
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter creates a limiter with the given refill rate (requests per
// second) and burst size, applied per (subject, operation) key.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		rps:      rps,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func limiterKey(subject, operation string) string {
	return subject + "|" + operation
}

func (rl *RateLimiter) limiterFor(subject, operation string) *rate.Limiter {
	key := limiterKey(subject, operation)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(rl.rps), rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Allow consumes a single token for (subject, operation). It returns ok=true
// if the request may proceed, or ok=false with the duration the caller must
// wait before retrying (rounded up to a whole second, matching the
// Retry-After header contract).
func (rl *RateLimiter) Allow(subject, operation string) (ok bool, retryAfter time.Duration) {
	return rl.AllowN(subject, operation, 1)
}

// AllowN consumes n tokens at once, used by the batched endpoint, where one
// batch of n actions counts as n tokens.
func (rl *RateLimiter) AllowN(subject, operation string, n int) (ok bool, retryAfter time.Duration) {
	limiter := rl.limiterFor(subject, operation)
	now := time.Now()
	res := limiter.ReserveN(now, n)
	if !res.OK() {
		return false, 0
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	res.CancelAt(now)
	seconds := time.Duration(math.Ceil(delay.Seconds())) * time.Second
	return false, seconds
}

// RetryAfterHeader formats a duration as the integer-seconds value the HTTP
// Retry-After header expects.
func RetryAfterHeader(d time.Duration) string {
	return fmt.Sprintf("%d", int(math.Ceil(d.Seconds())))
}
