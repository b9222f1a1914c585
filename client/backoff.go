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

package client

import (
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// retryAfterSeconds parses a 429 response's Retry-After header (seconds)
// and returns it alone; zero means the header was absent or
// unparseable and the caller should fall back to exponential backoff.
func retryAfterSeconds(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// transportBackoff implements the transport-failure policy:
// base·1.5^retry with jitter, capped at max. A 429 with a parseable
// Retry-After header takes precedence over the computed value.
func transportBackoff(base, max time.Duration, retry int, resp *http.Response) time.Duration {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		if d := retryAfterSeconds(resp); d > 0 {
			return d
		}
	}
	d := float64(base) * math.Pow(1.5, float64(retry))
	jitter := rand.Float64() * float64(base)
	total := time.Duration(d + jitter)
	if total > max {
		total = max
	}
	return total
}
