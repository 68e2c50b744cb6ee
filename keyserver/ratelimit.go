// signalserver - A Signal-compatible secure messaging server.
// Copyright (C) 2024 Tulir Asokan
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package keyserver

import (
	"strings"
	"sync"
	"time"

	"go.mau.fi/util/exsync"
)

// LeakyBucketLimiter is an in-memory rate limiter: each key gets a bucket of
// the configured size that leaks at a fixed rate.
type LeakyBucketLimiter struct {
	bucketSize        int
	leakRatePerMinute float64
	buckets           *exsync.Map[string, *leakyBucket]
}

type leakyBucket struct {
	lock       sync.Mutex
	spaceUsed  float64
	lastUpdate time.Time
}

func NewLeakyBucketLimiter(bucketSize int, leakRatePerMinute float64) *LeakyBucketLimiter {
	return &LeakyBucketLimiter{
		bucketSize:        bucketSize,
		leakRatePerMinute: leakRatePerMinute,
		buckets:           exsync.NewMap[string, *leakyBucket](),
	}
}

var _ RateLimiter = (*LeakyBucketLimiter)(nil)

func (lbl *LeakyBucketLimiter) Validate(key string) error {
	return lbl.validate(key, lbl.bucketSize, lbl.leakRatePerMinute)
}

// validate takes the bucket parameters explicitly so wrappers with reloadable
// settings can apply new parameters to buckets that already exist.
func (lbl *LeakyBucketLimiter) validate(key string, bucketSize int, leakRatePerMinute float64) error {
	bucket, _ := lbl.buckets.GetOrSet(key, &leakyBucket{lastUpdate: time.Now()})
	bucket.lock.Lock()
	defer bucket.lock.Unlock()

	now := time.Now()
	leaked := now.Sub(bucket.lastUpdate).Minutes() * leakRatePerMinute
	bucket.spaceUsed -= leaked
	if bucket.spaceUsed < 0 {
		bucket.spaceUsed = 0
	}
	bucket.lastUpdate = now

	if bucket.spaceUsed+1 > float64(bucketSize) {
		overflow := bucket.spaceUsed + 1 - float64(bucketSize)
		retryAfter := time.Duration(overflow / leakRatePerMinute * float64(time.Minute))
		return &ThrottledError{RetryAfter: retryAfter}
	}
	bucket.spaceUsed++
	return nil
}

// CountryLimiter rate limits identified sends by the sending account's country
// calling code, with bucket parameters and an enforcement toggle supplied by
// dynamic configuration. The parameters are read on every call, so a config
// reload applies immediately to countries that already have a bucket.
type CountryLimiter struct {
	dynamic *DynamicConfig
	buckets *LeakyBucketLimiter
}

func NewCountryLimiter(dynamic *DynamicConfig) *CountryLimiter {
	return &CountryLimiter{
		dynamic: dynamic,
		buckets: NewLeakyBucketLimiter(0, 0),
	}
}

// Validate applies the configured per-country bucket for the sender's number.
// When enforcement is off, usage is still recorded but never rejected.
func (cl *CountryLimiter) Validate(senderNumber string) error {
	settings := cl.dynamic.Get().UnsealedSenderLimits
	code := CountryCallingCode(senderNumber)
	bucketSize, leakRate := settings.limitsForCountry(code)
	err := cl.buckets.validate(code, bucketSize, leakRate)
	if !settings.Enforced {
		return nil
	}
	return err
}

// CountryCallingCode extracts the leading calling code digits of an E.164
// number. Unparseable numbers map to "0" so they share one bucket.
func CountryCallingCode(number string) string {
	number = strings.TrimPrefix(number, "+")
	digits := 0
	for digits < len(number) && digits < 3 && number[digits] >= '0' && number[digits] <= '9' {
		digits++
	}
	if digits == 0 {
		return "0"
	}
	// NANP and a few other single-digit codes; everything else keeps up to
	// three digits, which is close enough for bucketing purposes.
	if number[0] == '1' || number[0] == '7' {
		return number[:1]
	}
	return number[:digits]
}
