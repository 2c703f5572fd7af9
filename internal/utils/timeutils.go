package utils

import (
	"math"
	"time"
)

// BucketStart aligns t (in UTC) to the start of its width-sized bucket.
func BucketStart(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(width)
}

// BucketCount returns how many aligned buckets [from, to] covers. Spans
// beyond the range of time.Duration report math.MaxInt64.
func BucketCount(from, to time.Time, width time.Duration) int64 {
	if width <= 0 {
		return 0
	}
	start := BucketStart(from, width)
	end := BucketStart(to, width)
	if end.Before(start) {
		start, end = end, start
	}
	span := end.Sub(start)
	if span == math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(span/width) + 1
}

// BucketsBetween returns the aligned bucket starts in [from, to]. It returns
// nil when the span overflows time.Duration; callers bound the range with
// BucketCount first.
func BucketsBetween(from, to time.Time, width time.Duration) []time.Time {
	n := BucketCount(from, to, width)
	if n == 0 || n == math.MaxInt64 {
		return nil
	}
	start := BucketStart(from, width)
	end := BucketStart(to, width)
	if end.Before(start) {
		start, end = end, start
	}
	buckets := make([]time.Time, 0, n)
	for b := start; !b.After(end); b = b.Add(width) {
		buckets = append(buckets, b)
	}
	return buckets
}
