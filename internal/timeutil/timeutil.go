package timeutil

import (
	"math"
	"time"
)

// SkewSecondsCeil rounds d up to a whole number of seconds, clamping negative
// durations to zero.
func SkewSecondsCeil(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	sec := d / time.Second
	if d%time.Second != 0 {
		sec++
	}
	return int64(sec)
}

// NormalizeSkew rounds d up to the nearest whole second, as a Duration.
func NormalizeSkew(d time.Duration) time.Duration {
	return time.Duration(SkewSecondsCeil(d)) * time.Second
}

// AddSkewUnix adds skew (rounded up to whole seconds) to a unix timestamp,
// clamping to math.MaxInt64 on overflow.
func AddSkewUnix(unix int64, skew time.Duration) int64 {
	s := SkewSecondsCeil(skew)
	if s == 0 {
		return unix
	}
	if unix > math.MaxInt64-s {
		return math.MaxInt64
	}
	return unix + s
}
