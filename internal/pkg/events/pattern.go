package events

import (
	"fmt"
	"strings"
)

// Channel patterns are glob-like over ":"-separated segments: "*" matches
// exactly one segment, a trailing "**" matches any suffix (zero or more
// segments). Both bus variants apply these semantics; the redis variant
// subscribes to a coarse server-side translation and re-checks locally.

// ValidatePattern rejects empty patterns and a "**" anywhere but the
// final segment.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("empty channel pattern")
	}
	segs := strings.Split(pattern, ":")
	for i, s := range segs {
		if s == "**" && i != len(segs)-1 {
			return fmt.Errorf("pattern %q: ** is only valid as the final segment", pattern)
		}
	}
	return nil
}

// Match reports whether channel matches pattern.
func Match(pattern, channel string) bool {
	ps := strings.Split(pattern, ":")
	cs := strings.Split(channel, ":")
	for i, p := range ps {
		if p == "**" {
			return true
		}
		if i >= len(cs) {
			return false
		}
		if p != "*" && p != cs[i] {
			return false
		}
	}
	return len(ps) == len(cs)
}

// toRedisPattern widens a glob to a redis PSUBSCRIBE pattern. Redis "*"
// crosses segment boundaries, so the result over-matches; delivery is
// filtered through Match before handlers run.
func toRedisPattern(pattern string) string {
	segs := strings.Split(pattern, ":")
	for i, s := range segs {
		switch s {
		case "*", "**":
			segs[i] = "*"
		}
	}
	return strings.Join(segs, ":")
}
