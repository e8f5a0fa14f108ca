package ratelimit

import (
	"time"

	"github.com/threadly/governor/lrucache"
)

// violation tracks consecutive rate-limit rejections for a key. The count
// restarts whenever the gap since the last rejection exceeds the
// violation window.
type violation struct {
	count  int
	lastAt time.Time
}

// escalator promotes keys with repeated violations to time-boxed hard
// blocks. A key is in one of three states: absent, tracking (violation
// record) or blocked (block record). Expired blocks are deleted the next
// time they are read, so no background job is required for a key that
// keeps getting traffic; the janitor sweep handles keys that go quiet.
type escalator struct {
	violations *lrucache.Cache[string, violation]
	// blocks maps a key to the instant its block lifts.
	blocks    *lrucache.Cache[string, time.Time]
	threshold int
	window    time.Duration
	blockFor  time.Duration
}

// recordViolation notes a rejection for key at now and reports whether
// the key just crossed the threshold and is now blocked.
func (e *escalator) recordViolation(key string, now time.Time) bool {
	v, ok := e.violations.Get(key)
	if !ok || now.Sub(v.lastAt) > e.window {
		e.violations.Set(key, violation{count: 1, lastAt: now})
		return false
	}

	v.count++
	v.lastAt = now
	if v.count < e.threshold {
		e.violations.Set(key, v)
		return false
	}

	e.violations.Delete(key)
	e.blocks.Set(key, now.Add(e.blockFor))
	return true
}

// blockedUntil reports whether key is blocked at now. A record whose
// expiry has passed is removed on read.
func (e *escalator) blockedUntil(key string, now time.Time) (time.Time, bool) {
	until, ok := e.blocks.Get(key)
	if !ok {
		return time.Time{}, false
	}
	if !until.After(now) {
		e.blocks.Delete(key)
		return time.Time{}, false
	}
	return until, true
}

// sweep drops expired blocks and violation records older than the
// violation window, returning how many were removed.
func (e *escalator) sweep(now time.Time) int {
	removed := e.blocks.Cleanup(func(_ string, until time.Time) bool {
		return !until.After(now)
	})
	removed += e.violations.Cleanup(func(_ string, v violation) bool {
		return now.Sub(v.lastAt) > e.window
	})
	return removed
}
