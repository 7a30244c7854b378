// Package throttle bounds how fast and how widely one authority's threads
// execute, so a single authority with many due threads cannot starve the
// others within a poll.
//
// [Manager] uses a token-bucket rate limiter (golang.org/x/time/rate) and
// an active-count gate per authority:
//
//	m := throttle.NewManager(throttle.Limits{RateLimit: 5, RateBurst: 10, MaxConcurrency: 2})
//	if m.Acquire(authority) {
//	    defer m.Release(authority)
//	    // execute the thread
//	}
//
// A zero Limits value imposes no limits.
package throttle
