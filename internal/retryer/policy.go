package retryer

import (
	"time"
)

// Policy decides whether a failed attempt is retried. failureCount is the
// number of failures before this one, so Times(n) allows n retries.
type Policy func(failureCount int, err error) bool

// DelayFunc returns how long to wait before the next attempt.
type DelayFunc func(failureCount int, err error) time.Duration

// Never disables retries.
func Never() Policy {
	return func(int, error) bool { return false }
}

// Always retries until cancelled.
func Always() Policy {
	return func(int, error) bool { return true }
}

// Times retries up to n times; the work function runs at most n+1 times.
func Times(n int) Policy {
	return func(failureCount int, _ error) bool { return failureCount < n }
}

const maxDefaultDelay = 30 * time.Second

// DefaultDelay is exponential backoff starting at one second and capped at
// thirty seconds.
func DefaultDelay(failureCount int, _ error) time.Duration {
	if failureCount >= 5 {
		return maxDefaultDelay
	}
	return min(time.Second<<failureCount, maxDefaultDelay)
}

// FixedDelay waits d between every attempt.
func FixedDelay(d time.Duration) DelayFunc {
	return func(int, error) time.Duration { return d }
}

// NetworkMode controls how connectivity gates attempts.
type NetworkMode string

const (
	// NetworkModeOnline pauses attempts while offline.
	NetworkModeOnline NetworkMode = "online"

	// NetworkModeAlways ignores connectivity.
	NetworkModeAlways NetworkMode = "always"

	// NetworkModeOfflineFirst runs the first attempt regardless and pauses
	// retries while offline.
	NetworkModeOfflineFirst NetworkMode = "offlineFirst"
)

// CanFetch reports whether an attempt may start under mode.
func CanFetch(mode NetworkMode, online bool) bool {
	if mode == NetworkModeOnline || mode == "" {
		return online
	}
	return true
}
