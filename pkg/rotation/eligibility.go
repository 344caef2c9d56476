package rotation

import "time"

// IsDue reports whether a credential expiring at expiresAt must be renewed at
// now, given a threshold in days. Renewal is due once the remaining lifetime is
// at or below the threshold: now + thresholdDays >= expiresAt.
// A negative threshold counts as zero.
func IsDue(expiresAt, now time.Time, thresholdDays int) bool {
	if thresholdDays < 0 {
		thresholdDays = 0
	}
	horizon := now.AddDate(0, 0, thresholdDays)
	return !horizon.Before(expiresAt)
}

// TimeRemaining is the lifetime left on a credential at now, floored at zero.
func TimeRemaining(expiresAt, now time.Time) time.Duration {
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
