package strategy

import "time"

// Bybit settles linear funding every 8 hours at 00:00, 08:00, 16:00 UTC.
const fundingInterval = 8 * time.Hour

const (
	quietBefore = 5 * time.Minute
	quietAfter  = 2 * time.Minute
)

// NextPayout returns the first funding instant strictly after now.
func NextPayout(now time.Time) time.Time {
	day := now.UTC().Truncate(24 * time.Hour)
	for t := day; ; t = t.Add(fundingInterval) {
		if t.After(now) {
			return t
		}
	}
}

// PrevPayout returns the most recent funding instant at or before now.
func PrevPayout(now time.Time) time.Time {
	return NextPayout(now).Add(-fundingInterval)
}

// InQuietPeriod reports whether now falls inside the suppression window
// around a payout instant: 5 minutes before through 2 minutes after.
func InQuietPeriod(now time.Time) bool {
	next := NextPayout(now)
	if next.Sub(now) <= quietBefore {
		return true
	}
	prev := PrevPayout(now)
	return now.Sub(prev) <= quietAfter
}

// InSnipeWindow reports whether now is within the configured band before the
// next payout.
func InSnipeWindow(now time.Time, window time.Duration) bool {
	return NextPayout(now).Sub(now) <= window
}
