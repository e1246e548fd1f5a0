package labels

import "math"

const (
	secondsPerHour  = 3600.0
	bytesPerGigabyte = 1 << 30
)

// SecondsToHours converts a core-seconds (or any seconds) counter to hours.
func SecondsToHours(seconds float64) float64 {
	return seconds / secondsPerHour
}

// ByteSecondsToGigabyteHours converts a byte-seconds counter to GB-hours.
func ByteSecondsToGigabyteHours(byteSeconds float64) float64 {
	return byteSeconds / secondsPerHour / bytesPerGigabyte
}

// BytesToGigabytes converts a byte count to gigabytes.
func BytesToGigabytes(bytes float64) float64 {
	return bytes / bytesPerGigabyte
}

// ByteSecondsToGigabyteMonths converts a byte-seconds counter to GB-months
// using the actual number of hours in the given month (days-in-month aware).
func ByteSecondsToGigabyteMonths(byteSeconds float64, daysInMonth int) float64 {
	return byteSeconds / (86400.0 * float64(daysInMonth) * bytesPerGigabyte)
}

// Coalesce returns the first non-nil pointer's value, falling back to
// fallback when all are nil.
func Coalesce(fallback float64, vals ...*float64) float64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return fallback
}

// SafeGreatest returns the maximum of the given values, treating no values
// as 0.
func SafeGreatest(vals ...float64) float64 {
	max := 0.0
	first := true
	for _, v := range vals {
		if first || v > max {
			max = v
			first = false
		}
	}
	return max
}

// SafeSum sums the given values, ignoring NaN/Inf contributions.
func SafeSum(vals ...float64) float64 {
	var sum float64
	for _, v := range vals {
		if isFinite(v) {
			sum += v
		}
	}
	return sum
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
