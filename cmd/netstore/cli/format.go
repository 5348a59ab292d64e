package cli

import (
	"fmt"
	"strconv"
	"time"
)

// truncateKey shortens a cache key for table display.
func truncateKey(key string) string {
	const maxLen = 60
	if len(key) <= maxLen {
		return key
	}
	return key[:maxLen-3] + "..."
}

// parseDuration parses a duration string with support for days (d).
func parseDuration(s string) (time.Duration, error) {
	if s != "" && s[len(s)-1] == 'd' {
		days, err := strconv.Atoi(s[:len(s)-1])
		if err != nil || days < 0 {
			return 0, fmt.Errorf("invalid number of days: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// safeUint64 converts int64 to uint64, clamping negative values to 0.
func safeUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// safeInt64 converts uint64 to int64, clamping to max int64 if overflow.
func safeInt64(n uint64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	if n > uint64(maxInt64) {
		return maxInt64
	}
	return int64(n)
}
