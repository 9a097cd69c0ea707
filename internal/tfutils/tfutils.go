package tfutils

import (
	"fmt"
	"strconv"
	"time"
)

// Candle granularities served by the exchange, in seconds.
const (
	Granularity1M  = 60
	Granularity5M  = 300
	Granularity15M = 900
	Granularity1H  = 3600
	Granularity6H  = 21600
	Granularity1D  = 86400
)

// ParseGranularity parses a label ("5m", "1h") or a number of seconds ("300")
// to a supported granularity.
func ParseGranularity(s string) (int, error) {
	switch s {
	case "1m":
		return Granularity1M, nil
	case "5m":
		return Granularity5M, nil
	case "15m":
		return Granularity15M, nil
	case "1h":
		return Granularity1H, nil
	case "6h":
		return Granularity6H, nil
	case "1d":
		return Granularity1D, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || !IsValidGranularity(n) {
		return 0, fmt.Errorf("unsupported granularity %q", s)
	}
	return n, nil
}

// GranularityLabel returns the short label of a granularity, or "" if it is
// not supported.
func GranularityLabel(granularity int) string {
	switch granularity {
	case Granularity1M:
		return "1m"
	case Granularity5M:
		return "5m"
	case Granularity15M:
		return "15m"
	case Granularity1H:
		return "1h"
	case Granularity6H:
		return "6h"
	case Granularity1D:
		return "1d"
	default:
		return ""
	}
}

// GetGranularityDuration returns the duration of a granularity
func GetGranularityDuration(granularity int) time.Duration {
	if !IsValidGranularity(granularity) {
		return 0
	}
	return time.Duration(granularity) * time.Second
}

// GetSupportedGranularities returns all supported granularities, smallest first
func GetSupportedGranularities() []int {
	return []int{Granularity1M, Granularity5M, Granularity15M, Granularity1H, Granularity6H, Granularity1D}
}

// IsValidGranularity checks if a granularity is supported
func IsValidGranularity(granularity int) bool {
	return GranularityLabel(granularity) != ""
}

// Point returns the start of the candle containing t.
func Point(t time.Time, granularity int) time.Time {
	return t.UTC().Truncate(time.Duration(granularity) * time.Second)
}
