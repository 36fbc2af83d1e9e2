package loadtest

import (
	"fmt"
	"runtime"
	"slices"
	"time"
)

// LatencyMetrics summarizes a set of durations.
type LatencyMetrics struct {
	Count int
	Min   time.Duration
	P50   time.Duration // Median
	Mean  time.Duration
	P95   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// ComputeStats calculates statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyMetrics{
		Count: len(sorted),
		Min:   sorted[0],
		P50:   sorted[len(sorted)*50/100],
		Mean:  sum / time.Duration(len(sorted)),
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Max:   sorted[len(sorted)-1],
	}
}

// heapAlloc returns the live heap size.
func heapAlloc() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Alloc
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case d < time.Millisecond:
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	case d < time.Second:
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}
