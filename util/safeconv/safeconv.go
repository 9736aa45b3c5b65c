package safeconv

import (
	"math"
	"time"
)

// IntSliceToUint32Slice converts a slice of int to uint32 with clamping to avoid overflow/underflow.
func IntSliceToUint32Slice(input []int) []uint32 {
	out := make([]uint32, len(input))
	for i, v := range input {
		if v < 0 {
			out[i] = 0
		} else if v > math.MaxUint32 {
			out[i] = math.MaxUint32
		} else {
			out[i] = uint32(v)
		}
	}
	return out
}

// Uint32ToInt32 converts token ids for int32 model inputs, clamping to MaxInt32.
func Uint32ToInt32(v uint32) int32 {
	if v > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(v)
}

// DurationToU64 converts a duration to an unsigned nanoseconds counter safely.
// Negative durations are mapped to 0.
func DurationToU64(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d) // #nosec G115
}

// U64ToDuration converts an unsigned nanoseconds count to time.Duration safely.
// Values larger than MaxInt64 are clamped to time.Duration(math.MaxInt64).
func U64ToDuration(u uint64) time.Duration {
	if u > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(int64(u))
}

// BytesToMB converts a byte count to mebibytes.
func BytesToMB(b uint64) float64 {
	return float64(b) / (1024 * 1024)
}

// ClampToUint8 rounds v half to even and clamps it into [0, 255].
func ClampToUint8(v float32) uint8 {
	r := math.RoundToEven(float64(v))
	if r < 0 {
		return 0
	}
	if r > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(r)
}
