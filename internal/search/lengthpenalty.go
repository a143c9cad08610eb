package search

import "math"

// LengthPenalty returns the GNMT normalization ((5+length)/6)^alpha.
// alpha == 0 disables normalization.
func LengthPenalty(length int, alpha float32) float32 {
	if alpha == 0 {
		return 1
	}
	return float32(math.Pow((5+float64(length))/6, float64(alpha)))
}
