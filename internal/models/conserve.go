package models

// SplitProportional divides total into len(weights) parts proportional to the
// weights. Every part except the last is truncated toward zero; the last part
// receives the exact remainder, so the parts always sum back to total even
// when independent rounding would drift. Weights are normalized internally,
// a zero weight vector puts the whole total in the last part.
func SplitProportional(total float64, weights []float64) []float64 {
	if len(weights) == 0 {
		return nil
	}
	var sum float64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	parts := make([]float64, len(weights))
	var assigned float64
	for i := 0; i < len(weights)-1; i++ {
		if sum > 0 && weights[i] > 0 {
			parts[i] = float64(int64(total * weights[i] / sum))
		}
		assigned += parts[i]
	}
	parts[len(parts)-1] = total - assigned
	return parts
}

// SplitCount is the integer variant of SplitProportional for event counts.
func SplitCount(total int, weights []float64) []int {
	if len(weights) == 0 {
		return nil
	}
	var sum float64
	for _, w := range weights {
		if w > 0 {
			sum += w
		}
	}
	parts := make([]int, len(weights))
	assigned := 0
	for i := 0; i < len(weights)-1; i++ {
		if sum > 0 && weights[i] > 0 {
			parts[i] = int(float64(total) * weights[i] / sum)
		}
		assigned += parts[i]
	}
	parts[len(parts)-1] = total - assigned
	return parts
}
